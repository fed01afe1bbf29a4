package jobs

import "fmt"

// TxJob is the payload of send and mine jobs.
type TxJob struct {
	QueueID string `json:"queueId"`
	// Attempt counts send supersessions; the first send job carries 0.
	Attempt int `json:"attempt,omitempty"`
}

// WalletJob is the payload of heal and reset jobs.
type WalletJob struct {
	ChainID int64  `json:"chainId"`
	Address string `json:"address"`
}

// SendJobID builds the id of a send job for a given supersession attempt.
func SendJobID(queueID string, attempt int) string {
	return fmt.Sprintf("send:%s:%d", queueID, attempt)
}

// MineJobID builds the id of the mine job for a transaction.
func MineJobID(queueID string) string {
	return "mine:" + queueID
}

// HealJobID builds the dedupe id of a nonce-hole-healing job.
func HealJobID(chainID int64, address string) string {
	return fmt.Sprintf("heal_%s_%d", address, chainID)
}

// ResetJobID builds the dedupe id of a nonce reset job.
func ResetJobID(chainID int64, address string) string {
	return fmt.Sprintf("reset:%d:%s", chainID, address)
}
