package engine

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ChainID is a supported EVM chain identifier.
type ChainID int64

// ErrNotFound indicates that no transaction exists for a queue id.
var ErrNotFound = errors.New("transaction not found")

// ErrNotCancellable indicates the transaction already reached a terminal state.
var ErrNotCancellable = errors.New("transaction is not cancellable")

// SubmitRequest is a caller's request to execute a transaction.
type SubmitRequest struct {
	// QueueID is the caller-assigned idempotency key.
	QueueID string
	ChainID ChainID
	From    common.Address
	To      *common.Address
	Data    []byte
	Value   *big.Int

	// Optional gas overrides. When unset the send worker picks fees from
	// the chain.
	GasLimit             uint64
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int

	// TimeoutSeconds bounds the send and mine phases. Zero means no bound.
	TimeoutSeconds int64
}

// TransactionView is the caller-visible state of a submitted transaction.
type TransactionView struct {
	QueueID       string
	ChainID       ChainID
	Status        string
	Nonce         *int64
	Hashes        []common.Hash
	OnchainStatus *string
	ErrorMessage  string
	QueuedAt      time.Time
	SentAt        *time.Time
	MinedAt       *time.Time
	CancelledAt   *time.Time
}

// Engine accepts transaction submissions and drives them to a terminal state.
// This is the seam an HTTP layer would call; that layer is out of scope here.
type Engine interface {
	// Submit registers a queued transaction and schedules its send job.
	// Submitting the same QueueID twice returns the existing record.
	Submit(context.Context, SubmitRequest) (TransactionView, error)

	// Cancel cancels a queued transaction, or races a null replacement
	// against a sent one. Cancellation of a sent transaction is best effort.
	Cancel(ctx context.Context, queueID string) (TransactionView, error)

	// Get returns the current state for a queue id.
	Get(ctx context.Context, queueID string) (TransactionView, error)
}
