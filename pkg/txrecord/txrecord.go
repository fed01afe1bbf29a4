package txrecord

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/thirdweb-dev/engine-sub001/internal/engine"
)

// Status is a transaction's lifecycle state.
type Status string

const (
	// StatusQueued means the transaction is waiting for a send worker.
	StatusQueued Status = "queued"
	// StatusSent means the transaction was submitted and awaits a receipt.
	StatusSent Status = "sent"
	// StatusMined means a receipt was obtained. Terminal.
	StatusMined Status = "mined"
	// StatusErrored means the transaction can never succeed. Terminal.
	StatusErrored Status = "errored"
	// StatusCancelled means the caller cancelled the transaction. Terminal.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusMined || s == StatusErrored || s == StatusCancelled
}

// OnchainStatus is the chain-level execution outcome, recorded independently
// of the lifecycle status: a reverted transaction is still mined.
type OnchainStatus string

const (
	// OnchainSuccess means the transaction executed successfully.
	OnchainSuccess OnchainStatus = "success"
	// OnchainReverted means the transaction was mined but reverted.
	OnchainReverted OnchainStatus = "reverted"
)

// ErrNotFound indicates no record exists for the queue id.
var ErrNotFound = errors.New("transaction record not found")

// ErrAlreadyExists indicates the queue id was already used.
var ErrAlreadyExists = errors.New("transaction record already exists")

// ErrInvalidTransition indicates a worker tried to move a record out of a
// state it is not in; terminal states are sticky.
var ErrInvalidTransition = errors.New("invalid status transition")

// Record is the durable state of one submitted transaction, keyed by the
// caller-assigned idempotent queue id.
type Record struct {
	QueueID string
	ChainID engine.ChainID
	From    common.Address
	To      *common.Address
	Data    []byte
	Value   *big.Int

	Status      Status
	Nonce       *int64
	NonceEpoch  *int64
	ResendCount int64

	// SentHashes holds every hash this transaction was broadcast under,
	// oldest first; resends with escalated gas append to it.
	SentHashes []common.Hash

	GasLimit             uint64
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int

	OnchainStatus     *OnchainStatus
	GasUsed           *uint64
	EffectiveGasPrice *big.Int

	TimeoutSeconds int64
	ErrorMessage   string

	QueuedAt      time.Time
	SentAt        *time.Time
	LastSentAt    *time.Time
	LastSentBlock *int64
	MinedAt       *time.Time
	CancelledAt   *time.Time
}

// LastHash returns the most recent broadcast hash.
func (r Record) LastHash() (common.Hash, bool) {
	if len(r.SentHashes) == 0 {
		return common.Hash{}, false
	}
	return r.SentHashes[len(r.SentHashes)-1], true
}

// TimedOut reports whether the caller-supplied timeout elapsed.
func (r Record) TimedOut(now time.Time) bool {
	if r.TimeoutSeconds <= 0 {
		return false
	}
	return now.Sub(r.QueuedAt) > time.Duration(r.TimeoutSeconds)*time.Second
}

// Store is the durable transaction record store. Transition methods are
// guarded by the expected current status and return ErrInvalidTransition
// when the record moved on; no worker can mutate a terminal record.
type Store interface {
	// Create inserts a queued record. Returns ErrAlreadyExists when the
	// queue id was already used.
	Create(ctx context.Context, r Record) error

	// Get returns the record for a queue id.
	Get(ctx context.Context, queueID string) (Record, error)

	// MarkSent moves queued→sent, recording the allocated nonce, its
	// epoch, the broadcast hash and the chain head at send time.
	MarkSent(ctx context.Context, queueID string, nonce, nonceEpoch int64, hash common.Hash, block int64) error

	// AppendHash records a resend under the same nonce: appends the hash,
	// bumps the resend count and refreshes the last-sent markers.
	AppendHash(ctx context.Context, queueID string, hash common.Hash, block int64) error

	// MarkMined moves sent→mined with the receipt outcome.
	MarkMined(ctx context.Context, queueID string, onchain OnchainStatus, gasUsed uint64, effectiveGasPrice *big.Int) error

	// MarkErrored moves queued→errored or sent→errored.
	MarkErrored(ctx context.Context, queueID string, errorMessage string) error

	// MarkCancelled moves queued→cancelled or sent→cancelled.
	MarkCancelled(ctx context.Context, queueID string) error

	// ListSentNonces returns the nonces of in-flight (sent) transactions
	// for a wallet, ascending.
	ListSentNonces(ctx context.Context, chainID engine.ChainID, addr common.Address) ([]int64, error)
}
