package impl

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"github.com/thirdweb-dev/engine-sub001/internal/engine"
	"github.com/thirdweb-dev/engine-sub001/pkg/eth"
	"github.com/thirdweb-dev/engine-sub001/pkg/jobs"
	"github.com/thirdweb-dev/engine-sub001/pkg/txminer"
	"github.com/thirdweb-dev/engine-sub001/pkg/txrecord"
	"github.com/thirdweb-dev/engine-sub001/pkg/wallet"
	"github.com/thirdweb-dev/engine-sub001/pkg/webhook"
)

// EngineService accepts transaction submissions and drives them through the
// queue-backed workers.
type EngineService struct {
	log     zerolog.Logger
	clients map[engine.ChainID]eth.ChainClient
	keyring *wallet.Keyring
	records txrecord.Store
	queue   jobs.Queue
	hooks   webhook.Dispatcher
}

// Config holds the engine's collaborators.
type Config struct {
	Clients map[engine.ChainID]eth.ChainClient
	Keyring *wallet.Keyring
	Records txrecord.Store
	Queue   jobs.Queue
	Hooks   webhook.Dispatcher
}

// NewEngine creates the engine facade.
func NewEngine(cfg Config) *EngineService {
	if cfg.Hooks == nil {
		cfg.Hooks = webhook.NopDispatcher{}
	}
	log := logger.With().
		Str("component", "engine").
		Logger()

	return &EngineService{
		log:     log,
		clients: cfg.Clients,
		keyring: cfg.Keyring,
		records: cfg.Records,
		queue:   cfg.Queue,
		hooks:   cfg.Hooks,
	}
}

// Submit registers a queued transaction and schedules its send job. A
// duplicate QueueID returns the existing record unchanged.
func (e *EngineService) Submit(
	ctx context.Context, req engine.SubmitRequest,
) (engine.TransactionView, error) {
	if req.QueueID == "" {
		return engine.TransactionView{}, fmt.Errorf("queue id is required")
	}
	if _, ok := e.clients[req.ChainID]; !ok {
		return engine.TransactionView{}, fmt.Errorf("unsupported chain id %d", req.ChainID)
	}
	if _, err := e.keyring.Get(req.From); err != nil {
		return engine.TransactionView{}, fmt.Errorf("resolving sender wallet: %s", err)
	}

	value := req.Value
	if value == nil {
		value = big.NewInt(0)
	}
	rec := txrecord.Record{
		QueueID:              req.QueueID,
		ChainID:              req.ChainID,
		From:                 req.From,
		To:                   req.To,
		Data:                 req.Data,
		Value:                value,
		Status:               txrecord.StatusQueued,
		GasLimit:             req.GasLimit,
		GasPrice:             req.GasPrice,
		MaxFeePerGas:         req.MaxFeePerGas,
		MaxPriorityFeePerGas: req.MaxPriorityFeePerGas,
		TimeoutSeconds:       req.TimeoutSeconds,
		QueuedAt:             time.Now(),
	}

	err := e.records.Create(ctx, rec)
	if errors.Is(err, txrecord.ErrAlreadyExists) {
		return e.Get(ctx, req.QueueID)
	}
	if err != nil {
		return engine.TransactionView{}, fmt.Errorf("creating transaction record: %s", err)
	}

	if err := e.queue.Enqueue(
		ctx, jobs.QueueSend, jobs.SendJobID(req.QueueID, 0),
		jobs.TxJob{QueueID: req.QueueID},
	); err != nil {
		return engine.TransactionView{}, fmt.Errorf("enqueueing send job: %s", err)
	}

	e.log.Info().
		Str("queueID", req.QueueID).
		Int64("chainID", int64(req.ChainID)).
		Msg("transaction queued")
	return toView(rec), nil
}

// Cancel cancels a queued transaction, or races a null replacement against a
// sent one. Cancelling a sent transaction is best effort: the original may
// still mine first.
func (e *EngineService) Cancel(ctx context.Context, queueID string) (engine.TransactionView, error) {
	rec, err := e.records.Get(ctx, queueID)
	if errors.Is(err, txrecord.ErrNotFound) {
		return engine.TransactionView{}, engine.ErrNotFound
	}
	if err != nil {
		return engine.TransactionView{}, fmt.Errorf("getting transaction record: %s", err)
	}

	switch rec.Status {
	case txrecord.StatusQueued:
		// The send handler no-ops on a cancelled record, so removing the
		// pending job is an optimization, not a correctness requirement.
		if err := e.queue.Remove(ctx, jobs.QueueSend, jobs.SendJobID(queueID, 0)); err != nil {
			e.log.Warn().Err(err).Str("queueID", queueID).Msg("removing pending send job")
		}
	case txrecord.StatusSent:
		if err := e.sendNullReplacement(ctx, rec); err != nil {
			e.log.Warn().Err(err).Str("queueID", queueID).Msg("sending null replacement")
		}
	default:
		return engine.TransactionView{}, engine.ErrNotCancellable
	}

	err = e.records.MarkCancelled(ctx, queueID)
	if errors.Is(err, txrecord.ErrInvalidTransition) {
		// The transaction reached a terminal state while we were cancelling.
		return engine.TransactionView{}, engine.ErrNotCancellable
	}
	if err != nil {
		return engine.TransactionView{}, fmt.Errorf("marking record cancelled: %s", err)
	}

	e.log.Info().Str("queueID", queueID).Msg("transaction cancelled")
	e.hooks.Dispatch(ctx, webhook.Event{
		QueueID: queueID,
		Status:  txrecord.StatusCancelled,
	})
	return e.Get(ctx, queueID)
}

// Get returns the current state for a queue id.
func (e *EngineService) Get(ctx context.Context, queueID string) (engine.TransactionView, error) {
	rec, err := e.records.Get(ctx, queueID)
	if errors.Is(err, txrecord.ErrNotFound) {
		return engine.TransactionView{}, engine.ErrNotFound
	}
	if err != nil {
		return engine.TransactionView{}, fmt.Errorf("getting transaction record: %s", err)
	}
	return toView(rec), nil
}

// sendNullReplacement races a zero-value self-transfer with escalated fees
// against the in-flight transaction for the same nonce.
func (e *EngineService) sendNullReplacement(ctx context.Context, rec txrecord.Record) error {
	if rec.Nonce == nil {
		return fmt.Errorf("record has no nonce")
	}
	client, ok := e.clients[rec.ChainID]
	if !ok {
		return fmt.Errorf("unsupported chain id %d", rec.ChainID)
	}
	w, err := e.keyring.Get(rec.From)
	if err != nil {
		return fmt.Errorf("resolving wallet: %s", err)
	}

	gasPrice := rec.GasPrice
	if gasPrice == nil {
		gasPrice, err = client.SuggestGasPrice(ctx)
		if err != nil {
			return fmt.Errorf("suggesting gas price: %s", err)
		}
	}
	gasPrice = txminer.EscalatedLegacyGasPrice(gasPrice, rec.ResendCount+1, nil)

	from := rec.From
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    uint64(*rec.Nonce),
		To:       &from,
		Value:    big.NewInt(0),
		Gas:      21000,
		GasPrice: gasPrice,
	})
	signedTx, err := w.SignTx(tx, big.NewInt(int64(rec.ChainID)))
	if err != nil {
		return fmt.Errorf("signing replacement: %s", err)
	}
	if err := client.SendTransaction(ctx, signedTx); err != nil {
		return fmt.Errorf("sending replacement: %s", err)
	}
	return nil
}

func toView(rec txrecord.Record) engine.TransactionView {
	var onchain *string
	if rec.OnchainStatus != nil {
		s := string(*rec.OnchainStatus)
		onchain = &s
	}
	return engine.TransactionView{
		QueueID:       rec.QueueID,
		ChainID:       rec.ChainID,
		Status:        string(rec.Status),
		Nonce:         rec.Nonce,
		Hashes:        rec.SentHashes,
		OnchainStatus: onchain,
		ErrorMessage:  rec.ErrorMessage,
		QueuedAt:      rec.QueuedAt,
		SentAt:        rec.SentAt,
		MinedAt:       rec.MinedAt,
		CancelledAt:   rec.CancelledAt,
	}
}

var _ engine.Engine = (*EngineService)(nil)
