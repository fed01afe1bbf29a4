package impl

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"github.com/thirdweb-dev/engine-sub001/internal/engine"
	"github.com/thirdweb-dev/engine-sub001/pkg/eth"
	"github.com/thirdweb-dev/engine-sub001/pkg/jobs"
	noncepkg "github.com/thirdweb-dev/engine-sub001/pkg/nonce"
	"github.com/thirdweb-dev/engine-sub001/pkg/txrecord"
	"github.com/thirdweb-dev/engine-sub001/pkg/txsender"
	"github.com/thirdweb-dev/engine-sub001/pkg/wallet"
	"github.com/thirdweb-dev/engine-sub001/pkg/webhook"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// DefaultMaxInFlight bounds unconfirmed allocations per wallet.
	DefaultMaxInFlight = 100

	// healDedupeWindow bounds how often concurrent send attempts may
	// enqueue a healing job for the same wallet.
	healDedupeWindow = 2 * time.Minute

	// retryDelay is the schedule delay of a superseding send job.
	retryDelay = 10 * time.Second

	// maxSendAttempts bounds supersessions per transaction; a send that
	// keeps getting deferred or rejected past this budget is terminally
	// errored rather than retried forever.
	maxSendAttempts = 20
)

// Sender consumes send jobs: it runs pre-send policy checks, allocates a
// nonce, signs and submits the transaction, and classifies failures into
// recycle, heal, reset, or terminal error.
type Sender struct {
	log         zerolog.Logger
	clients     map[engine.ChainID]eth.ChainClient
	keyring     *wallet.Keyring
	allocator   noncepkg.Allocator
	locks       txsender.Locker
	records     txrecord.Store
	queue       jobs.Queue
	hooks       webhook.Dispatcher
	maxInFlight int64

	metrics *senderMetrics
}

// Config holds the sender's collaborators.
type Config struct {
	Clients     map[engine.ChainID]eth.ChainClient
	Keyring     *wallet.Keyring
	Allocator   noncepkg.Allocator
	Locks       txsender.Locker
	Records     txrecord.Store
	Queue       jobs.Queue
	Hooks       webhook.Dispatcher
	MaxInFlight int64
}

// NewSender creates a sender. MaxInFlight zero means DefaultMaxInFlight.
func NewSender(cfg Config) (*Sender, error) {
	if cfg.MaxInFlight == 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if cfg.Hooks == nil {
		cfg.Hooks = webhook.NopDispatcher{}
	}
	log := logger.With().
		Str("component", "txsender").
		Logger()

	s := &Sender{
		log:         log,
		clients:     cfg.Clients,
		keyring:     cfg.Keyring,
		allocator:   cfg.Allocator,
		locks:       cfg.Locks,
		records:     cfg.Records,
		queue:       cfg.Queue,
		hooks:       cfg.Hooks,
		maxInFlight: cfg.MaxInFlight,
	}
	if err := s.initMetrics(); err != nil {
		return nil, fmt.Errorf("initializing metric instruments: %s", err)
	}
	return s, nil
}

// Handle processes one send job.
func (s *Sender) Handle(ctx context.Context, j jobs.Job) error {
	var payload jobs.TxJob
	if err := json.Unmarshal(j.Payload, &payload); err != nil {
		return jobs.NonRetryable(fmt.Errorf("unmarshaling send payload: %s", err))
	}

	rec, err := s.records.Get(ctx, payload.QueueID)
	if errors.Is(err, txrecord.ErrNotFound) {
		return jobs.NonRetryable(err)
	}
	if err != nil {
		return fmt.Errorf("getting transaction record: %s", err)
	}
	if rec.Status == txrecord.StatusSent {
		// The sent transition and the mine enqueue are separate writes; a
		// redelivery after a crash between them must restore the receipt
		// poll. Enqueue is idempotent on the mine job id.
		return s.enqueueMine(ctx, rec.QueueID)
	}
	if rec.Status != txrecord.StatusQueued {
		// Cancelled or already terminal.
		return nil
	}

	log := s.log.With().
		Str("queueID", rec.QueueID).
		Int64("chainID", int64(rec.ChainID)).
		Str("from", rec.From.Hex()).
		Int("attempt", payload.Attempt).
		Logger()

	if rec.TimedOut(time.Now()) {
		s.finalizeErrored(ctx, log, rec, "transaction timed out")
		return nil
	}

	client, ok := s.clients[rec.ChainID]
	if !ok {
		s.finalizeErrored(ctx, log, rec, fmt.Sprintf("unsupported chain id %d", rec.ChainID))
		return nil
	}
	w, err := s.keyring.Get(rec.From)
	if err != nil {
		s.finalizeErrored(ctx, log, rec, fmt.Sprintf("no wallet for sender %s", rec.From.Hex()))
		return nil
	}

	recycled, deferred, err := s.preSendChecks(ctx, log, rec, j, payload)
	if err != nil {
		return s.failOrRetry(ctx, log, rec, j, err)
	}
	if deferred {
		return nil
	}

	var alloc noncepkg.Allocation
	if recycled != nil {
		alloc = *recycled
	} else {
		alloc, err = s.allocator.Acquire(ctx, rec.ChainID, rec.From)
		if err != nil {
			return s.failOrRetry(ctx, log, rec, j, fmt.Errorf("acquiring nonce: %s", err))
		}
	}
	log = log.With().Int64("nonce", alloc.Nonce).Logger()

	signedTx, err := s.buildAndSign(ctx, client, w, rec, alloc.Nonce)
	if err != nil {
		// Building never consumed the nonce on chain; hand it back.
		s.recycle(ctx, log, rec, alloc)
		return s.failOrRetry(ctx, log, rec, j, fmt.Errorf("building transaction: %s", err))
	}

	sendErr := client.SendTransaction(ctx, signedTx)
	if sendErr == nil {
		return s.finalizeSent(ctx, log, client, rec, alloc, signedTx.Hash())
	}
	return s.handleSendError(ctx, log, client, rec, j, payload, alloc, signedTx, sendErr)
}

// preSendChecks enforces recycled-set and in-flight policy before any fresh
// nonce is allocated. A policy deferral supersedes the job instead of failing
// it; a successful recycled pop is returned for the send to use directly.
func (s *Sender) preSendChecks(
	ctx context.Context, log zerolog.Logger, rec txrecord.Record, j jobs.Job, payload jobs.TxJob,
) (recycled *noncepkg.Allocation, deferred bool, err error) {
	st, err := s.allocator.State(ctx, rec.ChainID, rec.From)
	if err != nil {
		return nil, false, fmt.Errorf("getting nonce state: %s", err)
	}

	if st.InFlight() >= s.maxInFlight {
		log.Warn().
			Int64("inFlight", st.InFlight()).
			Msg("too many in-flight transactions, scheduling heal")
		s.metrics.deferred(ctx, rec.ChainID, "too_many_inflight")
		if err := s.enqueueHeal(ctx, rec.ChainID, rec.From); err != nil {
			return nil, false, err
		}
		return nil, true, s.supersede(ctx, log, rec, j, payload)
	}

	alloc, err := s.allocator.PopRecycled(ctx, rec.ChainID, rec.From)
	switch {
	case err == nil:
		return &alloc, false, nil
	case errors.Is(err, noncepkg.ErrRecycledEmpty):
		return nil, false, nil
	case errors.Is(err, noncepkg.ErrTooManyRecycled):
		log.Warn().Msg("recycled set at cap, scheduling reset")
		s.metrics.deferred(ctx, rec.ChainID, "too_many_recycled")
		if err := s.enqueueReset(ctx, rec.ChainID, rec.From); err != nil {
			return nil, false, err
		}
		return nil, true, s.supersede(ctx, log, rec, j, payload)
	default:
		return nil, false, fmt.Errorf("popping recycled nonce: %s", err)
	}
}

// handleSendError classifies a submission failure and settles the nonce and
// the record accordingly.
func (s *Sender) handleSendError(
	ctx context.Context,
	log zerolog.Logger,
	client eth.ChainClient,
	rec txrecord.Record,
	j jobs.Job,
	payload jobs.TxJob,
	alloc noncepkg.Allocation,
	signedTx *types.Transaction,
	sendErr error,
) error {
	kind := eth.Classify(sendErr)
	log = log.With().Str("errorKind", kind.String()).Logger()
	s.metrics.sendFailed(ctx, rec.ChainID, kind)

	switch kind {
	case eth.KindAlreadyKnown:
		// The mempool already has it; the send effectively succeeded.
		log.Info().Msg("transaction already known, proceeding to mine")
		return s.finalizeSent(ctx, log, client, rec, alloc, signedTx.Hash())

	case eth.KindNonceTooLow:
		receipt, err := client.TransactionReceipt(ctx, signedTx.Hash())
		if err == nil && receipt != nil {
			// It landed on-chain through another path.
			log.Info().Msg("transaction already mined, proceeding to mine")
			return s.finalizeSent(ctx, log, client, rec, alloc, signedTx.Hash())
		}
		if err := s.resyncConfirmed(ctx, client, rec.ChainID, rec.From); err != nil {
			log.Error().Err(err).Msg("resyncing confirmed nonce")
		}
		return s.supersede(ctx, log, rec, j, payload)

	case eth.KindNonceTooHigh, eth.KindReplacementUnderpriced:
		if err := s.enqueueHeal(ctx, rec.ChainID, rec.From); err != nil {
			log.Error().Err(err).Msg("enqueueing heal job")
		}
		return s.supersede(ctx, log, rec, j, payload)

	case eth.KindInsufficientFunds:
		s.recycle(ctx, log, rec, alloc)
		s.warnLowBalance(ctx, log, client, rec.ChainID, rec.From)
		s.finalizeErrored(ctx, log, rec, sendErr.Error())
		return nil

	case eth.KindGasTooLow:
		s.recycle(ctx, log, rec, alloc)
		return s.supersede(ctx, log, rec, j, payload)

	default:
		// Unclassified errors ride the queue's own retry backoff.
		s.recycle(ctx, log, rec, alloc)
		return s.failOrRetry(ctx, log, rec, j, fmt.Errorf("sending transaction: %s", sendErr))
	}
}

// failOrRetry returns err for the queue's retry backoff, except on the job's
// final attempt, where the record is errored first so the queue budget can't
// run out with the transaction still queued.
func (s *Sender) failOrRetry(
	ctx context.Context, log zerolog.Logger, rec txrecord.Record, j jobs.Job, err error,
) error {
	if j.MaxAttempts > 0 && j.AttemptsMade >= j.MaxAttempts {
		s.finalizeErrored(ctx, log, rec, err.Error())
		return jobs.NonRetryable(err)
	}
	return err
}

// finalizeSent moves the record to sent and enqueues the mine job.
func (s *Sender) finalizeSent(
	ctx context.Context,
	log zerolog.Logger,
	client eth.ChainClient,
	rec txrecord.Record,
	alloc noncepkg.Allocation,
	hash common.Hash,
) error {
	var block int64
	if header, err := client.HeaderByNumber(ctx, nil); err == nil {
		block = header.Number.Int64()
	}

	err := s.records.MarkSent(ctx, rec.QueueID, alloc.Nonce, alloc.Epoch, hash, block)
	if errors.Is(err, txrecord.ErrInvalidTransition) {
		log.Warn().Msg("record moved on before sent transition")
		return nil
	}
	if err != nil {
		return fmt.Errorf("marking record sent: %s", err)
	}

	if err := s.enqueueMine(ctx, rec.QueueID); err != nil {
		return err
	}

	s.metrics.sent(ctx, rec.ChainID)
	log.Info().Str("hash", hash.Hex()).Msg("transaction sent")
	s.hooks.Dispatch(ctx, webhook.Event{
		QueueID:         rec.QueueID,
		Status:          txrecord.StatusSent,
		TransactionHash: hash.Hex(),
	})
	return nil
}

// finalizeErrored marks the record terminally errored and emits the event.
func (s *Sender) finalizeErrored(
	ctx context.Context, log zerolog.Logger, rec txrecord.Record, msg string,
) {
	err := s.records.MarkErrored(ctx, rec.QueueID, msg)
	if errors.Is(err, txrecord.ErrInvalidTransition) {
		log.Warn().Msg("record moved on before errored transition")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("marking record errored")
		return
	}
	log.Warn().Str("errorMessage", msg).Msg("transaction errored")
	s.hooks.Dispatch(ctx, webhook.Event{
		QueueID:      rec.QueueID,
		Status:       txrecord.StatusErrored,
		ErrorMessage: msg,
	})
}

// supersede re-enqueues this send as a fresh job with a bumped attempt
// counter; the current job row is left for the reaper. Past maxSendAttempts
// the record is terminally errored instead.
func (s *Sender) supersede(
	ctx context.Context, log zerolog.Logger, rec txrecord.Record, j jobs.Job, payload jobs.TxJob,
) error {
	next := jobs.TxJob{QueueID: rec.QueueID, Attempt: payload.Attempt + 1}
	if next.Attempt > maxSendAttempts {
		s.finalizeErrored(ctx, log, rec, "send retries exhausted")
		return nil
	}
	if err := s.queue.Supersede(
		ctx, jobs.QueueSend, j.ID, jobs.SendJobID(rec.QueueID, next.Attempt), next,
		jobs.WithDelay(retryDelay),
	); err != nil {
		return fmt.Errorf("superseding send job: %s", err)
	}
	return nil
}

func (s *Sender) recycle(
	ctx context.Context, log zerolog.Logger, rec txrecord.Record, alloc noncepkg.Allocation,
) {
	err := s.allocator.Recycle(ctx, rec.ChainID, rec.From, alloc.Nonce, alloc.Epoch)
	if errors.Is(err, noncepkg.ErrTooManyRecycled) {
		if err := s.enqueueReset(ctx, rec.ChainID, rec.From); err != nil {
			log.Error().Err(err).Msg("enqueueing reset job")
		}
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("recycling nonce")
	}
}

// enqueueMine creates the receipt-polling job, idempotently on the mine id.
func (s *Sender) enqueueMine(ctx context.Context, queueID string) error {
	if err := s.queue.Enqueue(
		ctx, jobs.QueueMine, jobs.MineJobID(queueID),
		jobs.TxJob{QueueID: queueID},
		jobs.WithMaxAttempts(0), jobs.WithDelay(2*time.Second),
	); err != nil {
		return fmt.Errorf("enqueueing mine job: %s", err)
	}
	return nil
}

// enqueueHeal schedules a healing job, deduplicated by a time-boxed lock.
func (s *Sender) enqueueHeal(ctx context.Context, chainID engine.ChainID, addr common.Address) error {
	key := jobs.HealJobID(int64(chainID), addr.Hex())
	acquired, err := s.locks.TryLock(ctx, key, healDedupeWindow)
	if err != nil {
		return fmt.Errorf("acquiring heal lock: %s", err)
	}
	if !acquired {
		return nil
	}
	if err := s.queue.Enqueue(ctx, jobs.QueueHeal, key, jobs.WalletJob{
		ChainID: int64(chainID),
		Address: addr.Hex(),
	}); err != nil {
		return fmt.Errorf("enqueueing heal job: %s", err)
	}
	return nil
}

func (s *Sender) enqueueReset(ctx context.Context, chainID engine.ChainID, addr common.Address) error {
	if err := s.queue.Enqueue(
		ctx, jobs.QueueReset, jobs.ResetJobID(int64(chainID), addr.Hex()),
		jobs.WalletJob{ChainID: int64(chainID), Address: addr.Hex()},
	); err != nil {
		return fmt.Errorf("enqueueing reset job: %s", err)
	}
	return nil
}

// resyncConfirmed raises the confirmed watermark from the chain's latest
// transaction count.
func (s *Sender) resyncConfirmed(
	ctx context.Context, client eth.ChainClient, chainID engine.ChainID, addr common.Address,
) error {
	count, err := client.NonceAt(ctx, addr, nil)
	if err != nil {
		return fmt.Errorf("getting transaction count: %s", err)
	}
	if err := s.allocator.SetConfirmedMax(ctx, chainID, addr, int64(count)-1); err != nil {
		return fmt.Errorf("raising confirmed max: %s", err)
	}
	return nil
}

func (s *Sender) warnLowBalance(
	ctx context.Context, log zerolog.Logger, client eth.ChainClient,
	chainID engine.ChainID, addr common.Address,
) {
	s.metrics.lowBalance(ctx, chainID, addr.Hex())
	balance, err := client.BalanceAt(ctx, addr, nil)
	if err != nil {
		log.Error().Err(err).Msg("fetching wallet balance")
		return
	}
	log.Warn().
		Str("balance", balance.String()).
		Msg("wallet balance is too low to send")
}

// buildAndSign assembles the transaction with the allocated nonce, filling
// unset gas fields from the chain, and signs it.
func (s *Sender) buildAndSign(
	ctx context.Context,
	client eth.ChainClient,
	w *wallet.Wallet,
	rec txrecord.Record,
	nonce int64,
) (*types.Transaction, error) {
	gasLimit := rec.GasLimit
	if gasLimit == 0 {
		estimated, err := client.EstimateGas(ctx, ethereum.CallMsg{
			From:  rec.From,
			To:    rec.To,
			Value: rec.Value,
			Data:  rec.Data,
		})
		if err != nil {
			return nil, fmt.Errorf("estimating gas: %s", err)
		}
		gasLimit = estimated
	}

	var tx *types.Transaction
	switch {
	case rec.GasPrice != nil:
		tx = types.NewTx(&types.LegacyTx{
			Nonce:    uint64(nonce),
			To:       rec.To,
			Value:    rec.Value,
			Gas:      gasLimit,
			GasPrice: rec.GasPrice,
			Data:     rec.Data,
		})
	case rec.MaxFeePerGas != nil && rec.MaxPriorityFeePerGas != nil:
		tx = types.NewTx(&types.DynamicFeeTx{
			Nonce:     uint64(nonce),
			To:        rec.To,
			Value:     rec.Value,
			Gas:       gasLimit,
			GasFeeCap: rec.MaxFeePerGas,
			GasTipCap: rec.MaxPriorityFeePerGas,
			Data:      rec.Data,
		})
	default:
		tip, err := client.SuggestGasTipCap(ctx)
		if err != nil {
			return nil, fmt.Errorf("suggesting gas tip cap: %s", err)
		}
		header, err := client.HeaderByNumber(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("getting chain head: %s", err)
		}
		if header.BaseFee == nil {
			gasPrice, err := client.SuggestGasPrice(ctx)
			if err != nil {
				return nil, fmt.Errorf("suggesting gas price: %s", err)
			}
			tx = types.NewTx(&types.LegacyTx{
				Nonce:    uint64(nonce),
				To:       rec.To,
				Value:    rec.Value,
				Gas:      gasLimit,
				GasPrice: gasPrice,
				Data:     rec.Data,
			})
			break
		}
		feeCap := new(big.Int).Add(
			new(big.Int).Mul(header.BaseFee, big.NewInt(2)), tip)
		tx = types.NewTx(&types.DynamicFeeTx{
			Nonce:     uint64(nonce),
			To:        rec.To,
			Value:     rec.Value,
			Gas:       gasLimit,
			GasFeeCap: feeCap,
			GasTipCap: tip,
			Data:      rec.Data,
		})
	}

	signedTx, err := w.SignTx(tx, big.NewInt(int64(rec.ChainID)))
	if err != nil {
		return nil, fmt.Errorf("signing transaction: %s", err)
	}
	return signedTx, nil
}
