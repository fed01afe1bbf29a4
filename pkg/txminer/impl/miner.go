package impl

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"github.com/thirdweb-dev/engine-sub001/internal/engine"
	"github.com/thirdweb-dev/engine-sub001/pkg/eth"
	"github.com/thirdweb-dev/engine-sub001/pkg/jobs"
	noncepkg "github.com/thirdweb-dev/engine-sub001/pkg/nonce"
	"github.com/thirdweb-dev/engine-sub001/pkg/txminer"
	"github.com/thirdweb-dev/engine-sub001/pkg/txrecord"
	"github.com/thirdweb-dev/engine-sub001/pkg/wallet"
	"github.com/thirdweb-dev/engine-sub001/pkg/webhook"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// DefaultMaxResends bounds fee-escalated resends per transaction.
	DefaultMaxResends = 10

	// DefaultMineTimeout bounds the whole mine phase when the caller set
	// no per-transaction timeout.
	DefaultMineTimeout = 30 * time.Minute

	// resendElapsed is the wall-clock threshold that triggers a resend.
	resendElapsed = 120 * time.Second

	// DefaultMinElapsedBlocks is the block threshold that triggers a
	// resend; whichever of the two thresholds comes first wins.
	DefaultMinElapsedBlocks = 10
)

// Miner consumes mine jobs: it polls for a receipt, resends with escalated
// fees when the transaction lingers, and finalizes the record either way.
type Miner struct {
	log              zerolog.Logger
	clients          map[engine.ChainID]eth.ChainClient
	keyring          *wallet.Keyring
	allocator        noncepkg.Allocator
	records          txrecord.Store
	hooks            webhook.Dispatcher
	maxResends       int64
	minElapsedBlocks int64
	maxGasPrice      *big.Int

	metrics *minerMetrics
}

// Config holds the miner's collaborators.
type Config struct {
	Clients          map[engine.ChainID]eth.ChainClient
	Keyring          *wallet.Keyring
	Allocator        noncepkg.Allocator
	Records          txrecord.Store
	Hooks            webhook.Dispatcher
	MaxResends       int64
	MinElapsedBlocks int64
	// MaxGasPrice caps escalated fees. Nil means uncapped.
	MaxGasPrice *big.Int
}

// NewMiner creates a miner.
func NewMiner(cfg Config) (*Miner, error) {
	if cfg.MaxResends == 0 {
		cfg.MaxResends = DefaultMaxResends
	}
	if cfg.MinElapsedBlocks == 0 {
		cfg.MinElapsedBlocks = DefaultMinElapsedBlocks
	}
	if cfg.Hooks == nil {
		cfg.Hooks = webhook.NopDispatcher{}
	}
	log := logger.With().
		Str("component", "txminer").
		Logger()

	m := &Miner{
		log:              log,
		clients:          cfg.Clients,
		keyring:          cfg.Keyring,
		allocator:        cfg.Allocator,
		records:          cfg.Records,
		hooks:            cfg.Hooks,
		maxResends:       cfg.MaxResends,
		minElapsedBlocks: cfg.MinElapsedBlocks,
		maxGasPrice:      cfg.MaxGasPrice,
	}
	if err := m.initMetrics(); err != nil {
		return nil, fmt.Errorf("initializing metric instruments: %s", err)
	}
	return m, nil
}

// Handle processes one mine poll. It reschedules itself through RetryAfter
// until the transaction reaches a terminal state.
func (m *Miner) Handle(ctx context.Context, j jobs.Job) error {
	var payload jobs.TxJob
	if err := json.Unmarshal(j.Payload, &payload); err != nil {
		return jobs.NonRetryable(fmt.Errorf("unmarshaling mine payload: %s", err))
	}

	rec, err := m.records.Get(ctx, payload.QueueID)
	if errors.Is(err, txrecord.ErrNotFound) {
		return jobs.NonRetryable(err)
	}
	if err != nil {
		return fmt.Errorf("getting transaction record: %s", err)
	}
	if rec.Status != txrecord.StatusSent {
		// Mined by a previous poll, cancelled, or errored; nothing to do.
		return nil
	}

	log := m.log.With().
		Str("queueID", rec.QueueID).
		Int64("chainID", int64(rec.ChainID)).
		Int("checks", j.AttemptsMade).
		Logger()

	client, ok := m.clients[rec.ChainID]
	if !ok {
		return jobs.NonRetryable(fmt.Errorf("unsupported chain id %d", rec.ChainID))
	}

	// Check every hash this transaction was ever broadcast under, newest
	// first; any one of them landing finalizes the record.
	for i := len(rec.SentHashes) - 1; i >= 0; i-- {
		receipt, err := client.TransactionReceipt(ctx, rec.SentHashes[i])
		if err != nil || receipt == nil {
			continue
		}
		return m.finalizeMined(ctx, log, rec, rec.SentHashes[i], receipt)
	}

	if m.budgetExhausted(rec) {
		m.finalizeTimedOut(ctx, log, rec)
		return nil
	}

	if m.shouldResend(ctx, client, rec) {
		if err := m.resend(ctx, log, client, rec); err != nil {
			log.Warn().Err(err).Msg("resending transaction")
		}
	}

	return jobs.RetryAfter(txminer.PollDelay(j.AttemptsMade))
}

// finalizeMined moves the record to mined and raises the wallet's confirmed
// nonce watermark.
func (m *Miner) finalizeMined(
	ctx context.Context, log zerolog.Logger, rec txrecord.Record, hash common.Hash, receipt *types.Receipt,
) error {
	onchain := txrecord.OnchainSuccess
	if receipt.Status != types.ReceiptStatusSuccessful {
		onchain = txrecord.OnchainReverted
	}

	effectivePrice := receipt.EffectiveGasPrice
	if effectivePrice == nil {
		effectivePrice = big.NewInt(0)
	}

	err := m.records.MarkMined(ctx, rec.QueueID, onchain, receipt.GasUsed, effectivePrice)
	if errors.Is(err, txrecord.ErrInvalidTransition) {
		log.Warn().Msg("record moved on before mined transition")
		return nil
	}
	if err != nil {
		return fmt.Errorf("marking record mined: %s", err)
	}

	if rec.Nonce != nil {
		if err := m.allocator.SetConfirmedMax(ctx, rec.ChainID, rec.From, *rec.Nonce); err != nil {
			log.Error().Err(err).Msg("raising confirmed max")
		}
	}

	m.metrics.mined(ctx, rec.ChainID, onchain)
	log.Info().
		Str("hash", hash.Hex()).
		Str("onchainStatus", string(onchain)).
		Uint64("gasUsed", receipt.GasUsed).
		Msg("transaction mined")
	m.hooks.Dispatch(ctx, webhook.Event{
		QueueID:         rec.QueueID,
		Status:          txrecord.StatusMined,
		TransactionHash: hash.Hex(),
		OnchainStatus:   &onchain,
	})
	return nil
}

// finalizeTimedOut errors the record and recycles its nonce so a future
// transaction can close the hole.
func (m *Miner) finalizeTimedOut(ctx context.Context, log zerolog.Logger, rec txrecord.Record) {
	err := m.records.MarkErrored(ctx, rec.QueueID, "transaction timed out")
	if errors.Is(err, txrecord.ErrInvalidTransition) {
		log.Warn().Msg("record moved on before errored transition")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("marking record errored")
		return
	}

	if rec.Nonce != nil && rec.NonceEpoch != nil {
		if err := m.allocator.Recycle(ctx, rec.ChainID, rec.From, *rec.Nonce, *rec.NonceEpoch); err != nil {
			log.Error().Err(err).Msg("recycling abandoned nonce")
		}
	}

	m.metrics.timedOut(ctx, rec.ChainID)
	log.Warn().Msg("transaction timed out waiting for receipt")
	m.hooks.Dispatch(ctx, webhook.Event{
		QueueID:      rec.QueueID,
		Status:       txrecord.StatusErrored,
		ErrorMessage: "transaction timed out",
	})
}

// budgetExhausted reports whether the mine phase must give up.
func (m *Miner) budgetExhausted(rec txrecord.Record) bool {
	now := time.Now()
	if rec.TimedOut(now) {
		return true
	}
	if rec.ResendCount >= m.maxResends {
		return true
	}
	if rec.TimeoutSeconds <= 0 && rec.SentAt != nil && now.Sub(*rec.SentAt) > DefaultMineTimeout {
		return true
	}
	return false
}

// shouldResend reports whether enough time or blocks elapsed since the last
// broadcast to justify a fee-escalated resend.
func (m *Miner) shouldResend(ctx context.Context, client eth.ChainClient, rec txrecord.Record) bool {
	if rec.LastSentAt == nil {
		return false
	}
	if time.Since(*rec.LastSentAt) >= resendElapsed {
		return true
	}
	if rec.LastSentBlock == nil {
		return false
	}
	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return false
	}
	return header.Number.Int64()-*rec.LastSentBlock >= m.minElapsedBlocks
}

// resend rebroadcasts the transaction under the same nonce with escalated
// fees and appends the new hash.
func (m *Miner) resend(
	ctx context.Context, log zerolog.Logger, client eth.ChainClient, rec txrecord.Record,
) error {
	if rec.Nonce == nil {
		return fmt.Errorf("record has no nonce")
	}
	w, err := m.keyring.Get(rec.From)
	if err != nil {
		return fmt.Errorf("resolving wallet: %s", err)
	}

	resendAttempt := rec.ResendCount + 1
	var tx *types.Transaction
	switch {
	case rec.GasPrice != nil:
		gasPrice := txminer.EscalatedLegacyGasPrice(rec.GasPrice, resendAttempt, m.maxGasPrice)
		tx = types.NewTx(&types.LegacyTx{
			Nonce:    uint64(*rec.Nonce),
			To:       rec.To,
			Value:    rec.Value,
			Gas:      rec.GasLimit,
			GasPrice: gasPrice,
			Data:     rec.Data,
		})
	case rec.MaxFeePerGas != nil && rec.MaxPriorityFeePerGas != nil:
		maxFee, tip := txminer.EscalatedDynamicFees(
			rec.MaxFeePerGas, rec.MaxPriorityFeePerGas, resendAttempt, m.maxGasPrice)
		tx = types.NewTx(&types.DynamicFeeTx{
			Nonce:     uint64(*rec.Nonce),
			To:        rec.To,
			Value:     rec.Value,
			Gas:       rec.GasLimit,
			GasFeeCap: maxFee,
			GasTipCap: tip,
			Data:      rec.Data,
		})
	default:
		gasPrice, err := client.SuggestGasPrice(ctx)
		if err != nil {
			return fmt.Errorf("suggesting gas price: %s", err)
		}
		gasPrice = txminer.EscalatedLegacyGasPrice(gasPrice, resendAttempt, m.maxGasPrice)
		tx = types.NewTx(&types.LegacyTx{
			Nonce:    uint64(*rec.Nonce),
			To:       rec.To,
			Value:    rec.Value,
			Gas:      rec.GasLimit,
			GasPrice: gasPrice,
			Data:     rec.Data,
		})
	}

	signedTx, err := w.SignTx(tx, big.NewInt(int64(rec.ChainID)))
	if err != nil {
		return fmt.Errorf("signing transaction: %s", err)
	}

	if err := client.SendTransaction(ctx, signedTx); err != nil {
		switch eth.Classify(err) {
		case eth.KindAlreadyKnown, eth.KindNonceTooLow, eth.KindReplacementUnderpriced:
			// The original broadcast is alive or already landed; keep
			// polling without recording a phantom resend.
			return nil
		default:
			return fmt.Errorf("sending transaction: %s", err)
		}
	}

	var block int64
	if header, err := client.HeaderByNumber(ctx, nil); err == nil {
		block = header.Number.Int64()
	}
	if err := m.records.AppendHash(ctx, rec.QueueID, signedTx.Hash(), block); err != nil {
		return fmt.Errorf("appending resend hash: %s", err)
	}

	m.metrics.resent(ctx, rec.ChainID)
	log.Info().
		Int64("resend", resendAttempt).
		Str("hash", signedTx.Hash().Hex()).
		Msg("transaction resent with escalated fees")
	return nil
}
