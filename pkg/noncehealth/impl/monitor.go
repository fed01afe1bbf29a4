package impl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"github.com/thirdweb-dev/engine-sub001/internal/engine"
	"github.com/thirdweb-dev/engine-sub001/pkg/eth"
	"github.com/thirdweb-dev/engine-sub001/pkg/jobs"
	noncepkg "github.com/thirdweb-dev/engine-sub001/pkg/nonce"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// DefaultCheckInterval is how often every wallet is inspected.
	DefaultCheckInterval = time.Minute

	// stuckWindow is how many consecutive samples must show a frozen
	// onchain nonce with growing allocations before a wallet is flagged.
	stuckWindow = 5
)

// Monitor periodically inspects each wallet's nonce accounting, enqueues
// healing work and flags stuck wallets. Remediation happens through jobs so
// it shares the dedupe and retry semantics of the workers.
type Monitor struct {
	log      zerolog.Logger
	clients  map[engine.ChainID]eth.ChainClient
	wallets  []common.Address
	store    noncepkg.Store
	healer   *Healer
	queue    jobs.Queue
	interval time.Duration
	metrics  *monitorMetrics

	quitOnce sync.Once
	quit     chan struct{}
	wg       sync.WaitGroup
}

// MonitorConfig holds the monitor's collaborators.
type MonitorConfig struct {
	Clients  map[engine.ChainID]eth.ChainClient
	Wallets  []common.Address
	Store    noncepkg.Store
	Healer   *Healer
	Queue    jobs.Queue
	Interval time.Duration
}

// NewMonitor creates a monitor. A zero interval means DefaultCheckInterval.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.Interval == 0 {
		cfg.Interval = DefaultCheckInterval
	}
	log := logger.With().
		Str("component", "noncemonitor").
		Logger()

	m := &Monitor{
		log:      log,
		clients:  cfg.Clients,
		wallets:  cfg.Wallets,
		store:    cfg.Store,
		healer:   cfg.Healer,
		queue:    cfg.Queue,
		interval: cfg.Interval,
		quit:     make(chan struct{}),
	}
	if err := m.initMetrics(); err != nil {
		return nil, fmt.Errorf("initializing instrumentation: %s", err)
	}
	return m, nil
}

// Start begins the background check loop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), m.interval)
				m.CheckAll(ctx)
				cancel()
			case <-m.quit:
				return
			}
		}
	}()
}

// Close stops the check loop.
func (m *Monitor) Close() {
	m.quitOnce.Do(func() {
		close(m.quit)
	})
	m.wg.Wait()
}

// CheckAll inspects every (chain, wallet) pair once.
func (m *Monitor) CheckAll(ctx context.Context) {
	for chainID := range m.clients {
		for _, addr := range m.wallets {
			if err := m.Check(ctx, chainID, addr); err != nil {
				m.log.Error().
					Err(err).
					Int64("chainID", int64(chainID)).
					Str("address", addr.Hex()).
					Msg("checking wallet nonce health")
			}
		}
	}
}

// Check inspects one wallet: samples its nonce progress, flags it when
// stuck, and enqueues healing when the in-flight window overflows.
func (m *Monitor) Check(ctx context.Context, chainID engine.ChainID, addr common.Address) error {
	client, ok := m.clients[chainID]
	if !ok {
		return fmt.Errorf("unsupported chain id %d", chainID)
	}

	count, err := client.NonceAt(ctx, addr, nil)
	if err != nil {
		return fmt.Errorf("getting transaction count: %s", err)
	}

	st, err := m.store.GetState(ctx, chainID, addr)
	if errors.Is(err, noncepkg.ErrStateNotFound) {
		// Never allocated from; nothing to watch.
		return nil
	}
	if err != nil {
		return fmt.Errorf("getting nonce state: %s", err)
	}

	if err := m.store.InsertSample(ctx, chainID, addr, int64(count), st.LastAllocated); err != nil {
		return fmt.Errorf("inserting nonce sample: %s", err)
	}
	stuck, err := m.isStuck(ctx, chainID, addr)
	if err != nil {
		return err
	}
	if stuck {
		m.log.Warn().
			Int64("chainID", int64(chainID)).
			Str("address", addr.Hex()).
			Int64("onchainNonce", int64(count)).
			Int64("lastAllocated", st.LastAllocated).
			Msg("wallet appears stuck: onchain nonce frozen while allocations grow")
	}
	m.metrics.observe(chainID, addr, st, stuck)

	if st.LastAllocated-st.ConfirmedMax < m.healer.maxInFlight {
		if int64(count)-1 > st.ConfirmedMax {
			return m.healer.allocator.SetConfirmedMax(ctx, chainID, addr, int64(count)-1)
		}
		return nil
	}

	// Healing runs through the queue so concurrent monitors and send
	// workers collapse into one healing pass.
	if err := m.queue.Enqueue(
		ctx, jobs.QueueHeal, jobs.HealJobID(int64(chainID), addr.Hex()),
		jobs.WalletJob{ChainID: int64(chainID), Address: addr.Hex()},
	); err != nil {
		return fmt.Errorf("enqueueing heal job: %s", err)
	}
	return nil
}

// isStuck reports whether the last samples show a frozen onchain nonce
// while the allocation counter keeps growing.
func (m *Monitor) isStuck(ctx context.Context, chainID engine.ChainID, addr common.Address) (bool, error) {
	samples, err := m.store.ListRecentSamples(ctx, chainID, addr, stuckWindow)
	if err != nil {
		return false, fmt.Errorf("listing nonce samples: %s", err)
	}
	if len(samples) < stuckWindow {
		return false, nil
	}

	// Samples are newest first.
	newest, oldest := samples[0], samples[len(samples)-1]
	if newest.LastAllocated <= oldest.LastAllocated {
		return false, nil
	}
	for _, sm := range samples {
		if sm.OnchainNonce != newest.OnchainNonce {
			return false, nil
		}
	}
	return true, nil
}

// HealHandler returns the job handler for the heal queue.
func HealHandler(healer *Healer) jobs.Handler {
	return func(ctx context.Context, j jobs.Job) error {
		var payload jobs.WalletJob
		if err := json.Unmarshal(j.Payload, &payload); err != nil {
			return jobs.NonRetryable(fmt.Errorf("unmarshaling heal payload: %s", err))
		}
		return healer.Heal(ctx, engine.ChainID(payload.ChainID), common.HexToAddress(payload.Address))
	}
}

// ResetHandler returns the job handler for the reset queue.
func ResetHandler(healer *Healer) jobs.Handler {
	return func(ctx context.Context, j jobs.Job) error {
		var payload jobs.WalletJob
		if err := json.Unmarshal(j.Payload, &payload); err != nil {
			return jobs.NonRetryable(fmt.Errorf("unmarshaling reset payload: %s", err))
		}
		return healer.Reset(ctx, engine.ChainID(payload.ChainID), common.HexToAddress(payload.Address))
	}
}
