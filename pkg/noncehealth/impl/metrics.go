package impl

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/thirdweb-dev/engine-sub001/internal/engine"
	"github.com/thirdweb-dev/engine-sub001/pkg/metrics"
	noncepkg "github.com/thirdweb-dev/engine-sub001/pkg/nonce"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/global"
	"go.opentelemetry.io/otel/metric/instrument"
)

type walletKey struct {
	chainID engine.ChainID
	addr    common.Address
}

type walletSnapshot struct {
	state noncepkg.State
	stuck bool
}

// monitorMetrics exports per-wallet nonce accounting gauges from the
// monitor's latest observation of each wallet.
type monitorMetrics struct {
	baseLabels []attribute.KeyValue

	lock      sync.RWMutex
	snapshots map[walletKey]walletSnapshot
}

func (m *Monitor) initMetrics() error {
	meter := global.MeterProvider().Meter("engine")
	mm := &monitorMetrics{
		baseLabels: metrics.BaseAttrs,
		snapshots:  map[walletKey]walletSnapshot{},
	}

	mLastAllocated, err := meter.Int64ObservableGauge("engine.nonce.last_allocated")
	if err != nil {
		return fmt.Errorf("registering last allocated gauge: %s", err)
	}
	mConfirmedMax, err := meter.Int64ObservableGauge("engine.nonce.confirmed_max")
	if err != nil {
		return fmt.Errorf("registering confirmed max gauge: %s", err)
	}
	mRecycled, err := meter.Int64ObservableGauge("engine.nonce.recycled_count")
	if err != nil {
		return fmt.Errorf("registering recycled count gauge: %s", err)
	}
	mInFlight, err := meter.Int64ObservableGauge("engine.nonce.in_flight")
	if err != nil {
		return fmt.Errorf("registering in flight gauge: %s", err)
	}
	mStuck, err := meter.Int64ObservableGauge("engine.nonce.stuck")
	if err != nil {
		return fmt.Errorf("registering stuck gauge: %s", err)
	}

	instruments := []instrument.Asynchronous{mLastAllocated, mConfirmedMax, mRecycled, mInFlight, mStuck}
	if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		mm.lock.RLock()
		defer mm.lock.RUnlock()

		for k, snap := range mm.snapshots {
			attrs := append([]attribute.KeyValue{
				attribute.Int64("chain_id", int64(k.chainID)),
				attribute.String("address", k.addr.Hex()),
			}, mm.baseLabels...)
			o.ObserveInt64(mLastAllocated, snap.state.LastAllocated, attrs...)
			o.ObserveInt64(mConfirmedMax, snap.state.ConfirmedMax, attrs...)
			o.ObserveInt64(mRecycled, snap.state.RecycledCount, attrs...)
			o.ObserveInt64(mInFlight, snap.state.InFlight(), attrs...)
			var stuck int64
			if snap.stuck {
				stuck = 1
			}
			o.ObserveInt64(mStuck, stuck, attrs...)
		}
		return nil
	}, instruments...); err != nil {
		return fmt.Errorf("registering callback on instruments: %s", err)
	}

	m.metrics = mm
	return nil
}

func (mm *monitorMetrics) observe(
	chainID engine.ChainID, addr common.Address, st noncepkg.State, stuck bool,
) {
	mm.lock.Lock()
	defer mm.lock.Unlock()
	mm.snapshots[walletKey{chainID: chainID, addr: addr}] = walletSnapshot{state: st, stuck: stuck}
}
