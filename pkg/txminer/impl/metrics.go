package impl

import (
	"context"
	"fmt"

	"github.com/thirdweb-dev/engine-sub001/internal/engine"
	"github.com/thirdweb-dev/engine-sub001/pkg/metrics"
	"github.com/thirdweb-dev/engine-sub001/pkg/txrecord"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/global"
	"go.opentelemetry.io/otel/metric/instrument"
)

type minerMetrics struct {
	baseLabels []attribute.KeyValue

	mMined    instrument.Int64Counter
	mResent   instrument.Int64Counter
	mTimedOut instrument.Int64Counter
}

func (m *Miner) initMetrics() error {
	meter := global.MeterProvider().Meter("engine")
	mm := &minerMetrics{
		baseLabels: metrics.BaseAttrs,
	}

	var err error
	if mm.mMined, err = meter.Int64Counter("engine.mine.mined"); err != nil {
		return fmt.Errorf("creating mined counter: %s", err)
	}
	if mm.mResent, err = meter.Int64Counter("engine.mine.resent"); err != nil {
		return fmt.Errorf("creating resent counter: %s", err)
	}
	if mm.mTimedOut, err = meter.Int64Counter("engine.mine.timedout"); err != nil {
		return fmt.Errorf("creating timedout counter: %s", err)
	}

	m.metrics = mm
	return nil
}

func (m *minerMetrics) mined(ctx context.Context, chainID engine.ChainID, onchain txrecord.OnchainStatus) {
	attrs := append([]attribute.KeyValue{
		attribute.Int64("chain_id", int64(chainID)),
		attribute.String("onchain_status", string(onchain)),
	}, m.baseLabels...)
	m.mMined.Add(ctx, 1, attrs...)
}

func (m *minerMetrics) resent(ctx context.Context, chainID engine.ChainID) {
	attrs := append([]attribute.KeyValue{
		attribute.Int64("chain_id", int64(chainID)),
	}, m.baseLabels...)
	m.mResent.Add(ctx, 1, attrs...)
}

func (m *minerMetrics) timedOut(ctx context.Context, chainID engine.ChainID) {
	attrs := append([]attribute.KeyValue{
		attribute.Int64("chain_id", int64(chainID)),
	}, m.baseLabels...)
	m.mTimedOut.Add(ctx, 1, attrs...)
}
