package impl

import (
	"context"
	"fmt"

	"github.com/thirdweb-dev/engine-sub001/internal/engine"
	"github.com/thirdweb-dev/engine-sub001/pkg/metrics"
	noncepkg "github.com/thirdweb-dev/engine-sub001/pkg/nonce"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/global"
	"go.opentelemetry.io/otel/metric/instrument"
)

type allocatorMetrics struct {
	baseLabels []attribute.KeyValue

	mAcquired instrument.Int64Counter
	mRecycled instrument.Int64Counter
	mResets   instrument.Int64Counter
}

func (a *Allocator) initMetrics() error {
	meter := global.MeterProvider().Meter("engine")
	m := &allocatorMetrics{
		baseLabels: metrics.BaseAttrs,
	}

	var err error
	if m.mAcquired, err = meter.Int64Counter("engine.nonce.acquired"); err != nil {
		return fmt.Errorf("creating acquired counter: %s", err)
	}
	if m.mRecycled, err = meter.Int64Counter("engine.nonce.recycled"); err != nil {
		return fmt.Errorf("creating recycled counter: %s", err)
	}
	if m.mResets, err = meter.Int64Counter("engine.nonce.resets"); err != nil {
		return fmt.Errorf("creating resets counter: %s", err)
	}

	a.metrics = m
	return nil
}

func (m *allocatorMetrics) acquired(ctx context.Context, chainID engine.ChainID, source noncepkg.Source) {
	attrs := append([]attribute.KeyValue{
		attribute.Int64("chain_id", int64(chainID)),
		attribute.String("source", string(source)),
	}, m.baseLabels...)
	m.mAcquired.Add(ctx, 1, attrs...)
}

func (m *allocatorMetrics) recycled(ctx context.Context, chainID engine.ChainID) {
	attrs := append([]attribute.KeyValue{
		attribute.Int64("chain_id", int64(chainID)),
	}, m.baseLabels...)
	m.mRecycled.Add(ctx, 1, attrs...)
}

func (m *allocatorMetrics) reset(ctx context.Context, chainID engine.ChainID) {
	attrs := append([]attribute.KeyValue{
		attribute.Int64("chain_id", int64(chainID)),
	}, m.baseLabels...)
	m.mResets.Add(ctx, 1, attrs...)
}
