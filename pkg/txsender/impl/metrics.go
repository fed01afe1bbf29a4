package impl

import (
	"context"
	"fmt"

	"github.com/thirdweb-dev/engine-sub001/internal/engine"
	"github.com/thirdweb-dev/engine-sub001/pkg/eth"
	"github.com/thirdweb-dev/engine-sub001/pkg/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/global"
	"go.opentelemetry.io/otel/metric/instrument"
)

type senderMetrics struct {
	baseLabels []attribute.KeyValue

	mSent       instrument.Int64Counter
	mSendFailed instrument.Int64Counter
	mDeferred   instrument.Int64Counter
	mLowBalance instrument.Int64Counter
}

func (s *Sender) initMetrics() error {
	meter := global.MeterProvider().Meter("engine")
	m := &senderMetrics{
		baseLabels: metrics.BaseAttrs,
	}

	var err error
	if m.mSent, err = meter.Int64Counter("engine.send.sent"); err != nil {
		return fmt.Errorf("creating sent counter: %s", err)
	}
	if m.mSendFailed, err = meter.Int64Counter("engine.send.failed"); err != nil {
		return fmt.Errorf("creating failed counter: %s", err)
	}
	if m.mDeferred, err = meter.Int64Counter("engine.send.deferred"); err != nil {
		return fmt.Errorf("creating deferred counter: %s", err)
	}
	if m.mLowBalance, err = meter.Int64Counter("engine.send.low_balance"); err != nil {
		return fmt.Errorf("creating low balance counter: %s", err)
	}

	s.metrics = m
	return nil
}

func (m *senderMetrics) sent(ctx context.Context, chainID engine.ChainID) {
	attrs := append([]attribute.KeyValue{
		attribute.Int64("chain_id", int64(chainID)),
	}, m.baseLabels...)
	m.mSent.Add(ctx, 1, attrs...)
}

func (m *senderMetrics) sendFailed(ctx context.Context, chainID engine.ChainID, kind eth.Kind) {
	attrs := append([]attribute.KeyValue{
		attribute.Int64("chain_id", int64(chainID)),
		attribute.String("kind", kind.String()),
	}, m.baseLabels...)
	m.mSendFailed.Add(ctx, 1, attrs...)
}

func (m *senderMetrics) deferred(ctx context.Context, chainID engine.ChainID, reason string) {
	attrs := append([]attribute.KeyValue{
		attribute.Int64("chain_id", int64(chainID)),
		attribute.String("reason", reason),
	}, m.baseLabels...)
	m.mDeferred.Add(ctx, 1, attrs...)
}

func (m *senderMetrics) lowBalance(ctx context.Context, chainID engine.ChainID, address string) {
	attrs := append([]attribute.KeyValue{
		attribute.Int64("chain_id", int64(chainID)),
		attribute.String("address", address),
	}, m.baseLabels...)
	m.mLowBalance.Add(ctx, 1, attrs...)
}
