package impl

import (
	"context"
	"fmt"
	"sync"

	"github.com/thirdweb-dev/engine-sub001/pkg/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/global"
	"go.opentelemetry.io/otel/metric/instrument"
)

// runnerMetrics exports a depth gauge per registered queue, refreshed by
// the runner's sweeper loop.
type runnerMetrics struct {
	baseLabels []attribute.KeyValue

	lock   sync.RWMutex
	depths map[string]int64
}

func (r *Runner) initMetrics() error {
	meter := global.MeterProvider().Meter("engine")
	rm := &runnerMetrics{
		baseLabels: metrics.BaseAttrs,
		depths:     map[string]int64{},
	}

	mDepth, err := meter.Int64ObservableGauge("engine.jobs.depth")
	if err != nil {
		return fmt.Errorf("registering queue depth gauge: %s", err)
	}

	instruments := []instrument.Asynchronous{mDepth}
	if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		rm.lock.RLock()
		defer rm.lock.RUnlock()

		for queue, depth := range rm.depths {
			attrs := append([]attribute.KeyValue{
				attribute.String("queue", queue),
			}, rm.baseLabels...)
			o.ObserveInt64(mDepth, depth, attrs...)
		}
		return nil
	}, instruments...); err != nil {
		return fmt.Errorf("registering callback on instruments: %s", err)
	}

	r.metrics = rm
	return nil
}

func (rm *runnerMetrics) setDepth(queue string, depth int64) {
	rm.lock.Lock()
	defer rm.lock.Unlock()
	rm.depths[queue] = depth
}
