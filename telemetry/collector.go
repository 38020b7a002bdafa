package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// StatsProvider reports point-in-time participant state
type StatsProvider interface {
	// SessionCounts returns managed session counts keyed by state label
	SessionCounts() map[string]int
	// PreparedCount returns the size of the resource's prepared catalog
	PreparedCount(ctx context.Context) (int, error)
}

// MetricsCollector periodically collects stats and updates telemetry gauges
type MetricsCollector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(provider StatsProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.provider == nil {
		return
	}

	for state, n := range mc.provider.SessionCounts() {
		RegistrySessions.With(state).Set(float64(n))
	}

	ctx, cancel := context.WithTimeout(context.Background(), mc.interval)
	defer cancel()
	n, err := mc.provider.PreparedCount(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("Failed to read prepared catalog size")
		return
	}
	PreparedCatalogSize.Set(float64(n))
}
