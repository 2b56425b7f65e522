package telemetry

import (
	"sync"
	"time"
)

// ProgressSnapshot holds the restore counters the collector publishes
type ProgressSnapshot struct {
	Databases      int
	Tables         int
	TablesCreated  int
	TablesRestored int
}

// CollectorSources are read on every collection; either may be nil
type CollectorSources struct {
	Progress func() ProgressSnapshot
	Locks    func() int
}

// MetricsCollector periodically collects progress and updates telemetry gauges
type MetricsCollector struct {
	sources  CollectorSources
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(sources CollectorSources, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		sources:  sources,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop collects a final time and stops the collector
func (mc *MetricsCollector) Stop() {
	mc.stopOnce.Do(func() { close(mc.stopCh) })
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
			mc.collect()
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.sources.Progress != nil {
		p := mc.sources.Progress()
		RestoreObjects.With("database", "found").Set(float64(p.Databases))
		RestoreObjects.With("table", "found").Set(float64(p.Tables))
		RestoreObjects.With("table", "created").Set(float64(p.TablesCreated))
		RestoreObjects.With("table", "restored").Set(float64(p.TablesRestored))
	}
	if mc.sources.Locks != nil {
		TableLocksHeld.Set(float64(mc.sources.Locks()))
	}
}
