package publisher

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/marmot-restore/cfg"
	"github.com/maxpert/marmot-restore/hlc"
	"github.com/rs/zerolog/log"
)

// RegistryConfig configures the restore event registry
type RegistryConfig struct {
	Dir         string                  // Event log directory
	SinkConfigs []cfg.SinkConfiguration // From config
	// DrainTimeout bounds how long Stop waits for sinks to catch up
	DrainTimeout time.Duration
}

// Registry owns the event log and the worker of every sink
type Registry struct {
	log          *EventLog
	workers      []*Worker
	drainTimeout time.Duration
	running      atomic.Bool
	mu           sync.Mutex
}

// NewRegistry opens the event log and creates a worker per sink
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("event log directory is required")
	}

	eventLog, err := OpenEventLog(config.Dir)
	if err != nil {
		return nil, err
	}

	registry := &Registry{
		log:          eventLog,
		workers:      make([]*Worker, 0, len(config.SinkConfigs)),
		drainTimeout: config.DrainTimeout,
	}

	for _, sinkCfg := range config.SinkConfigs {
		if err := registry.AddSink(sinkCfg); err != nil {
			registry.closeSinks()
			eventLog.Close()
			return nil, fmt.Errorf("failed to add sink %q: %w", sinkCfg.Name, err)
		}
	}

	log.Info().
		Int("workers", len(registry.workers)).
		Msg("Restore event registry initialized")

	return registry, nil
}

// AddSink creates the worker of one sink configuration
func (r *Registry) AddSink(config cfg.SinkConfiguration) error {
	snk, err := createSink(config)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}
	return r.addWorker(config, snk)
}

// addWorker wires an already created sink
func (r *Registry) addWorker(config cfg.SinkConfiguration, snk Sink) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	enc, err := createEncoder(config.Format)
	if err != nil {
		snk.Close()
		return err
	}

	filter, err := NewGlobFilter(config.FilterTables, config.FilterDatabases)
	if err == nil {
		filter, err = filter.WithKinds(config.FilterKinds...)
	}
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create filter: %w", err)
	}

	worker, err := NewWorker(WorkerConfig{
		Name:            config.Name,
		Log:             r.log,
		Sink:            snk,
		Encoder:         enc,
		Filter:          filter,
		TopicPrefix:     config.TopicPrefix,
		BatchSize:       config.BatchSize,
		PollInterval:    time.Duration(config.PollIntervalMS) * time.Millisecond,
		RetryInitial:    time.Duration(config.RetryInitialMS) * time.Millisecond,
		RetryMax:        time.Duration(config.RetryMaxMS) * time.Millisecond,
		RetryMultiplier: config.RetryMultiplier,
	})
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create worker: %w", err)
	}

	r.workers = append(r.workers, worker)
	if r.running.Load() {
		worker.Start()
	}

	log.Info().
		Str("sink", config.Name).
		Str("type", config.Type).
		Str("format", config.Format).
		Msg("Added restore event sink")

	return nil
}

// Start starts all workers
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return fmt.Errorf("registry already running")
	}

	for _, worker := range r.workers {
		worker.Start()
	}
	r.running.Store(true)
	return nil
}

// Stop lets the sinks catch up, then stops all workers and closes the log
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running.Swap(false) {
		return
	}

	for _, worker := range r.workers {
		if r.drainTimeout > 0 && !worker.Drain(r.drainTimeout) {
			log.Warn().Str("worker", worker.config.Name).Msg("Sink did not catch up before shutdown")
		}
		worker.Stop()
	}
	r.closeSinks()

	if err := r.log.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close event log")
	}
}

func (r *Registry) closeSinks() {
	for _, worker := range r.workers {
		if err := worker.config.Sink.Close(); err != nil {
			log.Warn().Err(err).Str("worker", worker.config.Name).Msg("Failed to close sink")
		}
	}
}

// Append adds events to the event log
func (r *Registry) Append(events []Event) error {
	if !r.running.Load() {
		return fmt.Errorf("registry not running")
	}
	return r.log.Append(events)
}

// Recorder returns the event source of one host taking part in a restore
func (r *Registry) Recorder(restoreID, host string, nodeID uint64) *Recorder {
	return &Recorder{
		registry:  r,
		clock:     hlc.NewClock(nodeID),
		restoreID: restoreID,
		host:      host,
		nodeID:    nodeID,
	}
}

// Recorder turns restore progress into events. Failing to record an event
// never fails the restore.
type Recorder struct {
	registry  *Registry
	clock     *hlc.Clock
	restoreID string
	host      string
	nodeID    uint64
}

// Stage records that the host entered a stage
func (rec *Recorder) Stage(stage, message string) {
	rec.append(Event{Kind: EventStage, Stage: stage, Message: message})
}

// Table records that a table was restored
func (rec *Recorder) Table(database, table string) {
	rec.append(Event{Kind: EventTable, Database: database, Table: table})
}

// Failure records that the restore failed on the host
func (rec *Recorder) Failure(stage string, err error) {
	rec.append(Event{Kind: EventError, Stage: stage, Message: err.Error()})
}

func (rec *Recorder) append(event Event) {
	if rec == nil {
		return
	}
	event.RestoreID = rec.restoreID
	event.Host = rec.host
	event.NodeID = rec.nodeID
	event.Time = rec.clock.Now()

	if err := rec.registry.Append([]Event{event}); err != nil {
		log.Warn().Err(err).Str("kind", string(event.Kind)).Msg("Failed to record restore event")
	}
}

// createSink creates a sink based on the configuration
func createSink(config cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}

	return factory(config)
}

// SinkFactory is a function that creates a Sink from a configuration
type SinkFactory func(cfg.SinkConfiguration) (Sink, error)

// EncoderFactory is a function that creates an Encoder
type EncoderFactory func() Encoder

var (
	sinkFactories    = make(map[string]SinkFactory)
	encoderFactories = make(map[string]EncoderFactory)
	factoryMu        sync.RWMutex
)

// RegisterSink registers a sink factory for a type
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

// RegisterEncoder registers an encoder factory for a format
func RegisterEncoder(format string, factory EncoderFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	encoderFactories[format] = factory
}

func createEncoder(format string) (Encoder, error) {
	factoryMu.RLock()
	factory, exists := encoderFactories[format]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown format: %s", format)
	}

	return factory(), nil
}
