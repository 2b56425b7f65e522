package coordination

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/maxpert/marmot-restore/hlc"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// StageReport is one host's report of reaching a stage.
type StageReport struct {
	Host    string        `msgpack:"host"`
	Stage   string        `msgpack:"stage"`
	Message string        `msgpack:"message"`
	Time    hlc.Timestamp `msgpack:"time"`
}

// HubConfig configures a Hub.
type HubConfig struct {
	RestoreID string
	Hosts     []string
	NodeID    uint64
	// Store persists agreed identifiers and stage reports; optional.
	Store *Store
}

type createState struct {
	owner   string
	done    bool
	message string
}

// Hub is the shared state of one restore, kept in process.
type Hub struct {
	restoreID string
	hosts     []string
	store     *Store
	clock     *hlc.Clock

	ids *xsync.MapOf[string, string]

	mu      sync.Mutex
	reached map[string]map[string]StageReport
	failure *StageReport
	creates map[string]*createState
	changed chan struct{}
}

// NewHub creates a hub, restoring previously persisted state from the store.
func NewHub(config HubConfig) (*Hub, error) {
	h := newHub(config)
	if h.store == nil {
		return h, nil
	}

	ids, err := h.store.Identifiers(h.restoreID)
	if err != nil {
		return nil, fmt.Errorf("failed to load identifiers: %w", err)
	}
	for key, id := range ids {
		h.ids.Store(key, id)
	}

	reports, err := h.store.StageReports(h.restoreID)
	if err != nil {
		return nil, fmt.Errorf("failed to load stage reports: %w", err)
	}
	for _, r := range reports {
		h.recordLocked(r)
	}

	if len(ids) > 0 || len(reports) > 0 {
		log.Info().
			Str("restore_id", h.restoreID).
			Int("identifiers", len(ids)).
			Int("stage_reports", len(reports)).
			Msg("Loaded restore coordination state")
	}
	return h, nil
}

func newHub(config HubConfig) *Hub {
	hosts := append([]string(nil), config.Hosts...)
	sort.Strings(hosts)
	return &Hub{
		restoreID: config.RestoreID,
		hosts:     hosts,
		store:     config.Store,
		clock:     hlc.NewClock(config.NodeID),
		ids:       xsync.NewMapOf[string, string](),
		reached:   make(map[string]map[string]StageReport),
		creates:   make(map[string]*createState),
		changed:   make(chan struct{}),
	}
}

// Hosts returns the participating hosts.
func (h *Hub) Hosts() []string {
	return h.hosts
}

// Participant returns the coordination view of one host.
func (h *Hub) Participant(host string, stageTimeout time.Duration) *Participant {
	return NewParticipant(h, host, stageTimeout)
}

func (h *Hub) ReportStage(ctx context.Context, host, stage, message string) error {
	report := StageReport{Host: host, Stage: stage, Message: message, Time: h.clock.Now()}
	if h.store != nil {
		if err := h.store.SaveStageReport(h.restoreID, report); err != nil {
			return err
		}
	}

	h.mu.Lock()
	h.recordLocked(report)
	h.notifyLocked()
	h.mu.Unlock()

	event := log.Debug()
	if stage == StageError {
		event = log.Warn()
	}
	event.Str("host", host).Str("stage", stage).Str("message", message).Msg("Host reached restore stage")
	return nil
}

func (h *Hub) recordLocked(r StageReport) {
	if r.Stage == StageError && h.failure == nil {
		failure := r
		h.failure = &failure
	}
	stages, ok := h.reached[r.Host]
	if !ok {
		stages = make(map[string]StageReport)
		h.reached[r.Host] = stages
	}
	stages[r.Stage] = r
}

func (h *Hub) notifyLocked() {
	close(h.changed)
	h.changed = make(chan struct{})
}

func (h *Hub) WaitStage(ctx context.Context, host, stage string, timeout time.Duration) error {
	var waiting []string
	err := h.waitFor(ctx, timeout, func() (bool, error) {
		if h.failure != nil && h.failure.Host != host {
			return false, &HostFailedError{Host: h.failure.Host, Message: h.failure.Message}
		}
		waiting = waiting[:0]
		for _, other := range h.hosts {
			if _, ok := h.reached[other][stage]; !ok {
				waiting = append(waiting, other)
			}
		}
		return len(waiting) == 0, nil
	})
	if err == errWaitTimeout {
		return &StageTimeoutError{Stage: stage, Waiting: append([]string(nil), waiting...)}
	}
	return err
}

var errWaitTimeout = fmt.Errorf("wait timed out")

// waitFor blocks until done reports true or fails. done runs under h.mu.
func (h *Hub) waitFor(ctx context.Context, timeout time.Duration, done func() (bool, error)) error {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		h.mu.Lock()
		ok, err := done()
		changed := h.changed
		h.mu.Unlock()

		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		case <-expired:
			return errWaitTimeout
		}
	}
}

func (h *Hub) AgreeIdentifier(ctx context.Context, key, proposed string) (string, error) {
	agreed, loaded := h.ids.LoadOrStore(key, proposed)
	if loaded || h.store == nil {
		return agreed, nil
	}
	if err := h.store.SaveIdentifier(h.restoreID, key, agreed); err != nil {
		return "", err
	}
	return agreed, nil
}

func (h *Hub) ClaimCreate(ctx context.Context, host, key string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	state, ok := h.creates[key]
	if !ok {
		h.creates[key] = &createState{owner: host}
		return true, nil
	}
	return state.owner == host && !state.done, nil
}

func (h *Hub) FinishCreate(ctx context.Context, key, errMessage string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	state, ok := h.creates[key]
	if !ok {
		return fmt.Errorf("create of %s was never claimed", key)
	}
	state.done = true
	state.message = errMessage
	h.notifyLocked()
	return nil
}

func (h *Hub) AwaitCreate(ctx context.Context, key string, timeout time.Duration) (string, error) {
	var message string
	err := h.waitFor(ctx, timeout, func() (bool, error) {
		state, ok := h.creates[key]
		if !ok || !state.done {
			return false, nil
		}
		message = state.message
		return true, nil
	})
	if err == errWaitTimeout {
		return "", fmt.Errorf("timed out after %s waiting for %s to be created", timeout, key)
	}
	return message, err
}

// Reports returns the latest report of every host, ordered by time.
func (h *Hub) Reports() []StageReport {
	h.mu.Lock()
	defer h.mu.Unlock()

	var latest []StageReport
	for _, stages := range h.reached {
		var last *StageReport
		for _, r := range stages {
			if last == nil || hlc.Less(last.Time, r.Time) {
				r := r
				last = &r
			}
		}
		if last != nil {
			latest = append(latest, *last)
		}
	}
	sort.Slice(latest, func(i, j int) bool { return hlc.Less(latest[i].Time, latest[j].Time) })
	return latest
}
