package publisher

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/marmot-restore/encoding"
	"github.com/rs/zerolog/log"
)

// Key prefixes for Pebble storage
const (
	prefixEventLog    = "/restorelog/"    // /restorelog/{16-digit-zero-padded-seq}
	prefixEventCursor = "/restorecursor/" // /restorecursor/{sinkName}
	keyEventSeq       = "/restoreseq"     // /restoreseq -> uint64 (last sequence)
)

const (
	defaultReadLimit    = 100
	cleanupIntervalMask = 0x3F // Cleanup every 64 sequences
	memTableSize        = 4 << 20
)

// EventLog is a Pebble-backed append-only log of restore events with one
// consumption cursor per sink
type EventLog struct {
	db   *pebble.DB
	path string

	cursors   map[string]uint64
	cursorsMu sync.RWMutex

	// appendMu serializes sequence assignment across batches
	appendMu sync.Mutex
	lastSeq  atomic.Uint64

	cleanupMu      sync.Mutex
	cleanupRunning atomic.Bool
	cleanupWg      sync.WaitGroup

	closed atomic.Bool
}

// OpenEventLog creates or opens the event log stored in dir
func OpenEventLog(dir string) (*EventLog, error) {
	db, err := pebble.Open(dir, &pebble.Options{
		MemTableSize: memTableSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open event log at %s: %w", dir, err)
	}

	el := &EventLog{
		db:      db,
		path:    dir,
		cursors: make(map[string]uint64),
	}

	seq, err := el.getUint64([]byte(keyEventSeq))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load sequence number: %w", err)
	}
	el.lastSeq.Store(seq)

	if err := el.loadCursors(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load cursors: %w", err)
	}

	return el, nil
}

// getUint64 reads a little endian counter; a missing key reads as zero.
func (el *EventLog) getUint64(key []byte) (uint64, error) {
	val, closer, err := el.db.Get(key)
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()

	if len(val) != 8 {
		return 0, fmt.Errorf("invalid value length %d for %s", len(val), key)
	}
	return binary.LittleEndian.Uint64(val), nil
}

func putUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

func (el *EventLog) loadCursors() error {
	prefix := []byte(prefixEventCursor)
	iter, err := el.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		sink := string(iter.Key()[len(prefix):])
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		if len(val) != 8 {
			return fmt.Errorf("corrupted cursor of sink %s: invalid length %d", sink, len(val))
		}
		el.cursors[sink] = binary.LittleEndian.Uint64(val)
	}
	if err := iter.Error(); err != nil {
		return err
	}

	if len(el.cursors) > 0 {
		log.Info().Int("cursors", len(el.cursors)).Msg("Loaded event log cursors")
	}
	return nil
}

// Append adds events to the log and assigns their sequence numbers in place
func (el *EventLog) Append(events []Event) error {
	if len(events) == 0 {
		return nil
	}
	if el.closed.Load() {
		return fmt.Errorf("event log is closed")
	}

	el.appendMu.Lock()
	defer el.appendMu.Unlock()

	seq := el.lastSeq.Load()
	batch := el.db.NewBatch()
	defer batch.Close()

	for i := range events {
		seq++
		events[i].SeqNum = seq

		val, err := encoding.Marshal(&events[i])
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		if err := batch.Set([]byte(formatEventKey(seq)), val, nil); err != nil {
			return fmt.Errorf("failed to write event: %w", err)
		}
	}

	if err := batch.Set([]byte(keyEventSeq), putUint64(seq), nil); err != nil {
		return fmt.Errorf("failed to update sequence: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit events: %w", err)
	}

	el.lastSeq.Store(seq)
	return nil
}

// LastSeq returns the sequence number of the newest event
func (el *EventLog) LastSeq() uint64 {
	return el.lastSeq.Load()
}

// ReadFrom reads up to limit events following cursor
func (el *EventLog) ReadFrom(cursor uint64, limit int) ([]Event, error) {
	if el.closed.Load() {
		return nil, fmt.Errorf("event log is closed")
	}
	if limit <= 0 {
		limit = defaultReadLimit
	}

	start := []byte(formatEventKey(cursor + 1))
	iter, err := el.db.NewIter(&pebble.IterOptions{
		LowerBound: start,
		UpperBound: prefixUpperBound([]byte(prefixEventLog)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	events := make([]Event, 0, limit)
	for iter.First(); iter.Valid() && len(events) < limit; iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}

		var event Event
		if err := encoding.Unmarshal(val, &event); err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Skipping corrupted restore event")
			continue
		}
		events = append(events, event)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	return events, nil
}

// GetCursor returns the last sequence a sink consumed
func (el *EventLog) GetCursor(sinkName string) (uint64, error) {
	if el.closed.Load() {
		return 0, fmt.Errorf("event log is closed")
	}

	el.cursorsMu.RLock()
	defer el.cursorsMu.RUnlock()
	return el.cursors[sinkName], nil
}

// AdvanceCursor records that a sink consumed everything up to seq
func (el *EventLog) AdvanceCursor(sinkName string, seq uint64) error {
	if el.closed.Load() {
		return fmt.Errorf("event log is closed")
	}

	el.cursorsMu.Lock()
	el.cursors[sinkName] = seq
	el.cursorsMu.Unlock()

	if err := el.db.Set([]byte(prefixEventCursor+sinkName), putUint64(seq), pebble.Sync); err != nil {
		return fmt.Errorf("failed to update cursor: %w", err)
	}

	if seq&cleanupIntervalMask == 0 && el.cleanupRunning.CompareAndSwap(false, true) {
		el.cleanupWg.Add(1)
		go func() {
			defer el.cleanupWg.Done()
			defer el.cleanupRunning.Store(false)
			el.cleanup()
		}()
	}

	return nil
}

// cleanup deletes the events every sink consumed
func (el *EventLog) cleanup() {
	el.cleanupMu.Lock()
	defer el.cleanupMu.Unlock()

	if el.closed.Load() {
		return
	}

	el.cursorsMu.RLock()
	if len(el.cursors) == 0 {
		el.cursorsMu.RUnlock()
		return
	}
	minCursor := ^uint64(0)
	for _, cursor := range el.cursors {
		if cursor < minCursor {
			minCursor = cursor
		}
	}
	el.cursorsMu.RUnlock()

	if minCursor == 0 {
		return
	}

	// The event at minCursor itself is consumed too
	start := []byte(prefixEventLog)
	end := []byte(formatEventKey(minCursor + 1))
	if err := el.db.DeleteRange(start, end, pebble.Sync); err != nil {
		log.Warn().Err(err).Uint64("min_cursor", minCursor).Msg("Failed to clean up event log")
		return
	}

	log.Debug().Uint64("min_cursor", minCursor).Msg("Cleaned up event log")
}

// Close waits for cleanup and closes the Pebble database
func (el *EventLog) Close() error {
	if !el.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("event log already closed")
	}

	el.cleanupWg.Wait()
	return el.db.Close()
}

// formatEventKey formats a sequence number as a 16-digit zero-padded key
func formatEventKey(seq uint64) string {
	return fmt.Sprintf("%s%016x", prefixEventLog, seq)
}

// prefixUpperBound returns the upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
