package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/maxpert/marmot-restore/hlc"
	"github.com/maxpert/marmot-restore/schema"
	"github.com/rs/zerolog/log"
)

// DefaultLockTimeout bounds how long lock acquisition waits.
const DefaultLockTimeout = 120 * time.Second

// TableLockManager hands out table locks within this process. Any number of
// shared holders may coexist; an exclusive holder excludes everyone else.
type TableLockManager struct {
	mu      sync.Mutex
	clock   *hlc.Clock
	timeout time.Duration
	nextID  uint64
	tables  map[schema.QualifiedName]*tableLocks
}

type tableLocks struct {
	shared    map[uint64]*TableLock
	exclusive *TableLock
	// released is closed whenever a lock on the table goes away
	released chan struct{}
}

// TableLock is a held lock. Release is idempotent.
type TableLock struct {
	Table      schema.QualifiedName
	Owner      string
	Exclusive  bool
	AcquiredAt hlc.Timestamp

	id      uint64
	manager *TableLockManager
	once    sync.Once
}

// NewTableLockManager creates a lock manager. A zero timeout uses
// DefaultLockTimeout; a nil clock gets a private one.
func NewTableLockManager(clock *hlc.Clock, timeout time.Duration) *TableLockManager {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	if clock == nil {
		clock = hlc.NewClock(0)
	}
	return &TableLockManager{
		clock:   clock,
		timeout: timeout,
		tables:  make(map[schema.QualifiedName]*tableLocks),
	}
}

// AcquireShared waits until no exclusive lock is held on table.
func (m *TableLockManager) AcquireShared(ctx context.Context, table schema.QualifiedName, owner string) (*TableLock, error) {
	return m.acquire(ctx, table, owner, false)
}

// AcquireExclusive waits until no lock at all is held on table.
func (m *TableLockManager) AcquireExclusive(ctx context.Context, table schema.QualifiedName, owner string) (*TableLock, error) {
	return m.acquire(ctx, table, owner, true)
}

func (m *TableLockManager) acquire(ctx context.Context, table schema.QualifiedName, owner string, exclusive bool) (*TableLock, error) {
	deadline := time.NewTimer(m.timeout)
	defer deadline.Stop()

	for {
		m.mu.Lock()
		state := m.stateLocked(table)
		free := state.exclusive == nil && (!exclusive || len(state.shared) == 0)
		if free {
			m.nextID++
			lock := &TableLock{
				Table:      table,
				Owner:      owner,
				Exclusive:  exclusive,
				AcquiredAt: m.clock.Now(),
				id:         m.nextID,
				manager:    m,
			}
			if exclusive {
				state.exclusive = lock
			} else {
				state.shared[lock.id] = lock
			}
			m.mu.Unlock()

			log.Debug().
				Str("table", table.String()).
				Str("owner", owner).
				Bool("exclusive", exclusive).
				Msg("Table lock acquired")
			return lock, nil
		}

		holder := state.exclusive
		if holder == nil {
			for _, l := range state.shared {
				holder = l
				break
			}
		}
		released := state.released
		m.mu.Unlock()

		select {
		case <-released:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("timeout waiting for lock on %s held by %s", table, holder.Owner)
		}
	}
}

func (m *TableLockManager) stateLocked(table schema.QualifiedName) *tableLocks {
	state, ok := m.tables[table]
	if !ok {
		state = &tableLocks{
			shared:   make(map[uint64]*TableLock),
			released: make(chan struct{}),
		}
		m.tables[table] = state
	}
	return state
}

func (m *TableLockManager) release(lock *TableLock) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.tables[lock.Table]
	if !ok {
		return
	}
	if lock.Exclusive {
		state.exclusive = nil
	} else {
		delete(state.shared, lock.id)
	}

	close(state.released)
	if state.exclusive == nil && len(state.shared) == 0 {
		delete(m.tables, lock.Table)
	} else {
		state.released = make(chan struct{})
	}

	log.Debug().Str("table", lock.Table.String()).Str("owner", lock.Owner).Msg("Table lock released")
}

// Release gives up the lock.
func (l *TableLock) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() { l.manager.release(l) })
}

// TableLockInfo describes a held lock for monitoring.
type TableLockInfo struct {
	Table      string `json:"table"`
	Owner      string `json:"owner"`
	Exclusive  bool   `json:"exclusive"`
	AcquiredAt string `json:"acquired_at"`
}

// ActiveLocks returns every held lock, ordered by table.
func (m *TableLockManager) ActiveLocks() []TableLockInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	var infos []TableLockInfo
	add := func(l *TableLock) {
		infos = append(infos, TableLockInfo{
			Table:      l.Table.String(),
			Owner:      l.Owner,
			Exclusive:  l.Exclusive,
			AcquiredAt: l.AcquiredAt.String(),
		})
	}
	for _, state := range m.tables {
		if state.exclusive != nil {
			add(state.exclusive)
		}
		for _, l := range state.shared {
			add(l)
		}
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Table != infos[j].Table {
			return infos[i].Table < infos[j].Table
		}
		return infos[i].Owner < infos[j].Owner
	})
	return infos
}
