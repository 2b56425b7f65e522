package restore

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/jizhuozhi/go-future"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// NewPool returns a worker pool that several restores can share. size <= 0
// uses the number of CPUs.
func NewPool(size int) *semaphore.Weighted {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	return semaphore.NewWeighted(int64(size))
}

// supervisor runs tasks on a shared bounded pool and joins them between
// stages. The first failure sticks: once a task failed, newly scheduled
// tasks and tasks that have not started yet are skipped.
type supervisor struct {
	pool      *semaphore.Weighted
	afterTask func()

	failed atomic.Bool

	mu      sync.Mutex
	futures []*future.Future[struct{}]
}

func newSupervisor(pool *semaphore.Weighted, afterTask func()) *supervisor {
	if pool == nil {
		pool = NewPool(0)
	}
	return &supervisor{pool: pool, afterTask: afterTask}
}

// schedule submits fn. It returns an error only when ctx is already
// cancelled; failures of fn are reported by wait.
func (s *supervisor) schedule(ctx context.Context, name string, fn func(context.Context) error) error {
	if s.failed.Load() {
		return nil
	}
	if err := checkCancelled(ctx); err != nil {
		return err
	}

	p := future.NewPromise[struct{}]()
	s.mu.Lock()
	s.futures = append(s.futures, p.Future())
	s.mu.Unlock()

	go func() {
		p.Set(struct{}{}, s.run(ctx, name, fn))
	}()
	return nil
}

func (s *supervisor) run(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	if err := s.pool.Acquire(ctx, 1); err != nil {
		return checkCancelled(ctx)
	}
	defer s.pool.Release(1)

	defer func() {
		if r := recover(); r != nil {
			err = errors.AssertionFailedf("task %s panicked: %v", name, r)
		}
	}()

	if s.failed.Load() {
		return nil
	}
	if err := checkCancelled(ctx); err != nil {
		return err
	}

	if err := fn(ctx); err != nil {
		s.failed.Store(true)
		return err
	}

	if s.afterTask != nil {
		s.afterTask()
	}
	return nil
}

// pending returns the number of tasks not yet joined by wait.
func (s *supervisor) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.futures)
}

// wait joins every scheduled task, including tasks scheduled by the tasks
// being joined. The first failure is returned when throw is set and logged
// otherwise; later failures are logged.
func (s *supervisor) wait(throw bool) error {
	var first error
	for {
		s.mu.Lock()
		batch := s.futures
		s.futures = nil
		s.mu.Unlock()

		if len(batch) == 0 {
			break
		}

		for _, f := range batch {
			if _, err := f.Get(); err != nil {
				s.failed.Store(true)
				if first == nil {
					first = err
					continue
				}
				logFailure(log.Warn(), err).Msg("Another restore task failed")
			}
		}
	}

	if first != nil && !throw {
		logFailure(log.Error(), first).Msg("Restore task failed")
		return nil
	}
	return first
}

// close drains outstanding tasks without raising.
func (s *supervisor) close() {
	if n := s.pending(); n > 0 {
		log.Info().Int("tasks", n).Msg("Waiting for restore tasks to finish")
		_ = s.wait(false)
	}
}

// hasFailed reports whether any joined task failed.
func (s *supervisor) hasFailed() bool {
	return s.failed.Load()
}
