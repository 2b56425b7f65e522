package restore

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/maxpert/marmot-restore/coordination"
	"github.com/rs/zerolog/log"
)

// Stage is a step of a restore. Stages are passed in order and every host
// waits for the others at each of them, except StageCompleted.
type Stage int

const (
	StageNone              Stage = iota // Not started
	StageFindingTables                  // Reading definitions from the backup
	StageCheckingAccess                 // Checking the caller's privileges
	StageCreatingDatabases              // Creating and checking databases
	StageCreatingTables                 // Creating and checking tables by dependency level
	StageInsertingData                  // Restoring table data
	StageFinalizing                     // Finalizing restored tables
	StageCompleted                      // Done
)

// String returns the stage name shared with other hosts.
func (s Stage) String() string {
	switch s {
	case StageNone:
		return ""
	case StageFindingTables:
		return "finding-tables"
	case StageCheckingAccess:
		return "checking-access"
	case StageCreatingDatabases:
		return "creating-databases"
	case StageCreatingTables:
		return "creating-tables"
	case StageInsertingData:
		return "inserting-data"
	case StageFinalizing:
		return "finalizing"
	case StageCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// stageMachine moves a restore through its stages. A move is refused while
// tasks are in flight, and each stage is announced to the coordination.
type stageMachine struct {
	coord   coordination.Coordination
	tasks   *supervisor
	onStage func(Stage, string)

	mu      sync.RWMutex
	current Stage
}

func newStageMachine(coord coordination.Coordination, tasks *supervisor, onStage func(Stage, string)) *stageMachine {
	return &stageMachine{coord: coord, tasks: tasks, onStage: onStage}
}

func (m *stageMachine) Current() Stage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// advance moves to next, which must directly follow the current stage.
func (m *stageMachine) advance(ctx context.Context, next Stage, message string) error {
	log.Debug().Str("stage", next.String()).Msg("Setting restore stage")

	if n := m.tasks.pending(); n != 0 {
		return errors.AssertionFailedf("cannot change the stage while some tasks (%d) are still running", n)
	}
	if err := checkCancelled(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	if next != m.current+1 {
		current := m.current
		m.mu.Unlock()
		return errors.AssertionFailedf("stage %q cannot follow stage %q", next, current)
	}
	m.current = next
	m.mu.Unlock()

	if m.onStage != nil {
		m.onStage(next, message)
	}

	if m.coord == nil {
		return nil
	}
	if err := m.coord.SetStage(ctx, next.String(), message, next != StageCompleted); err != nil {
		return errors.Wrapf(err, "failed to set stage %s", next)
	}
	return nil
}
