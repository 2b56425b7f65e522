package restore

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
)

// Error kinds. Failures are marked with one of these so callers can branch
// with errors.Is without depending on message text.
var (
	ErrNotFound          = errors.New("not found in backup")
	ErrInconsistency     = errors.New("inconsistent definitions")
	ErrAuthorization     = errors.New("not enough privileges")
	ErrCapability        = errors.New("not supported by table engine")
	ErrResourceExhausted = errors.New("not enough resources")
	ErrCancelled         = errors.New("restore cancelled")
	ErrInvalidRequest    = errors.New("invalid restore request")
)

// DefinitionMismatchError is returned when an existing database or table does
// not match its definition in the backup.
type DefinitionMismatchError struct {
	Kind     string // "database" or "table"
	Name     string
	Existing string
	Backup   string
}

func (e *DefinitionMismatchError) Error() string {
	return fmt.Sprintf("the %s has a different definition: %s comparing to its definition in the backup: %s",
		e.Kind, e.Existing, e.Backup)
}

func notFoundf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrNotFound)
}

func inconsistencyf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrInconsistency)
}

func mismatch(kind, name, existing, fromBackup string) error {
	return errors.Mark(&DefinitionMismatchError{
		Kind:     kind,
		Name:     name,
		Existing: existing,
		Backup:   fromBackup,
	}, ErrInconsistency)
}

// checkCancelled returns a cancellation error once ctx is done.
func checkCancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Mark(errors.Wrap(err, "restore cancelled"), ErrCancelled)
	}
	return nil
}

// logFailure logs err, keeping internal defects apart from expected errors.
func logFailure(event *zerolog.Event, err error) *zerolog.Event {
	if errors.IsAssertionFailure(err) {
		return event.Err(err).Bool("assertion", true)
	}
	return event.Err(err)
}
