// Package coordination keeps the hosts taking part in one restore in step:
// every host reports the stages it reaches and waits for the others, object
// identifiers are agreed so that all hosts create an object with the same id,
// and creation of shared objects can be restricted to a single host.
package coordination

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/maxpert/marmot-restore/schema"
	"github.com/rs/zerolog/log"
)

// StageError is the stage name a host reports when its restore failed.
const StageError = "error"

// Coordination is what a single restoring host sees.
type Coordination interface {
	// SetStage records that this host reached stage. When sync is set it
	// blocks until every participating host reached the stage too.
	SetStage(ctx context.Context, stage, message string, sync bool) error
	// SetError tells the other hosts that this host failed.
	SetError(ctx context.Context, cause error) error
	// AgreeIdentifier stores the identifier all hosts use for def in def.ID.
	AgreeIdentifier(ctx context.Context, def *schema.Definition) error
	// CreateOnce runs create on exactly one host per key. Other hosts wait up
	// to timeout for it to finish and return its outcome.
	CreateOnce(ctx context.Context, key string, timeout time.Duration, create func(context.Context) error) error
}

// Backend holds the state shared by the hosts of one restore. Hub implements
// it in process; the gRPC client implements it against a remote hub.
type Backend interface {
	ReportStage(ctx context.Context, host, stage, message string) error
	WaitStage(ctx context.Context, host, stage string, timeout time.Duration) error
	AgreeIdentifier(ctx context.Context, key, proposed string) (string, error)
	ClaimCreate(ctx context.Context, host, key string) (bool, error)
	FinishCreate(ctx context.Context, key, errMessage string) error
	AwaitCreate(ctx context.Context, key string, timeout time.Duration) (string, error)
}

// HostFailedError is returned to waiting hosts once another host reported
// an error.
type HostFailedError struct {
	Host    string
	Message string
}

func (e *HostFailedError) Error() string {
	return fmt.Sprintf("restore failed on host %s: %s", e.Host, e.Message)
}

// StageTimeoutError is returned when hosts did not reach a stage in time.
type StageTimeoutError struct {
	Stage   string
	Waiting []string
}

func (e *StageTimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for hosts %s to reach stage %s", strings.Join(e.Waiting, ", "), e.Stage)
}

// CreateFailedError carries the failure of a create executed by another host.
type CreateFailedError struct {
	Key     string
	Message string
}

func (e *CreateFailedError) Error() string {
	return fmt.Sprintf("creating %s failed on another host: %s", e.Key, e.Message)
}

// Participant is one host's view of a Backend.
type Participant struct {
	backend      Backend
	host         string
	stageTimeout time.Duration
}

// NewParticipant binds host to backend.
func NewParticipant(backend Backend, host string, stageTimeout time.Duration) *Participant {
	return &Participant{backend: backend, host: host, stageTimeout: stageTimeout}
}

// Host returns the host id this participant reports as.
func (p *Participant) Host() string {
	return p.host
}

func (p *Participant) SetStage(ctx context.Context, stage, message string, sync bool) error {
	if err := p.backend.ReportStage(ctx, p.host, stage, message); err != nil {
		return fmt.Errorf("failed to report stage %s: %w", stage, err)
	}
	if !sync {
		return nil
	}
	return p.backend.WaitStage(ctx, p.host, stage, p.stageTimeout)
}

func (p *Participant) SetError(ctx context.Context, cause error) error {
	return p.backend.ReportStage(ctx, p.host, StageError, cause.Error())
}

func (p *Participant) AgreeIdentifier(ctx context.Context, def *schema.Definition) error {
	proposed := def.ID
	if proposed == "" {
		proposed = uuid.NewString()
	}
	agreed, err := p.backend.AgreeIdentifier(ctx, IdentifierKey(def), proposed)
	if err != nil {
		return fmt.Errorf("failed to agree identifier for %s %s: %w", def.Kind, def.Name, err)
	}
	def.ID = agreed
	return nil
}

func (p *Participant) CreateOnce(ctx context.Context, key string, timeout time.Duration, create func(context.Context) error) error {
	owner, err := p.backend.ClaimCreate(ctx, p.host, key)
	if err != nil {
		return err
	}

	if !owner {
		log.Debug().Str("key", key).Str("host", p.host).Msg("Waiting for another host to create object")
		message, err := p.backend.AwaitCreate(ctx, key, timeout)
		if err != nil {
			return err
		}
		if message != "" {
			return &CreateFailedError{Key: key, Message: message}
		}
		return nil
	}

	createCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		createCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	createErr := create(createCtx)
	message := ""
	if createErr != nil {
		message = createErr.Error()
	}
	if err := p.backend.FinishCreate(ctx, key, message); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to publish create outcome")
	}
	return createErr
}

// IdentifierKey is the agreement key of a definition.
func IdentifierKey(def *schema.Definition) string {
	return def.Kind.String() + ":" + def.Name.String()
}

// NewLocal returns coordination for a restore running on a single host.
func NewLocal(host string) *Participant {
	return newHub(HubConfig{Hosts: []string{host}}).Participant(host, 0)
}
