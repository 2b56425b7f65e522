package access

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Control is the access-control service consulted before a restore mutates
// anything.
type Control interface {
	// EffectiveRights returns the caller's current rights.
	EffectiveRights(ctx context.Context) (*Rights, error)
	// Check fails with a *MissingAccessError when required is not covered.
	Check(ctx context.Context, required Elements) error
}

// MissingAccessError lists privileges the caller lacks.
type MissingAccessError struct {
	User    string
	Missing Elements
}

func (e *MissingAccessError) Error() string {
	return fmt.Sprintf("%s: not enough privileges, missing %s", e.User, e.Missing)
}

// StaticControl checks requirements against a fixed rights set, typically
// built from configuration.
type StaticControl struct {
	user   string
	rights *Rights
	checks atomic.Int64
}

// NewStaticControl wraps rights for user.
func NewStaticControl(user string, rights *Rights) *StaticControl {
	return &StaticControl{user: user, rights: rights}
}

// NewStaticControlFromStrings parses grants and revokes like "INSERT ON db.*".
func NewStaticControlFromStrings(user string, grants, revokes []string) (*StaticControl, error) {
	rights := NewRights()
	for _, g := range grants {
		e, err := ParseElement(g)
		if err != nil {
			return nil, err
		}
		rights.Grant(e)
	}
	for _, rv := range revokes {
		e, err := ParseElement(rv)
		if err != nil {
			return nil, err
		}
		rights.Revoke(e)
	}
	return NewStaticControl(user, rights), nil
}

func (c *StaticControl) EffectiveRights(ctx context.Context) (*Rights, error) {
	return c.rights, nil
}

func (c *StaticControl) Check(ctx context.Context, required Elements) error {
	c.checks.Add(1)
	missing := c.rights.Missing(required)
	if len(missing) == 0 {
		return nil
	}
	log.Debug().Str("user", c.user).Str("missing", missing.String()).Msg("Access check failed")
	return &MissingAccessError{User: c.user, Missing: missing}
}

// Checks returns how many times Check was called.
func (c *StaticControl) Checks() int64 {
	return c.checks.Load()
}
