package publisher

import (
	"fmt"

	"github.com/gobwas/glob"
)

// GlobFilter filters restore events by database and table glob patterns and
// by event kind
type GlobFilter struct {
	tableGlobs    []glob.Glob
	databaseGlobs []glob.Glob
	kinds         map[EventKind]bool
}

// NewGlobFilter creates a new glob-based filter.
// Empty patterns match everything
func NewGlobFilter(tablePatterns, dbPatterns []string) (*GlobFilter, error) {
	filter := &GlobFilter{
		tableGlobs:    make([]glob.Glob, 0, len(tablePatterns)),
		databaseGlobs: make([]glob.Glob, 0, len(dbPatterns)),
	}

	for _, pattern := range tablePatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid table pattern %q: %w", pattern, err)
		}
		filter.tableGlobs = append(filter.tableGlobs, g)
	}

	for _, pattern := range dbPatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid database pattern %q: %w", pattern, err)
		}
		filter.databaseGlobs = append(filter.databaseGlobs, g)
	}

	return filter, nil
}

// WithKinds restricts the filter to the given event kinds
func (f *GlobFilter) WithKinds(kinds ...string) (*GlobFilter, error) {
	if len(kinds) == 0 {
		return f, nil
	}
	f.kinds = make(map[EventKind]bool, len(kinds))
	for _, k := range kinds {
		kind := EventKind(k)
		switch kind {
		case EventStage, EventTable, EventError:
			f.kinds[kind] = true
		default:
			return nil, fmt.Errorf("unknown event kind %q", k)
		}
	}
	return f, nil
}

// Match returns true if the event passes the filter. Events not about a
// database (stage changes, failures) are only subject to the kind filter.
func (f *GlobFilter) Match(event Event) bool {
	if f.kinds != nil && !f.kinds[event.Kind] {
		return false
	}
	if event.Database == "" && event.Table == "" {
		return true
	}
	return f.MatchName(event.Database, event.Table)
}

// MatchName returns true if the database and table match the configured patterns
func (f *GlobFilter) MatchName(database, table string) bool {
	if !matchAny(f.databaseGlobs, database) {
		return false
	}
	return matchAny(f.tableGlobs, table)
}

// matchAny reports whether s matches one of globs; no globs match everything.
func matchAny(globs []glob.Glob, s string) bool {
	if len(globs) == 0 {
		return true
	}
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}
