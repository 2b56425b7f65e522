package access

import (
	"fmt"
	"strings"
	"sync"
)

// Element grants or requires privileges on an object. An empty Database means
// every database; an empty Table means every table in Database.
type Element struct {
	Flags    Flags
	Database string
	Table    string
}

func (e Element) covers(database, table string) bool {
	if e.Database == "" {
		return true
	}
	if e.Database != database {
		return false
	}
	return e.Table == "" || e.Table == table
}

// Target formats the object part of the element: "*.*", "db.*" or "db.t".
func (e Element) Target() string {
	db, table := e.Database, e.Table
	if db == "" {
		return "*.*"
	}
	if table == "" {
		table = "*"
	}
	return db + "." + table
}

func (e Element) String() string {
	return e.Flags.String() + " ON " + e.Target()
}

// Elements is a list of privilege requirements.
type Elements []Element

func (es Elements) String() string {
	parts := make([]string, len(es))
	for i, e := range es {
		parts[i] = e.String()
	}
	return strings.Join(parts, ", ")
}

// ParseElement parses "CREATE TABLE, INSERT ON db.*".
func ParseElement(s string) (Element, error) {
	idx := strings.LastIndex(strings.ToUpper(s), " ON ")
	if idx < 0 {
		return Element{}, fmt.Errorf("privilege %q has no ON clause", s)
	}
	flags, err := ParseFlags(s[:idx])
	if err != nil {
		return Element{}, err
	}

	e := Element{Flags: flags}
	target := strings.TrimSpace(s[idx+4:])
	db, table, _ := strings.Cut(target, ".")
	if db != "*" {
		e.Database = db
	}
	if table != "*" && table != "" {
		if e.Database == "" {
			return Element{}, fmt.Errorf("privilege %q names a table without a database", s)
		}
		e.Table = table
	}
	return e, nil
}

// Rights is a set of grants minus a set of revokes. A revoke applies to every
// grant it overlaps, so a global grant combined with a narrow revoke leaves
// the revoked object uncovered.
type Rights struct {
	mu      sync.RWMutex
	grants  []Element
	revokes []Element
}

// NewRights creates an empty rights set.
func NewRights() *Rights {
	return &Rights{}
}

// Grant adds privileges.
func (r *Rights) Grant(e Element) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.grants = append(r.grants, e)
}

// Revoke removes privileges.
func (r *Rights) Revoke(e Element) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revokes = append(r.revokes, e)
}

// Allowed returns the privileges held on an object.
func (r *Rights) Allowed(database, table string) Flags {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var granted Flags
	for _, g := range r.grants {
		if g.covers(database, table) {
			granted |= g.Flags
		}
	}
	for _, rv := range r.revokes {
		if rv.covers(database, table) {
			granted &^= rv.Flags
		}
	}
	return granted
}

// Contains reports whether every required element is covered.
func (r *Rights) Contains(required Elements) bool {
	return len(r.Missing(required)) == 0
}

// Missing returns the part of required that is not covered.
func (r *Rights) Missing(required Elements) Elements {
	var missing Elements
	for _, e := range required {
		lacking := e.Flags &^ r.Allowed(e.Database, e.Table)
		if lacking != 0 {
			missing = append(missing, Element{Flags: lacking, Database: e.Database, Table: e.Table})
		}
	}
	return missing
}
