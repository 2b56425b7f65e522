// Package access models the privileges a restore needs and the rights a
// caller holds.
package access

import (
	"fmt"
	"math/bits"
	"strings"
)

// Flags is a set of privileges.
type Flags uint32

const (
	ShowDatabases Flags = 1 << iota
	ShowTables
	CreateDatabase
	CreateTable
	CreateView
	CreateTemporaryTable
	CreateFunction
	CreateUser
	Insert

	All = ShowDatabases | ShowTables | CreateDatabase | CreateTable | CreateView |
		CreateTemporaryTable | CreateFunction | CreateUser | Insert
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{ShowDatabases, "SHOW DATABASES"},
	{ShowTables, "SHOW TABLES"},
	{CreateDatabase, "CREATE DATABASE"},
	{CreateTable, "CREATE TABLE"},
	{CreateView, "CREATE VIEW"},
	{CreateTemporaryTable, "CREATE TEMPORARY TABLES"},
	{CreateFunction, "CREATE FUNCTION"},
	{CreateUser, "CREATE USER"},
	{Insert, "INSERT"},
}

// Has reports whether every flag in other is set.
func (f Flags) Has(other Flags) bool {
	return f&other == other
}

// Count returns the number of privileges in the set.
func (f Flags) Count() int {
	return bits.OnesCount32(uint32(f))
}

func (f Flags) String() string {
	if f == 0 {
		return "USAGE"
	}
	if f == All {
		return "ALL"
	}
	var names []string
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			names = append(names, fn.name)
		}
	}
	return strings.Join(names, ", ")
}

// ParseFlags parses a comma separated privilege list such as
// "CREATE TABLE, INSERT". "ALL" and "ALL PRIVILEGES" expand to every flag.
func ParseFlags(s string) (Flags, error) {
	var f Flags
	for _, part := range strings.Split(s, ",") {
		name := strings.ToUpper(strings.Join(strings.Fields(part), " "))
		if name == "" {
			continue
		}
		if name == "ALL" || name == "ALL PRIVILEGES" {
			f |= All
			continue
		}
		found := false
		for _, fn := range flagNames {
			if fn.name == name {
				f |= fn.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown privilege %q", part)
		}
	}
	return f, nil
}
