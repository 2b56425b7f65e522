// Package backup provides read access to a backup's file tree.
//
// Paths are slash separated and relative to the backup root; a leading "/" is
// accepted and ignored. Directories are implicit: a directory exists when at
// least one file lives below it.
package backup

import (
	"context"
	"errors"
	"io"
	"path"
	"sort"
	"strings"
)

// ErrFileNotFound is returned by ReadFile when no file exists at the path.
var ErrFileNotFound = errors.New("backup file not found")

// Reader is the read-only view of a backup used by restore.
type Reader interface {
	// FileExists reports whether a file exists at exactly this path.
	FileExists(ctx context.Context, p string) (bool, error)
	// HasFiles reports whether any file exists below the directory prefix.
	HasFiles(ctx context.Context, prefix string) (bool, error)
	// ListFiles returns the names of entries in dir. Non-recursive listings
	// return immediate children (files and directories); recursive listings
	// return every file path relative to dir.
	ListFiles(ctx context.Context, dir string, recursive bool) ([]string, error)
	// ReadFile opens a file for reading.
	ReadFile(ctx context.Context, p string) (io.ReadCloser, error)
}

// Sizer is implemented by readers that can report the size of a subtree.
type Sizer interface {
	TotalSize(ctx context.Context, prefix string) (int64, error)
}

// ReadAll reads a whole file from the backup.
func ReadAll(ctx context.Context, r Reader, p string) ([]byte, error) {
	rc, err := r.ReadFile(ctx, p)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Clean normalizes a backup path to the "a/b/c" form without leading slash.
func Clean(p string) string {
	p = path.Clean("/" + p)
	return strings.TrimPrefix(p, "/")
}

// dirPrefix returns the key prefix for entries below dir ("" for root).
func dirPrefix(dir string) string {
	dir = Clean(dir)
	if dir == "" {
		return ""
	}
	return dir + "/"
}

// childrenOf extracts immediate children or recursive relative names of dir
// from a set of file keys, sorted.
func childrenOf(keys []string, dir string, recursive bool) []string {
	prefix := dirPrefix(dir)
	seen := make(map[string]struct{})
	var names []string
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := key[len(prefix):]
		if rest == "" {
			continue
		}
		if !recursive {
			if i := strings.IndexByte(rest, '/'); i >= 0 {
				rest = rest[:i]
			}
		}
		if _, ok := seen[rest]; ok {
			continue
		}
		seen[rest] = struct{}{}
		names = append(names, rest)
	}
	sort.Strings(names)
	return names
}
