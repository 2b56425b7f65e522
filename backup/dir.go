package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

var errStopWalk = errors.New("stop walk")

// Dir reads a backup stored as a directory tree on the local file system.
type Dir struct {
	root string
}

// NewDir opens a backup rooted at dir.
func NewDir(dir string) (*Dir, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open backup directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("backup path %s is not a directory", dir)
	}
	return &Dir{root: dir}, nil
}

func (d *Dir) abs(p string) string {
	return filepath.Join(d.root, filepath.FromSlash(Clean(p)))
}

func (d *Dir) FileExists(ctx context.Context, p string) (bool, error) {
	info, err := os.Stat(d.abs(p))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

func (d *Dir) HasFiles(ctx context.Context, prefix string) (bool, error) {
	found := false
	err := filepath.WalkDir(d.abs(prefix), func(_ string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.Type().IsRegular() {
			found = true
			return errStopWalk
		}
		return ctx.Err()
	})
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil && !errors.Is(err, errStopWalk) {
		return false, err
	}
	return found, nil
}

func (d *Dir) ListFiles(ctx context.Context, dir string, recursive bool) ([]string, error) {
	base := d.abs(dir)

	if !recursive {
		entries, err := os.ReadDir(base)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, len(entries))
		for _, entry := range entries {
			names = append(names, entry.Name())
		}
		return names, nil
	}

	var names []string
	err := filepath.WalkDir(base, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.Type().IsRegular() {
			return ctx.Err()
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (d *Dir) ReadFile(ctx context.Context, p string) (io.ReadCloser, error) {
	f, err := os.Open(d.abs(p))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, p)
	}
	return f, err
}

func (d *Dir) TotalSize(ctx context.Context, prefix string) (int64, error) {
	var total int64
	err := filepath.WalkDir(d.abs(prefix), func(_ string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	return total, err
}
