package backup

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-memory backup, used by tests and for staging small backups.
type Memory struct {
	mu    sync.RWMutex
	files map[string][]byte
}

// NewMemory creates an empty in-memory backup.
func NewMemory() *Memory {
	return &Memory{files: make(map[string][]byte)}
}

// Put stores a file, replacing any previous content.
func (m *Memory) Put(p string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[Clean(p)] = data
}

// PutString is Put for text files.
func (m *Memory) PutString(p, data string) {
	m.Put(p, []byte(data))
}

func (m *Memory) keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.files))
	for k := range m.files {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *Memory) FileExists(ctx context.Context, p string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.files[Clean(p)]
	return ok, nil
}

func (m *Memory) HasFiles(ctx context.Context, prefix string) (bool, error) {
	pfx := dirPrefix(prefix)
	for _, key := range m.keys() {
		if strings.HasPrefix(key, pfx) {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) ListFiles(ctx context.Context, dir string, recursive bool) ([]string, error) {
	return childrenOf(m.keys(), dir, recursive), nil
}

func (m *Memory) ReadFile(ctx context.Context, p string) (io.ReadCloser, error) {
	m.mu.RLock()
	data, ok := m.files[Clean(p)]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, p)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *Memory) TotalSize(ctx context.Context, prefix string) (int64, error) {
	pfx := dirPrefix(prefix)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total int64
	for key, data := range m.files {
		if strings.HasPrefix(key, pfx) {
			total += int64(len(data))
		}
	}
	return total, nil
}
