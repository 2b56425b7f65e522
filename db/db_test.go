package db

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/maxpert/marmot-restore/backup"
	"github.com/maxpert/marmot-restore/encoding"
	"github.com/maxpert/marmot-restore/hlc"
	"github.com/maxpert/marmot-restore/schema"
	"github.com/stretchr/testify/require"
)

// collectedTasks is a DataTasks that records what storages register.
type collectedTasks struct {
	mu    sync.Mutex
	tasks []DataTask
}

func (c *collectedTasks) Add(task DataTask) error {
	return c.AddAll([]DataTask{task})
}

func (c *collectedTasks) AddAll(tasks []DataTask) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks = append(c.tasks, tasks...)
	return nil
}

func (c *collectedTasks) runAll(t *testing.T) {
	t.Helper()
	for _, task := range c.tasks {
		require.NoError(t, task(context.Background()))
	}
}

func newTestParser(t *testing.T) *schema.Parser {
	t.Helper()
	p, err := schema.NewParser(32)
	require.NoError(t, err)
	return p
}

func mustParse(t *testing.T, p *schema.Parser, text, database string) *schema.Definition {
	t.Helper()
	def, err := p.Parse(text, database)
	require.NoError(t, err)
	return def
}

func newTestLocks() *TableLockManager {
	return NewTableLockManager(hlc.NewClock(1), 0)
}

func putRows(t *testing.T, m *backup.Memory, p string, batches ...encoding.RowBatch) {
	t.Helper()
	var buf bytes.Buffer
	w, err := encoding.NewRowWriter(&buf)
	require.NoError(t, err)
	for _, b := range batches {
		require.NoError(t, w.Write(b))
	}
	require.NoError(t, w.Close())
	m.Put(p, buf.Bytes())
}
