package coordination

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := OpenStore(dir)
	require.NoError(t, err)

	hub, err := NewHub(HubConfig{RestoreID: "r1", Hosts: []string{"h1"}, Store: store})
	require.NoError(t, err)

	id, err := hub.AgreeIdentifier(ctx, "table:db1.t1", "uuid-1")
	require.NoError(t, err)
	assert.Equal(t, "uuid-1", id)
	require.NoError(t, hub.ReportStage(ctx, "h1", "creating-tables", "3 tables"))
	require.NoError(t, store.Close())

	store, err = OpenStore(dir)
	require.NoError(t, err)
	defer store.Close()

	hub, err = NewHub(HubConfig{RestoreID: "r1", Hosts: []string{"h1"}, Store: store})
	require.NoError(t, err)

	id, err = hub.AgreeIdentifier(ctx, "table:db1.t1", "uuid-2")
	require.NoError(t, err)
	assert.Equal(t, "uuid-1", id)

	reports := hub.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, "3 tables", reports[0].Message)

	require.NoError(t, hub.WaitStage(ctx, "h1", "creating-tables", 0))
}

func TestStoreForget(t *testing.T) {
	store, err := OpenStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.SaveIdentifier("r1", "table:a", "1"))
	require.NoError(t, store.SaveIdentifier("r2", "table:a", "2"))
	require.NoError(t, store.Forget("r1"))

	ids, err := store.Identifiers("r1")
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = store.Identifiers("r2")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"table:a": "2"}, ids)
}
