package coordination

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maxpert/marmot-restore/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T, hosts ...string) *Hub {
	t.Helper()
	hub, err := NewHub(HubConfig{RestoreID: "r1", Hosts: hosts})
	require.NoError(t, err)
	return hub
}

func TestStageBarrierWaitsForAllHosts(t *testing.T) {
	hub := newTestHub(t, "h1", "h2")
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		done <- hub.Participant("h1", time.Second).SetStage(ctx, "creating-tables", "", true)
	}()

	select {
	case err := <-done:
		t.Fatalf("barrier released before h2 arrived: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, hub.Participant("h2", time.Second).SetStage(ctx, "creating-tables", "", true))
	require.NoError(t, <-done)
}

func TestStageBarrierTimeout(t *testing.T) {
	hub := newTestHub(t, "h1", "h2")

	err := hub.Participant("h1", 20*time.Millisecond).SetStage(context.Background(), "finding-tables", "", true)
	var timeout *StageTimeoutError
	require.True(t, errors.As(err, &timeout), "got %v", err)
	assert.Equal(t, []string{"h2"}, timeout.Waiting)
	assert.Equal(t, "finding-tables", timeout.Stage)
}

func TestUnsyncedStageDoesNotWait(t *testing.T) {
	hub := newTestHub(t, "h1", "h2")
	require.NoError(t, hub.Participant("h1", time.Millisecond).SetStage(context.Background(), "completed", "", false))

	reports := hub.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, "completed", reports[0].Stage)
}

func TestHostFailureReleasesWaiters(t *testing.T) {
	hub := newTestHub(t, "h1", "h2")
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		done <- hub.Participant("h1", time.Second).SetStage(ctx, "inserting-data", "", true)
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, hub.Participant("h2", time.Second).SetError(ctx, errors.New("disk full")))

	err := <-done
	var failed *HostFailedError
	require.True(t, errors.As(err, &failed), "got %v", err)
	assert.Equal(t, "h2", failed.Host)
	assert.Equal(t, "disk full", failed.Message)
}

func TestWaitHonorsContext(t *testing.T) {
	hub := newTestHub(t, "h1", "h2")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := hub.Participant("h1", 0).SetStage(ctx, "finalizing", "", true)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAgreeIdentifier(t *testing.T) {
	hub := newTestHub(t, "h1", "h2")
	ctx := context.Background()

	p, err := schema.NewParser(0)
	require.NoError(t, err)

	first, err := p.Parse("CREATE TABLE t1 (id INT)", "db1")
	require.NoError(t, err)
	second := first.Clone()

	require.NoError(t, hub.Participant("h1", 0).AgreeIdentifier(ctx, first))
	require.NoError(t, hub.Participant("h2", 0).AgreeIdentifier(ctx, second))

	assert.NotEmpty(t, first.ID)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "table:db1.t1", IdentifierKey(first))
}

func TestCreateOnceRunsOnSingleHost(t *testing.T) {
	hub := newTestHub(t, "h1", "h2", "h3")
	ctx := context.Background()

	var runs atomic.Int32
	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i, host := range []string{"h1", "h2", "h3"} {
		wg.Add(1)
		go func(i int, host string) {
			defer wg.Done()
			errs[i] = hub.Participant(host, 0).CreateOnce(ctx, "db1.t1", time.Second, func(context.Context) error {
				runs.Add(1)
				time.Sleep(10 * time.Millisecond)
				return nil
			})
		}(i, host)
	}
	wg.Wait()

	assert.Equal(t, int32(1), runs.Load())
	for _, err := range errs {
		assert.NoError(t, err)
	}
}

func TestCreateOncePropagatesFailure(t *testing.T) {
	hub := newTestHub(t, "h1", "h2")
	ctx := context.Background()

	err := hub.Participant("h1", 0).CreateOnce(ctx, "db1.t1", time.Second, func(context.Context) error {
		return errors.New("engine not available")
	})
	require.Error(t, err)

	err = hub.Participant("h2", 0).CreateOnce(ctx, "db1.t1", time.Second, func(context.Context) error {
		t.Fatal("second host must not create")
		return nil
	})
	var failed *CreateFailedError
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, "engine not available", failed.Message)
}

func TestCreateOnceTimesOut(t *testing.T) {
	hub := newTestHub(t, "h1", "h2")
	ctx := context.Background()

	owner, err := hub.ClaimCreate(ctx, "h1", "db1.slow")
	require.NoError(t, err)
	require.True(t, owner)

	err = hub.Participant("h2", 0).CreateOnce(ctx, "db1.slow", 20*time.Millisecond, func(context.Context) error {
		return nil
	})
	assert.Error(t, err)
}

func TestLocalCoordination(t *testing.T) {
	local := NewLocal("solo")
	ctx := context.Background()

	require.NoError(t, local.SetStage(ctx, "finding-tables", "", true))
	assert.Equal(t, "solo", local.Host())

	called := false
	require.NoError(t, local.CreateOnce(ctx, "x", 0, func(context.Context) error {
		called = true
		return nil
	}))
	assert.True(t, called)
}
