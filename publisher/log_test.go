package publisher

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/maxpert/marmot-restore/hlc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T) *EventLog {
	t.Helper()
	el, err := OpenEventLog(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { el.Close() })
	return el
}

func stageEvents(n int) []Event {
	events := make([]Event, n)
	for i := range events {
		events[i] = Event{
			RestoreID: "r1",
			Host:      "h1",
			Kind:      EventTable,
			Database:  "db",
			Table:     fmt.Sprintf("t%d", i),
		}
	}
	return events
}

func TestEventLogAppendAndRead(t *testing.T) {
	el := openTestLog(t)

	events := []Event{
		{RestoreID: "r1", Host: "h1", NodeID: 7, Kind: EventStage, Stage: "finding-tables",
			Time: hlc.Timestamp{WallTime: 1000, Logical: 2, NodeID: 7}},
		{RestoreID: "r1", Host: "h1", NodeID: 7, Kind: EventTable, Database: "shop", Table: "orders"},
	}
	require.NoError(t, el.Append(events))

	assert.Equal(t, uint64(1), events[0].SeqNum)
	assert.Equal(t, uint64(2), events[1].SeqNum)
	assert.Equal(t, uint64(2), el.LastSeq())

	read, err := el.ReadFrom(0, 10)
	require.NoError(t, err)
	require.Len(t, read, 2)
	assert.Equal(t, events[0], read[0])
	assert.Equal(t, events[1], read[1])
}

func TestEventLogReadWithLimit(t *testing.T) {
	el := openTestLog(t)
	require.NoError(t, el.Append(stageEvents(10)))

	read, err := el.ReadFrom(0, 5)
	require.NoError(t, err)
	require.Len(t, read, 5)
	assert.Equal(t, uint64(1), read[0].SeqNum)
	assert.Equal(t, uint64(5), read[4].SeqNum)

	read, err = el.ReadFrom(5, 3)
	require.NoError(t, err)
	require.Len(t, read, 3)
	assert.Equal(t, uint64(6), read[0].SeqNum)

	read, err = el.ReadFrom(10, 0)
	require.NoError(t, err)
	assert.Empty(t, read)
}

func TestEventLogEmpty(t *testing.T) {
	el := openTestLog(t)

	require.NoError(t, el.Append(nil))
	read, err := el.ReadFrom(0, 10)
	require.NoError(t, err)
	assert.Empty(t, read)
	assert.Equal(t, uint64(0), el.LastSeq())
}

func TestEventLogCursors(t *testing.T) {
	el := openTestLog(t)

	cursor, err := el.GetCursor("sink1")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), cursor)

	require.NoError(t, el.AdvanceCursor("sink1", 10))
	require.NoError(t, el.AdvanceCursor("sink2", 5))

	cursor, err = el.GetCursor("sink1")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), cursor)

	cursor, err = el.GetCursor("sink2")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), cursor)
}

func TestEventLogPersistence(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "events")

	el1, err := OpenEventLog(dir)
	require.NoError(t, err)
	require.NoError(t, el1.Append(stageEvents(3)))
	require.NoError(t, el1.AdvanceCursor("sink1", 2))
	require.NoError(t, el1.Close())

	el2, err := OpenEventLog(dir)
	require.NoError(t, err)
	defer el2.Close()

	cursor, err := el2.GetCursor("sink1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cursor)

	more := stageEvents(1)
	require.NoError(t, el2.Append(more))
	assert.Equal(t, uint64(4), more[0].SeqNum)

	read, err := el2.ReadFrom(cursor, 10)
	require.NoError(t, err)
	require.Len(t, read, 2)
	assert.Equal(t, "t2", read[0].Table)
}

func TestEventLogCleanup(t *testing.T) {
	el := openTestLog(t)
	require.NoError(t, el.Append(stageEvents(10)))

	require.NoError(t, el.AdvanceCursor("fast", 8))
	require.NoError(t, el.AdvanceCursor("slow", 4))
	el.cleanup()

	// Everything the slowest sink consumed is gone
	read, err := el.ReadFrom(0, 20)
	require.NoError(t, err)
	require.Len(t, read, 6)
	assert.Equal(t, uint64(5), read[0].SeqNum)
}

func TestEventLogCleanupWithoutCursors(t *testing.T) {
	el := openTestLog(t)
	require.NoError(t, el.Append(stageEvents(3)))

	el.cleanup()

	read, err := el.ReadFrom(0, 10)
	require.NoError(t, err)
	assert.Len(t, read, 3)
}

func TestEventLogConcurrentAppends(t *testing.T) {
	el := openTestLog(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, el.Append(stageEvents(5)))
		}()
	}
	wg.Wait()

	read, err := el.ReadFrom(0, 100)
	require.NoError(t, err)
	require.Len(t, read, 40)
	for i, e := range read {
		assert.Equal(t, uint64(i+1), e.SeqNum)
	}
}

func TestEventLogClosed(t *testing.T) {
	el, err := OpenEventLog(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, el.Close())

	assert.Error(t, el.Close())
	assert.Error(t, el.Append(stageEvents(1)))
	_, err = el.ReadFrom(0, 1)
	assert.Error(t, err)
	assert.Error(t, el.AdvanceCursor("sink", 1))
}

func TestFormatEventKey(t *testing.T) {
	assert.Equal(t, "/restorelog/0000000000000001", formatEventKey(1))
	assert.Equal(t, "/restorelog/00000000000000ff", formatEventKey(255))
	assert.Less(t, formatEventKey(9), formatEventKey(10))
}

func TestPrefixUpperBound(t *testing.T) {
	assert.Equal(t, []byte("/restorelog0"), prefixUpperBound([]byte("/restorelog/")))
	assert.Equal(t, []byte{0x02}, prefixUpperBound([]byte{0x01, 0xff}))
	assert.Nil(t, prefixUpperBound([]byte{0xff, 0xff}))
}
