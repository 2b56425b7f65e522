package encoding

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalKeepsStrings(t *testing.T) {
	data, err := Marshal(map[string]interface{}{"id": "rec_1", "n": 3})
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, Unmarshal(data, &decoded))
	assert.IsType(t, "", decoded["id"])
	assert.Equal(t, "rec_1", decoded["id"])
}

func TestRowFileRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewRowWriter(&buf)
	require.NoError(t, err)

	first := RowBatch{Columns: []string{"id", "name"}, Rows: [][]interface{}{{1, "a"}, {2, "b"}}}
	second := RowBatch{Columns: []string{"id", "name"}, Rows: [][]interface{}{{3, nil}}}
	require.NoError(t, w.Write(first))
	require.NoError(t, w.Write(second))
	require.NoError(t, w.Close())

	r, err := NewRowReader(&buf)
	require.NoError(t, err)
	defer r.Close()

	batch, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name"}, batch.Columns)
	require.Len(t, batch.Rows, 2)
	assert.Equal(t, "b", batch.Rows[1][1])

	batch, err = r.Next()
	require.NoError(t, err)
	require.Len(t, batch.Rows, 1)
	assert.Nil(t, batch.Rows[0][1])

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestRowWriterRejectsRaggedRows(t *testing.T) {
	w, err := NewRowWriter(io.Discard)
	require.NoError(t, err)
	defer w.Close()

	err = w.Write(RowBatch{Columns: []string{"id"}, Rows: [][]interface{}{{1, 2}}})
	assert.Error(t, err)
}

func TestIsDataFile(t *testing.T) {
	assert.True(t, IsDataFile("part-0001.rows.zst"))
	assert.False(t, IsDataFile("checksums.txt"))
}
