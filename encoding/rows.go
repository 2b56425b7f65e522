package encoding

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// DataFileSuffix marks table data files inside a backup's data directory.
const DataFileSuffix = ".rows.zst"

// IsDataFile reports whether a backup file name holds row batches.
func IsDataFile(name string) bool {
	return strings.HasSuffix(name, DataFileSuffix)
}

// RowBatch is one block of rows sharing a column list.
type RowBatch struct {
	Columns []string        `msgpack:"c"`
	Rows    [][]interface{} `msgpack:"r"`
}

// RowWriter writes a data file: a zstd stream of consecutive msgpack encoded
// RowBatch values.
type RowWriter struct {
	zw  *zstd.Encoder
	enc *msgpack.Encoder
}

// NewRowWriter starts a data file on w.
func NewRowWriter(w io.Writer) (*RowWriter, error) {
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	return &RowWriter{zw: zw, enc: msgpack.NewEncoder(zw)}, nil
}

// Write appends a batch.
func (w *RowWriter) Write(batch RowBatch) error {
	for i, row := range batch.Rows {
		if len(row) != len(batch.Columns) {
			return fmt.Errorf("row %d has %d values for %d columns", i, len(row), len(batch.Columns))
		}
	}
	return w.enc.Encode(&batch)
}

// Close flushes the compressed stream.
func (w *RowWriter) Close() error {
	return w.zw.Close()
}

// RowReader reads a data file written by RowWriter.
type RowReader struct {
	zr  *zstd.Decoder
	dec *msgpack.Decoder
}

// NewRowReader opens a data file.
func NewRowReader(r io.Reader) (*RowReader, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	dec := msgpack.NewDecoder(zr)
	dec.UseLooseInterfaceDecoding(true)
	return &RowReader{zr: zr, dec: dec}, nil
}

// Next returns the next batch, or io.EOF after the last one.
func (r *RowReader) Next() (RowBatch, error) {
	var batch RowBatch
	err := r.dec.Decode(&batch)
	if errors.Is(err, io.EOF) {
		return RowBatch{}, io.EOF
	}
	if err != nil {
		return RowBatch{}, fmt.Errorf("corrupt data file: %w", err)
	}
	return batch, nil
}

// Close releases the decoder.
func (r *RowReader) Close() {
	r.zr.Close()
}
