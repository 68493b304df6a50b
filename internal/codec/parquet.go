// Package codec encodes day files as Snappy-compressed parquet. Files
// carry three columns (timestamp, point_name, value) and rows ordered by
// (timestamp, point_name); ordering is the caller's job, the writer only
// streams.
package codec

import (
	"bytes"
	"fmt"
	"io"
	"sort"

	"github.com/parquet-go/parquet-go"
)

// Row is one archived reading.
type Row struct {
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"`
	PointName string  `parquet:"point_name"`
	Value     float64 `parquet:"value"`
}

// Writer streams rows into a parquet file without holding the full set.
type Writer struct {
	gw   *parquet.GenericWriter[Row]
	rows int64
}

// NewWriter starts a parquet file on dst. Compression is Snappy, set
// explicitly rather than left to library defaults.
func NewWriter(dst io.Writer) *Writer {
	return &Writer{
		gw: parquet.NewGenericWriter[Row](dst, parquet.Compression(&parquet.Snappy)),
	}
}

// Write appends rows in the order given.
func (w *Writer) Write(rows []Row) error {
	n, err := w.gw.Write(rows)
	w.rows += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write parquet rows: %w", err)
	}
	return nil
}

// Close flushes the footer. The file is unreadable until Close returns.
func (w *Writer) Close() error {
	if err := w.gw.Close(); err != nil {
		return fmt.Errorf("failed to close parquet writer: %w", err)
	}
	return nil
}

// Rows reports how many rows have been written so far.
func (w *Writer) Rows() int64 { return w.rows }

// Encode writes rows as one parquet file, sorting them into the canonical
// (timestamp, point_name) order first.
func Encode(rows []Row) ([]byte, error) {
	SortRows(rows)
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if len(rows) > 0 {
		if err := w.Write(rows); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode reads every row of an encoded file.
func Decode(data []byte) ([]Row, error) {
	rows, err := parquet.Read[Row](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to read parquet rows: %w", err)
	}
	return rows, nil
}

// RowCount reads only the footer, cheap even for large files.
func RowCount(data []byte) (int64, error) {
	f, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("failed to open parquet footer: %w", err)
	}
	return f.NumRows(), nil
}

// SortRows orders rows by (timestamp, point_name), the canonical file order.
func SortRows(rows []Row) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Timestamp != rows[j].Timestamp {
			return rows[i].Timestamp < rows[j].Timestamp
		}
		return rows[i].PointName < rows[j].PointName
	})
}
