package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_CanonicalOrder(t *testing.T) {
	rows := []Row{
		{Timestamp: 2000, PointName: "zone2.temp", Value: 21.5},
		{Timestamp: 1000, PointName: "zone1.temp", Value: 20.0},
		{Timestamp: 2000, PointName: "zone1.temp", Value: 20.5},
	}

	data, err := Encode(rows)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	got, err := Decode(data)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, Row{Timestamp: 1000, PointName: "zone1.temp", Value: 20.0}, got[0])
	assert.Equal(t, Row{Timestamp: 2000, PointName: "zone1.temp", Value: 20.5}, got[1])
	assert.Equal(t, Row{Timestamp: 2000, PointName: "zone2.temp", Value: 21.5}, got[2])
}

func TestWriter_StreamsInBatches(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	require.NoError(t, w.Write([]Row{{Timestamp: 1, PointName: "a", Value: 1}}))
	require.NoError(t, w.Write([]Row{{Timestamp: 2, PointName: "a", Value: 2}, {Timestamp: 3, PointName: "a", Value: 3}}))
	require.NoError(t, w.Close())
	assert.Equal(t, int64(3), w.Rows())

	got, err := Decode(buf.Bytes())
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestRowCount_FooterOnly(t *testing.T) {
	rows := make([]Row, 500)
	for i := range rows {
		rows[i] = Row{Timestamp: int64(i * 1000), PointName: "meter.kwh", Value: float64(i)}
	}
	data, err := Encode(rows)
	require.NoError(t, err)

	n, err := RowCount(data)
	require.NoError(t, err)
	assert.Equal(t, int64(500), n)
}

func TestEncode_EmptyFileIsReadable(t *testing.T) {
	data, err := Encode(nil)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Empty(t, got)

	n, err := RowCount(data)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDecode_RejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("not a parquet file"))
	assert.Error(t, err)
}
