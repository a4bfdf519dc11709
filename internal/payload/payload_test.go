package payload

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"geneva-ingest/internal/bond"

	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomBytes(n int, seed int64) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func testSchema(t *testing.T) *bond.Schema {
	t.Helper()
	s, err := bond.BuildSchema("TestStruct", "test", []bond.Field{
		{Name: "user_id", Type: bond.TypeInt32, ID: 1},
		{Name: "msg", Type: bond.TypeString, ID: 2},
	})
	require.NoError(t, err)
	return s
}

func testRow(t *testing.T, s *bond.Schema, event string, id int32, msg string) Row {
	t.Helper()
	data, err := bond.EncodeRow(s, []any{id, msg})
	require.NoError(t, err)
	return Row{Schema: s, EventName: event, Level: 4, StartTime: uint64(1000 + id), Data: data}
}

func TestCompressChunked_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"small", []byte("hello hello hello")},
		{"compressible_multi_chunk", bytes.Repeat([]byte("geneva-row "), 20000)},
		{"random_multi_chunk", randomBytes(3*ChunkSize+17, 1)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, err := CompressChunked(tc.data)
			require.NoError(t, err)

			d, err := DecompressChunked(c)
			require.NoError(t, err)
			assert.Equal(t, len(tc.data), len(d))
			assert.True(t, bytes.Equal(tc.data, d))
		})
	}
}

func TestLiteralBlock_Decodes(t *testing.T) {
	for _, n := range []int{1, 14, 15, 16, 270, 300, 5000} {
		src := randomBytes(n, int64(n))
		blk := literalBlock(nil, src)

		dst := make([]byte, n+16)
		m, err := lz4.UncompressBlock(blk, dst)
		require.NoError(t, err, "n=%d", n)
		assert.Equal(t, src, dst[:m], "n=%d", n)
	}
}

func TestDecompressChunked_Corrupt(t *testing.T) {
	_, err := DecompressChunked([]byte{1, 2})
	assert.ErrorIs(t, err, ErrCorruptChunk)

	_, err = DecompressChunked([]byte{100, 0, 0, 0, 1})
	assert.ErrorIs(t, err, ErrCorruptChunk)
}

func TestBlob_RoundTrip(t *testing.T) {
	s := testSchema(t)
	r1 := testRow(t, s, "Log", 42, "hello")
	r2 := testRow(t, s, "Log", 7, "wörld")

	blob := Blob{
		Metadata: "namespace=ns/eventVersion=Ver1v0/tenant=t/role=r/roleinstance=ri",
		Schemas:  []SchemaEntry{{ID: s.ID(), MD5: s.MD5(), Schema: s.Bytes()}},
		Events: []EventEntry{
			{SchemaID: s.ID(), Level: 4, EventName: "Log", Row: r1.Data},
			{SchemaID: s.ID(), Level: 9, EventName: "Log", Row: r2.Data},
		},
	}

	raw := blob.Bytes()
	assert.Len(t, raw, blob.Size())

	got, err := DecodeBlob(raw)
	require.NoError(t, err)
	assert.Equal(t, blob.Metadata, got.Metadata)
	require.Len(t, got.Schemas, 1)
	assert.Equal(t, s.Bytes(), got.Schemas[0].Schema)
	require.Len(t, got.Events, 2)
	assert.Equal(t, uint8(9), got.Events[1].Level)
	assert.Equal(t, r2.Data, got.Events[1].Row)

	_, err = DecodeBlob(raw[:len(raw)-3])
	assert.ErrorIs(t, err, ErrMalformedBlob)
}

func TestChunker_ScenarioTwoBatches(t *testing.T) {
	s := testSchema(t)
	rows := []Row{testRow(t, s, "Log", 42, "hello"), testRow(t, s, "Log", 42, "hello")}

	batches := ChunkAndCompress(rows, "", Limits{MaxUncompressedBytes: 20})
	require.Len(t, batches, 2)
	for i, b := range batches {
		assert.Equal(t, i, b.Index)
		assert.Equal(t, 1, b.RowCount)
		assert.Equal(t, 13, b.UncompressedSize)
		assert.False(t, b.Oversized)
		assert.NoError(t, b.Err)
	}

	batches = ChunkAndCompress(rows, "", Limits{MaxUncompressedBytes: 26})
	require.Len(t, batches, 1)
	assert.Equal(t, 2, batches[0].RowCount)
}

func TestChunker_SizeInvariant(t *testing.T) {
	s := testSchema(t)
	rnd := rand.New(rand.NewSource(7))

	var rows []Row
	for i := 0; i < 200; i++ {
		msg := string(bytes.Repeat([]byte("m"), rnd.Intn(300)))
		rows = append(rows, testRow(t, s, "Log", int32(i), msg))
	}

	const maxU = 1024
	batches := ChunkAndCompress(rows, "m", Limits{MaxUncompressedBytes: maxU})

	total := 0
	next := int32(0)
	for _, b := range batches {
		require.NoError(t, b.Err)
		assert.True(t, b.UncompressedSize <= maxU || b.RowCount == 1)
		total += b.RowCount

		// row 순서 보존
		raw, err := DecompressChunked(b.Data)
		require.NoError(t, err)
		blob, err := DecodeBlob(raw)
		require.NoError(t, err)
		for _, e := range blob.Events {
			vals, err := bond.DecodeRow(s, e.Row)
			require.NoError(t, err)
			assert.Equal(t, next, vals[0])
			next++
		}
	}
	assert.Equal(t, len(rows), total)
}

func TestChunker_MaxRows(t *testing.T) {
	s := testSchema(t)
	var rows []Row
	for i := 0; i < 7; i++ {
		rows = append(rows, testRow(t, s, "Log", int32(i), "x"))
	}

	batches := ChunkAndCompress(rows, "", Limits{MaxRows: 3})
	require.Len(t, batches, 3)
	assert.Equal(t, []int{3, 3, 1}, []int{batches[0].RowCount, batches[1].RowCount, batches[2].RowCount})

	// 바이트 천장이 먼저 걸리면 그쪽을 따른다
	batches = ChunkAndCompress(rows, "", Limits{MaxRows: 5, MaxUncompressedBytes: 10})
	for _, b := range batches {
		assert.Equal(t, 1, b.RowCount)
	}
	assert.Len(t, batches, 7)

	batches = ChunkAndCompress(rows, "", Limits{})
	require.Len(t, batches, 1)
	assert.Equal(t, 7, batches[0].RowCount)
}

func TestChunker_OversizedSingleton(t *testing.T) {
	s := testSchema(t)
	big := testRow(t, s, "Log", 1, string(bytes.Repeat([]byte("x"), 100)))
	small := testRow(t, s, "Log", 2, "a")

	batches := ChunkAndCompress([]Row{small, big, small}, "", Limits{MaxUncompressedBytes: 50})
	require.Len(t, batches, 3)
	assert.False(t, batches[0].Oversized)
	assert.True(t, batches[1].Oversized)
	assert.Equal(t, 1, batches[1].RowCount)
	assert.False(t, batches[2].Oversized)
}

func TestChunker_SealsOnEventName(t *testing.T) {
	s := testSchema(t)
	rows := []Row{
		testRow(t, s, "A", 1, "x"),
		testRow(t, s, "A", 2, "x"),
		testRow(t, s, "B", 3, "x"),
		testRow(t, s, "A", 4, "x"),
	}

	batches := ChunkAndCompress(rows, "", Limits{})
	require.Len(t, batches, 3)
	assert.Equal(t, "A", batches[0].EventName)
	assert.Equal(t, 2, batches[0].RowCount)
	assert.Equal(t, "B", batches[1].EventName)
	assert.Equal(t, "A", batches[2].EventName)
	assert.Equal(t, uint64(1001), batches[0].StartTime)
	assert.Equal(t, uint64(1002), batches[0].EndTime)
	assert.Equal(t, SchemaIDHash(s.ID()), batches[0].SchemaIDs)
	assert.Len(t, batches[0].SchemaIDs, 32)
}

func TestChunker_CompressedCeilingSplits(t *testing.T) {
	s := testSchema(t)
	var rows []Row
	for i := 0; i < 4; i++ {
		rows = append(rows, testRow(t, s, "Log", int32(i), string(randomBytes(1000, int64(i)))))
	}

	const maxC = 2600
	batches := ChunkAndCompress(rows, "", Limits{MaxCompressedBytes: maxC})
	require.Greater(t, len(batches), 1)

	total := 0
	for _, b := range batches {
		require.NoError(t, b.Err)
		assert.True(t, b.CompressedSize <= maxC || b.RowCount == 1)
		total += b.RowCount
	}
	assert.Equal(t, 4, total)
}

func TestChunker_CompressErrorMarker(t *testing.T) {
	s := testSchema(t)
	rows := []Row{testRow(t, s, "A", 1, "x"), testRow(t, s, "B", 2, "y")}

	c := NewChunker(FromSlice(rows), "", Limits{})
	calls := 0
	c.compress = func(b []byte) ([]byte, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("boom")
		}
		return CompressChunked(b)
	}

	b0, ok := c.Next()
	require.True(t, ok)
	assert.True(t, b0.Failed())
	var ce *CompressError
	require.ErrorAs(t, b0.Err, &ce)
	assert.Equal(t, 0, ce.Index)
	assert.Equal(t, 1, b0.RowCount)

	b1, ok := c.Next()
	require.True(t, ok)
	assert.False(t, b1.Failed())
	assert.Equal(t, 1, b1.Index)

	_, ok = c.Next()
	assert.False(t, ok)
}
