// internal/payload/chunker.go
package payload

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"geneva-ingest/internal/bond"
)

// Row 는 Chunker 입력 한 건. Data 는 bond.EncodeRow 결과이며 이후 변경되지 않는다.
type Row struct {
	Schema    *bond.Schema
	EventName string
	Level     uint8
	StartTime uint64 // unix nanos, 0 = unknown
	EndTime   uint64
	Data      []byte
}

// RowReader 는 pull 방식 row 시퀀스.
type RowReader interface {
	Next() (Row, bool)
}

type sliceReader struct {
	rows []Row
	i    int
}

func (r *sliceReader) Next() (Row, bool) {
	if r.i >= len(r.rows) {
		return Row{}, false
	}
	row := r.rows[r.i]
	r.i++
	return row, true
}

// FromSlice 는 이미 메모리에 있는 row 들을 RowReader 로 감싼다.
func FromSlice(rows []Row) RowReader {
	return &sliceReader{rows: rows}
}

// CompressError 는 한 배치의 압축 실패. 스트림 전체가 아니라 그 배치만 실패한다.
type CompressError struct {
	Index int
	Rows  int
	Err   error
}

func (e *CompressError) Error() string {
	return fmt.Sprintf("compress batch %d (%d rows): %v", e.Index, e.Rows, e.Err)
}

func (e *CompressError) Unwrap() error { return e.Err }

// Batch
//
// 독립적으로 업로드 가능한 단위. 만들어진 뒤에는 변경하지 않는다.
//   - UncompressedSize: 배치에 담긴 row 바이트 합 (천장 비교 기준)
//   - BlobSize: 압축 전 central blob 전체 길이 (헤더/스키마 포함)
//   - Err != nil 이면 압축 실패 마커. Data 는 비어 있고 RowCount 는 시도한 row 수.
type Batch struct {
	Index            int
	EventName        string
	Data             []byte
	RowCount         int
	UncompressedSize int
	BlobSize         int
	CompressedSize   int
	SchemaIDs        string
	StartTime        uint64
	EndTime          uint64
	Oversized        bool
	Err              error
}

func (b *Batch) Failed() bool { return b.Err != nil }

// Limits 는 배치 천장. 0 이하는 제한 없음.
type Limits struct {
	MaxUncompressedBytes int
	MaxCompressedBytes   int
	MaxRows              int
}

// DefaultBatchBytes 는 백엔드 프로토콜에서 관찰된 배치 크기 상한 기본값.
const DefaultBatchBytes = 64 * 1024

// Chunker
//
// RowReader 에서 row 를 끌어와 크기 제한된 배치로 묶고 압축한다.
// Next() 를 호출할 때마다 배치 하나만 만들기 때문에 동시에 메모리에 있는
// 배치는 최대 하나다 (carry 로 되돌린 row 제외).
//
// 봉인(seal) 조건:
//  1. 다음 row 를 더하면 MaxUncompressedBytes 초과
//  2. MaxRows 도달
//  3. event name 이 바뀜 (배치는 event name 하나만 담는다)
//
// 압축 결과가 MaxCompressedBytes 를 넘으면 row 를 반으로 나눠 다시 봉인하고,
// 뒤쪽 절반은 다음 Next() 로 넘긴다.
type Chunker struct {
	src      RowReader
	limits   Limits
	metadata string

	carry []Row
	index int

	compress func([]byte) ([]byte, error)
}

func NewChunker(src RowReader, metadata string, limits Limits) *Chunker {
	return &Chunker{
		src:      src,
		limits:   limits,
		metadata: metadata,
		compress: CompressChunked,
	}
}

// ChunkAndCompress 는 rows 전부를 배치로 만든다. 작은 입력/테스트용 편의 함수.
func ChunkAndCompress(rows []Row, metadata string, limits Limits) []*Batch {
	c := NewChunker(FromSlice(rows), metadata, limits)
	var out []*Batch
	for {
		b, ok := c.Next()
		if !ok {
			return out
		}
		out = append(out, b)
	}
}

func (c *Chunker) pull() (Row, bool) {
	if len(c.carry) > 0 {
		r := c.carry[0]
		c.carry = c.carry[1:]
		return r, true
	}
	return c.src.Next()
}

func (c *Chunker) pushBack(rows ...Row) {
	c.carry = append(append(make([]Row, 0, len(rows)+len(c.carry)), rows...), c.carry...)
}

// Next 는 다음 배치를 반환한다. 더 없으면 (nil, false).
func (c *Chunker) Next() (*Batch, bool) {
	rows := c.fill()
	if len(rows) == 0 {
		return nil, false
	}

	for {
		b := c.seal(rows)
		if b.Err == nil && c.limits.MaxCompressedBytes > 0 &&
			b.CompressedSize > c.limits.MaxCompressedBytes && len(rows) > 1 {
			half := len(rows) / 2
			c.pushBack(rows[half:]...)
			rows = rows[:half]
			continue
		}

		if len(rows) == 1 {
			overU := c.limits.MaxUncompressedBytes > 0 && b.UncompressedSize > c.limits.MaxUncompressedBytes
			overC := c.limits.MaxCompressedBytes > 0 && b.CompressedSize > c.limits.MaxCompressedBytes
			b.Oversized = overU || overC
		}

		b.Index = c.index
		if ce, ok := b.Err.(*CompressError); ok {
			ce.Index = c.index
		}
		c.index++
		return b, true
	}
}

func (c *Chunker) fill() []Row {
	var (
		rows []Row
		size int
	)
	for {
		if c.limits.MaxRows > 0 && len(rows) >= c.limits.MaxRows {
			return rows
		}
		r, ok := c.pull()
		if !ok {
			return rows
		}
		if len(rows) > 0 {
			if r.EventName != rows[0].EventName ||
				(c.limits.MaxUncompressedBytes > 0 && size+len(r.Data) > c.limits.MaxUncompressedBytes) {
				c.pushBack(r)
				return rows
			}
		}
		rows = append(rows, r)
		size += len(r.Data)
	}
}

// seal 은 rows 로 blob 을 만들고 압축한다.
func (c *Chunker) seal(rows []Row) *Batch {
	blob := Blob{
		Metadata: c.metadata,
		Events:   make([]EventEntry, 0, len(rows)),
	}
	b := &Batch{
		EventName: rows[0].EventName,
		RowCount:  len(rows),
	}

	seen := make(map[uint64]struct{}, 4)
	var ids []string
	for _, r := range rows {
		id := r.Schema.ID()
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			blob.Schemas = append(blob.Schemas, SchemaEntry{ID: id, MD5: r.Schema.MD5(), Schema: r.Schema.Bytes()})
			ids = append(ids, SchemaIDHash(id))
		}
		blob.Events = append(blob.Events, EventEntry{
			SchemaID:  id,
			Level:     r.Level,
			EventName: r.EventName,
			Row:       r.Data,
		})
		b.UncompressedSize += len(r.Data)

		if r.StartTime != 0 && (b.StartTime == 0 || r.StartTime < b.StartTime) {
			b.StartTime = r.StartTime
		}
		end := r.EndTime
		if end == 0 {
			end = r.StartTime
		}
		if end > b.EndTime {
			b.EndTime = end
		}
	}
	b.SchemaIDs = strings.Join(ids, ";")

	raw := blob.Bytes()
	b.BlobSize = len(raw)

	data, err := c.compress(raw)
	if err != nil {
		b.Err = &CompressError{Rows: len(rows), Err: err}
		return b
	}
	b.Data = data
	b.CompressedSize = len(data)
	return b
}

// SchemaIDHash 는 schemaIds 쿼리 파라미터에 들어가는 형식 (id LE 바이트의 md5 hex).
func SchemaIDHash(id uint64) string {
	var le [8]byte
	binary.LittleEndian.PutUint64(le[:], id)
	sum := md5.Sum(le[:])
	return hex.EncodeToString(sum[:])
}
