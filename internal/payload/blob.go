// internal/payload/blob.go
package payload

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf16"
)

// ------------------------------------------------------------
// Central blob 프레이밍
//
//	header    : version u32 (=1) | format u32 (=2)
//	metadata  : u32 바이트 길이 | UTF-16LE
//	schema    : type u16 (=0) | id u64 | md5 [16] | u32 len | bond schema | terminator u64
//	event     : type u16 (=2) | schema id u64 | level u8 | u16 바이트 길이 + UTF-16LE 이름
//	            | u32 len | "SP\x01\x00" + row | terminator u64
// ------------------------------------------------------------

const (
	blobVersion uint32 = 1
	blobFormat  uint32 = 2

	entrySchema uint16 = 0
	entryEvent  uint16 = 2

	terminator uint64 = 0xdeadc0dedeadc0de
)

var rowHeader = [4]byte{'S', 'P', 0x01, 0x00}

// ErrMalformedBlob 은 DecodeBlob 이 프레이밍을 해석하지 못할 때.
var ErrMalformedBlob = errors.New("payload: malformed central blob")

type SchemaEntry struct {
	ID     uint64
	MD5    [16]byte
	Schema []byte
}

type EventEntry struct {
	SchemaID  uint64
	Level     uint8
	EventName string
	Row       []byte
}

// Blob 은 압축 전 업로드 단위 하나.
type Blob struct {
	Metadata string
	Schemas  []SchemaEntry
	Events   []EventEntry
}

func utf16Bytes(s string) int {
	n := 0
	for _, r := range s {
		if r >= 0x10000 {
			n += 4
		} else {
			n += 2
		}
	}
	return n
}

func appendUTF16(b []byte, s string) []byte {
	for _, u := range utf16.Encode([]rune(s)) {
		b = binary.LittleEndian.AppendUint16(b, u)
	}
	return b
}

func headerSize(metadata string) int { return 8 + 4 + utf16Bytes(metadata) }

func schemaEntrySize(schemaLen int) int { return 2 + 8 + 16 + 4 + schemaLen + 8 }

func eventEntrySize(eventName string, rowLen int) int {
	return 2 + 8 + 1 + 2 + utf16Bytes(eventName) + 4 + len(rowHeader) + rowLen + 8
}

// Size 는 AppendTo 결과 길이.
func (b *Blob) Size() int {
	n := headerSize(b.Metadata)
	for _, s := range b.Schemas {
		n += schemaEntrySize(len(s.Schema))
	}
	for _, e := range b.Events {
		n += eventEntrySize(e.EventName, len(e.Row))
	}
	return n
}

// AppendTo 는 직렬화된 blob 을 dst 뒤에 붙인다.
func (b *Blob) AppendTo(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, blobVersion)
	dst = binary.LittleEndian.AppendUint32(dst, blobFormat)

	dst = binary.LittleEndian.AppendUint32(dst, uint32(utf16Bytes(b.Metadata)))
	dst = appendUTF16(dst, b.Metadata)

	for _, s := range b.Schemas {
		dst = binary.LittleEndian.AppendUint16(dst, entrySchema)
		dst = binary.LittleEndian.AppendUint64(dst, s.ID)
		dst = append(dst, s.MD5[:]...)
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(s.Schema)))
		dst = append(dst, s.Schema...)
		dst = binary.LittleEndian.AppendUint64(dst, terminator)
	}

	for _, e := range b.Events {
		dst = binary.LittleEndian.AppendUint16(dst, entryEvent)
		dst = binary.LittleEndian.AppendUint64(dst, e.SchemaID)
		dst = append(dst, e.Level)
		dst = binary.LittleEndian.AppendUint16(dst, uint16(utf16Bytes(e.EventName)))
		dst = appendUTF16(dst, e.EventName)
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(rowHeader)+len(e.Row)))
		dst = append(dst, rowHeader[:]...)
		dst = append(dst, e.Row...)
		dst = binary.LittleEndian.AppendUint64(dst, terminator)
	}
	return dst
}

// Bytes 는 새 slice 로 직렬화한다.
func (b *Blob) Bytes() []byte {
	return b.AppendTo(make([]byte, 0, b.Size()))
}

// DecodeBlob 은 AppendTo 의 역. DLQ 검증과 테스트에서 쓴다.
func DecodeBlob(data []byte) (*Blob, error) {
	r := reader{buf: data}

	if v := r.u32(); v != blobVersion {
		return nil, r.fail(fmt.Sprintf("version %d", v))
	}
	if f := r.u32(); f != blobFormat {
		return nil, r.fail(fmt.Sprintf("format %d", f))
	}

	b := &Blob{Metadata: r.utf16(int(r.u32()))}

	for r.err == nil && r.remaining() > 0 {
		switch typ := r.u16(); typ {
		case entrySchema:
			var s SchemaEntry
			s.ID = r.u64()
			copy(s.MD5[:], r.bytes(16))
			s.Schema = r.bytes(int(r.u32()))
			r.expectTerminator()
			b.Schemas = append(b.Schemas, s)

		case entryEvent:
			var e EventEntry
			e.SchemaID = r.u64()
			e.Level = r.u8()
			e.EventName = r.utf16(int(r.u16()))
			row := r.bytes(int(r.u32()))
			if r.err == nil && (len(row) < len(rowHeader) || [4]byte(row[:4]) != rowHeader) {
				return nil, r.fail("row header")
			}
			if r.err == nil {
				e.Row = row[len(rowHeader):]
			}
			r.expectTerminator()
			b.Events = append(b.Events, e)

		default:
			return nil, r.fail(fmt.Sprintf("entry type %d", typ))
		}
	}

	if r.err != nil {
		return nil, r.err
	}
	return b, nil
}

type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) remaining() int { return len(r.buf) - r.off }

func (r *reader) fail(what string) error {
	if r.err == nil {
		r.err = fmt.Errorf("%w: %s at offset %d", ErrMalformedBlob, what, r.off)
	}
	return r.err
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.remaining() < n {
		r.fail(fmt.Sprintf("need %d bytes", n))
		return nil
	}
	p := r.buf[r.off : r.off+n]
	r.off += n
	return p
}

func (r *reader) u8() uint8 {
	if p := r.bytes(1); p != nil {
		return p[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if p := r.bytes(2); p != nil {
		return binary.LittleEndian.Uint16(p)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if p := r.bytes(4); p != nil {
		return binary.LittleEndian.Uint32(p)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if p := r.bytes(8); p != nil {
		return binary.LittleEndian.Uint64(p)
	}
	return 0
}

func (r *reader) utf16(n int) string {
	if n%2 != 0 {
		r.fail("odd utf-16 length")
		return ""
	}
	p := r.bytes(n)
	if p == nil {
		return ""
	}
	units := make([]uint16, n/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(p[2*i:])
	}
	return string(utf16.Decode(units))
}

func (r *reader) expectTerminator() {
	if t := r.u64(); r.err == nil && t != terminator {
		r.fail("terminator")
	}
}
