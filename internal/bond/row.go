// internal/bond/row.go
package bond

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf16"
)

var (
	// ErrSchemaMismatch 는 값 개수/타입이 스키마와 다를 때.
	// 호출 코드의 버그이므로 재시도 대상이 아니다.
	ErrSchemaMismatch = errors.New("bond: values do not match schema")

	// ErrValueOverflow 는 길이 prefix 에 담을 수 없는 값.
	ErrValueOverflow = errors.New("bond: value length overflows prefix")

	// ErrTruncated 는 DecodeRow 입력이 스키마보다 짧을 때.
	ErrTruncated = errors.New("bond: row truncated")
)

// EncodeRow 는 스키마 필드 순서대로 values 를 직렬화한다.
//
// 타입별 규칙:
//
//	bool    → 1 byte
//	int32   → 4 bytes LE        (int32)
//	uint32  → 4 bytes LE        (uint32)
//	int64   → 8 bytes LE        (int64)
//	float   → 4 bytes IEEE-754  (float32)
//	double  → 8 bytes IEEE-754  (float64)
//	string  → u32 LE 바이트 길이 + UTF-8
//	wstring → u16 LE 문자(code unit) 수 + UTF-16LE
func EncodeRow(s *Schema, values []any) ([]byte, error) {
	return AppendRow(make([]byte, 0, RowSizeHint(s, values)), s, values)
}

// AppendRow 는 EncodeRow 와 같지만 dst 뒤에 이어 쓴다.
// 에러가 나면 dst 는 원래 길이로 되돌려 반환한다.
func AppendRow(dst []byte, s *Schema, values []any) ([]byte, error) {
	if len(values) != len(s.fields) {
		return dst, fmt.Errorf("%w: %s has %d fields, got %d values",
			ErrSchemaMismatch, s.name, len(s.fields), len(values))
	}

	start := len(dst)
	b := dst
	for i, f := range s.fields {
		var err error
		b, err = appendValue(b, f, values[i])
		if err != nil {
			return dst[:start], err
		}
	}
	return b, nil
}

func appendValue(b []byte, f Field, v any) ([]byte, error) {
	switch f.Type {
	case TypeBool:
		x, ok := v.(bool)
		if !ok {
			return b, mismatch(f, v)
		}
		if x {
			return append(b, 1), nil
		}
		return append(b, 0), nil

	case TypeInt32:
		x, ok := v.(int32)
		if !ok {
			return b, mismatch(f, v)
		}
		return binary.LittleEndian.AppendUint32(b, uint32(x)), nil

	case TypeUint32:
		x, ok := v.(uint32)
		if !ok {
			return b, mismatch(f, v)
		}
		return binary.LittleEndian.AppendUint32(b, x), nil

	case TypeInt64:
		x, ok := v.(int64)
		if !ok {
			return b, mismatch(f, v)
		}
		return binary.LittleEndian.AppendUint64(b, uint64(x)), nil

	case TypeFloat:
		x, ok := v.(float32)
		if !ok {
			return b, mismatch(f, v)
		}
		return binary.LittleEndian.AppendUint32(b, math.Float32bits(x)), nil

	case TypeDouble:
		x, ok := v.(float64)
		if !ok {
			return b, mismatch(f, v)
		}
		return binary.LittleEndian.AppendUint64(b, math.Float64bits(x)), nil

	case TypeString:
		x, ok := v.(string)
		if !ok {
			return b, mismatch(f, v)
		}
		if uint64(len(x)) > math.MaxUint32 {
			return b, fmt.Errorf("%w: field %q", ErrValueOverflow, f.Name)
		}
		b = binary.LittleEndian.AppendUint32(b, uint32(len(x)))
		return append(b, x...), nil

	case TypeWString:
		x, ok := v.(string)
		if !ok {
			return b, mismatch(f, v)
		}
		units := utf16.Encode([]rune(x))
		if len(units) > math.MaxUint16 {
			return b, fmt.Errorf("%w: field %q has %d code units", ErrValueOverflow, f.Name, len(units))
		}
		b = binary.LittleEndian.AppendUint16(b, uint16(len(units)))
		for _, u := range units {
			b = binary.LittleEndian.AppendUint16(b, u)
		}
		return b, nil
	}
	return b, fmt.Errorf("%w: field %q has unsupported %s", ErrSchemaMismatch, f.Name, f.Type)
}

func mismatch(f Field, v any) error {
	return fmt.Errorf("%w: field %q wants %s, got %T", ErrSchemaMismatch, f.Name, f.Type, v)
}

// RowSizeHint 는 인코딩 결과 크기. 값이 스키마와 맞지 않으면 대략치.
func RowSizeHint(s *Schema, values []any) int {
	n := 0
	for i, f := range s.fields {
		if w := f.Type.fixedWidth(); w > 0 {
			n += w
			continue
		}
		if i >= len(values) {
			continue
		}
		str, _ := values[i].(string)
		if f.Type == TypeWString {
			n += 2 + 2*utf16Len(str)
		} else {
			n += 4 + len(str)
		}
	}
	return n
}

func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		if r >= 0x10000 {
			n += 2
		} else {
			n++
		}
	}
	return n
}

// DecodeRow 는 EncodeRow 의 역. 값 타입은 EncodeRow 입력과 같은 Go 타입으로 돌려준다.
// 입력 전체를 정확히 소비하지 못하면 에러.
func DecodeRow(s *Schema, data []byte) ([]any, error) {
	out := make([]any, 0, len(s.fields))
	p := data

	need := func(f Field, n int) error {
		if len(p) < n {
			return fmt.Errorf("%w: field %q needs %d bytes, have %d", ErrTruncated, f.Name, n, len(p))
		}
		return nil
	}

	for _, f := range s.fields {
		if w := f.Type.fixedWidth(); w > 0 {
			if err := need(f, w); err != nil {
				return nil, err
			}
		}

		switch f.Type {
		case TypeBool:
			out = append(out, p[0] != 0)
			p = p[1:]
		case TypeInt32:
			out = append(out, int32(binary.LittleEndian.Uint32(p)))
			p = p[4:]
		case TypeUint32:
			out = append(out, binary.LittleEndian.Uint32(p))
			p = p[4:]
		case TypeInt64:
			out = append(out, int64(binary.LittleEndian.Uint64(p)))
			p = p[8:]
		case TypeFloat:
			out = append(out, math.Float32frombits(binary.LittleEndian.Uint32(p)))
			p = p[4:]
		case TypeDouble:
			out = append(out, math.Float64frombits(binary.LittleEndian.Uint64(p)))
			p = p[8:]
		case TypeString:
			if err := need(f, 4); err != nil {
				return nil, err
			}
			n := int(binary.LittleEndian.Uint32(p))
			p = p[4:]
			if err := need(f, n); err != nil {
				return nil, err
			}
			out = append(out, string(p[:n]))
			p = p[n:]
		case TypeWString:
			if err := need(f, 2); err != nil {
				return nil, err
			}
			n := int(binary.LittleEndian.Uint16(p))
			p = p[2:]
			if err := need(f, 2*n); err != nil {
				return nil, err
			}
			units := make([]uint16, n)
			for i := range units {
				units[i] = binary.LittleEndian.Uint16(p[2*i:])
			}
			out = append(out, string(utf16.Decode(units)))
			p = p[2*n:]
		default:
			return nil, fmt.Errorf("%w: field %q has unsupported %s", ErrSchemaMismatch, f.Name, f.Type)
		}
	}

	if len(p) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrSchemaMismatch, len(p))
	}
	return out, nil
}
