// internal/bond/schema.go
package bond

import (
	"crypto/md5"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
)

// TypeID 는 Bond 데이터 타입 번호다. (Bond 프로토콜 정의값 그대로)
type TypeID uint8

const (
	TypeBool    TypeID = 2
	TypeUint32  TypeID = 5
	TypeFloat   TypeID = 7
	TypeDouble  TypeID = 8
	TypeString  TypeID = 9
	TypeStruct  TypeID = 10
	TypeInt32   TypeID = 16
	TypeInt64   TypeID = 17
	TypeWString TypeID = 18
)

func (t TypeID) String() string {
	switch t {
	case TypeBool:
		return "bool"
	case TypeUint32:
		return "uint32"
	case TypeFloat:
		return "float"
	case TypeDouble:
		return "double"
	case TypeString:
		return "string"
	case TypeStruct:
		return "struct"
	case TypeInt32:
		return "int32"
	case TypeInt64:
		return "int64"
	case TypeWString:
		return "wstring"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// fixedWidth 는 고정폭 타입의 바이트 수. 가변폭(string/wstring)은 0.
func (t TypeID) fixedWidth() int {
	switch t {
	case TypeBool:
		return 1
	case TypeUint32, TypeFloat, TypeInt32:
		return 4
	case TypeDouble, TypeInt64:
		return 8
	}
	return 0
}

func (t TypeID) valid() bool {
	switch t {
	case TypeBool, TypeUint32, TypeFloat, TypeDouble, TypeString, TypeInt32, TypeInt64, TypeWString:
		return true
	}
	return false
}

// Field 는 스키마의 한 컬럼.
type Field struct {
	Name string
	Type TypeID
	ID   uint16
}

var (
	// ErrInvalidSchema 는 BuildSchema 검증 실패 시 감싸서 반환된다.
	ErrInvalidSchema = errors.New("bond: invalid schema")
)

// Schema
//
// 한 번 만들어지면 변경되지 않는 스키마 핸들.
// 마샬된 Bond 스키마 바이트와 md5, 스키마 ID 를 함께 들고 있으므로
// 같은 레코드 모양의 row 들은 이 핸들 하나를 계속 재사용한다.
// 여러 goroutine 에서 동시에 읽어도 안전하다.
type Schema struct {
	name      string
	namespace string
	fields    []Field
	encoded   []byte
	md5       [16]byte
	id        uint64
}

// Option 은 BuildSchema 옵션.
type Option func(*schemaOptions)

type schemaOptions struct {
	seed string
}

// WithIDSeed 는 스키마 ID 해시의 앞부분에 seed 문자열을 섞는다.
// 같은 필드 구성이라도 event name 이 다르면 다른 ID 를 갖게 할 때 사용.
func WithIDSeed(seed string) Option {
	return func(o *schemaOptions) { o.seed = seed }
}

// BuildSchema
//
// 필드 목록을 검증하고 Schema 핸들을 만든다.
//   - 필드 수는 uint16 범위
//   - 필드 이름은 1~255 바이트
//   - 필드 ID 는 스키마 내에서 유일
//   - 지원하지 않는 타입은 거부
func BuildSchema(name, namespace string, fields []Field, opts ...Option) (*Schema, error) {
	var o schemaOptions
	for _, opt := range opts {
		opt(&o)
	}

	if name == "" {
		return nil, fmt.Errorf("%w: empty struct name", ErrInvalidSchema)
	}
	if len(fields) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d fields exceeds %d", ErrInvalidSchema, len(fields), math.MaxUint16)
	}

	seen := make(map[uint16]struct{}, len(fields))
	for i, f := range fields {
		if len(f.Name) == 0 || len(f.Name) > math.MaxUint8 {
			return nil, fmt.Errorf("%w: field %d name length %d", ErrInvalidSchema, i, len(f.Name))
		}
		if !f.Type.valid() {
			return nil, fmt.Errorf("%w: field %q has unsupported %s", ErrInvalidSchema, f.Name, f.Type)
		}
		if _, dup := seen[f.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate field id %d (%q)", ErrInvalidSchema, f.ID, f.Name)
		}
		seen[f.ID] = struct{}{}
	}

	s := &Schema{
		name:      name,
		namespace: namespace,
		fields:    append([]Field(nil), fields...),
	}
	s.encoded = s.marshal()
	s.md5 = md5.Sum(s.encoded)
	s.id = fingerprint(o.seed, s.fields)
	return s, nil
}

// fingerprint 는 seed + (필드명, 타입) 순서열의 xxhash.
// 필드 순서가 바뀌면 다른 스키마로 취급한다.
func fingerprint(seed string, fields []Field) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(seed)
	for _, f := range fields {
		_, _ = d.Write([]byte{0})
		_, _ = d.WriteString(f.Name)
		_, _ = d.Write([]byte{byte(f.Type)})
	}
	return d.Sum64()
}

func (s *Schema) Name() string          { return s.name }
func (s *Schema) QualifiedName() string { return s.namespace + "." + s.name }
func (s *Schema) ID() uint64            { return s.id }
func (s *Schema) MD5() [16]byte         { return s.md5 }
func (s *Schema) NumFields() int        { return len(s.fields) }

// Fields 는 필드 목록의 복사본을 반환한다.
func (s *Schema) Fields() []Field {
	return append([]Field(nil), s.fields...)
}

// Bytes 는 마샬된 Bond 스키마. 호출자는 수정하면 안 된다.
func (s *Schema) Bytes() []byte {
	return s.encoded
}

// ------------------------------------------------------------
// 스키마 마샬링 (Bond SchemaDef, Simple Protocol v1)
// ------------------------------------------------------------

func (s *Schema) marshal() []byte {
	b := make([]byte, 0, 64+len(s.fields)*64)

	b = append(b, 'S', 'P', 0x01, 0x00)
	b = binary.LittleEndian.AppendUint32(b, 1) // num structs

	// struct def
	b = appendString(b, s.name)
	b = appendString(b, s.QualifiedName())
	b = binary.LittleEndian.AppendUint32(b, 0) // attributes
	b = append(b, 0)                           // modifier (optional)
	b = appendDefaults(b)
	b = binary.LittleEndian.AppendUint32(b, 0) // base def
	b = append(b, 0, 0, 0)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(s.fields)))

	for i, f := range s.fields {
		b = appendString(b, f.Name)
		b = appendString(b, "") // qualified name
		b = binary.LittleEndian.AppendUint32(b, 0)
		b = append(b, 0)
		b = appendDefaults(b)
		b = append(b, 0, 0, 0)
		b = binary.LittleEndian.AppendUint16(b, f.ID)
		b = append(b, byte(f.Type))
		b = binary.LittleEndian.AppendUint16(b, 0) // struct_def
		b = append(b, 0, 0, 0, 0)                  // element, key, bonded, default_value_present
		if i != len(s.fields)-1 {
			b = append(b, make([]byte, 8)...)
		}
	}

	b = append(b, make([]byte, 8)...)

	// root typedef
	b = append(b, byte(TypeStruct))
	b = binary.LittleEndian.AppendUint16(b, 0)
	b = append(b, 0, 0, 0)

	return append(b, make([]byte, 9)...)
}

// default_uint, default_int, default_double, default_string, default_wstring, default_nothing
func appendDefaults(b []byte) []byte {
	b = binary.LittleEndian.AppendUint64(b, 0)
	b = binary.LittleEndian.AppendUint64(b, 0)
	b = binary.LittleEndian.AppendUint64(b, 0)
	b = binary.LittleEndian.AppendUint32(b, 0)
	b = binary.LittleEndian.AppendUint32(b, 0)
	return append(b, 0)
}

func appendString(b []byte, s string) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(len(s)))
	return append(b, s...)
}
