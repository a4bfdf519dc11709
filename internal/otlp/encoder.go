// internal/otlp/encoder.go
package otlp

import (
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"geneva-ingest/internal/bond"
	"geneva-ingest/internal/payload"
)

const (
	LogStructName  = "OtlpLogRecord"
	SpanStructName = "OtlpSpanRecord"
	Namespace      = "telemetry"

	DefaultLogEvent = "Log"
	SpanEvent       = "Span"
	SpanLevel       = 5

	DefaultEnvName = "TestEnv"
	DefaultEnvVer  = "4.0"
)

// Part A / B 필드 이름. 같은 이름의 attribute 는 무시된다.
const (
	fieldEnvName        = "env_name"
	fieldEnvVer         = "env_ver"
	fieldTimestamp      = "timestamp"
	fieldEnvTime        = "env_time"
	fieldTraceID        = "env_dt_traceId"
	fieldSpanID         = "env_dt_spanId"
	fieldTraceFlags     = "env_dt_traceFlags"
	fieldName           = "name"
	fieldSeverityNumber = "SeverityNumber"
	fieldSeverityText   = "SeverityText"
	fieldBody           = "body"

	fieldKind          = "kind"
	fieldStartTime     = "startTime"
	fieldSuccess       = "success"
	fieldTraceState    = "traceState"
	fieldParentID      = "parentId"
	fieldLinks         = "links"
	fieldStatusMessage = "statusMessage"
)

// Encoder
//
// OTLP LogRecord / Span 을 bond row 로 바꾼다.
// 레코드마다 필드 구성이 달라질 수 있으므로 (조건부 필드 + attribute)
// 구성별 Schema 를 캐시해서 재사용한다. 여러 goroutine 에서 써도 안전하다.
type Encoder struct {
	EnvName string
	EnvVer  string

	schemas sync.Map // shape key -> *bond.Schema
}

func NewEncoder(envName, envVer string) *Encoder {
	if envName == "" {
		envName = DefaultEnvName
	}
	if envVer == "" {
		envVer = DefaultEnvVer
	}
	return &Encoder{EnvName: envName, EnvVer: envVer}
}

// ------------------------------------------------------------
// 필드 수집
// ------------------------------------------------------------

type shape struct {
	fields []bond.Field
	values []any
	names  map[string]struct{}
}

func newShape(capacity int) *shape {
	return &shape{
		fields: make([]bond.Field, 0, capacity),
		values: make([]any, 0, capacity),
		names:  make(map[string]struct{}, capacity),
	}
}

func (s *shape) add(name string, t bond.TypeID, v any) {
	if _, dup := s.names[name]; dup {
		return
	}
	s.names[name] = struct{}{}
	s.fields = append(s.fields, bond.Field{Name: name, Type: t, ID: uint16(len(s.fields) + 1)})
	s.values = append(s.values, v)
}

// addAttributes 는 string/int/double/bool attribute 만 Part C 로 붙인다.
// 빈 키, 255 바이트를 넘는 키, 이미 있는 이름은 건너뛴다.
func (s *shape) addAttributes(attrs []*commonpb.KeyValue) {
	for _, kv := range attrs {
		key := kv.GetKey()
		if key == "" || len(key) > 255 {
			continue
		}
		switch v := kv.GetValue().GetValue().(type) {
		case *commonpb.AnyValue_StringValue:
			s.add(key, bond.TypeString, v.StringValue)
		case *commonpb.AnyValue_IntValue:
			s.add(key, bond.TypeInt64, v.IntValue)
		case *commonpb.AnyValue_DoubleValue:
			s.add(key, bond.TypeDouble, v.DoubleValue)
		case *commonpb.AnyValue_BoolValue:
			s.add(key, bond.TypeBool, v.BoolValue)
		}
	}
}

func (s *shape) key(structName, event string) string {
	var sb strings.Builder
	sb.Grow(len(structName) + len(event) + len(s.fields)*16)
	sb.WriteString(structName)
	sb.WriteByte(0)
	sb.WriteString(event)
	for _, f := range s.fields {
		sb.WriteByte(0)
		sb.WriteString(f.Name)
		sb.WriteByte(byte(f.Type))
	}
	return sb.String()
}

func (e *Encoder) schema(structName, event string, s *shape) (*bond.Schema, error) {
	k := s.key(structName, event)
	if v, ok := e.schemas.Load(k); ok {
		return v.(*bond.Schema), nil
	}
	sc, err := bond.BuildSchema(structName, Namespace, s.fields, bond.WithIDSeed(event))
	if err != nil {
		return nil, err
	}
	v, _ := e.schemas.LoadOrStore(k, sc)
	return v.(*bond.Schema), nil
}

// ------------------------------------------------------------
// Logs
// ------------------------------------------------------------

// LogEventName 은 라우팅에 쓰이는 event name.
func LogEventName(r *logspb.LogRecord) string {
	if n := r.GetEventName(); n != "" {
		return n
	}
	return DefaultLogEvent
}

func logTimestamp(r *logspb.LogRecord) uint64 {
	if ts := r.GetTimeUnixNano(); ts != 0 {
		return ts
	}
	return r.GetObservedTimeUnixNano()
}

// EncodeLog 는 LogRecord 하나를 row 로 만든다.
func (e *Encoder) EncodeLog(r *logspb.LogRecord) (payload.Row, error) {
	event := LogEventName(r)
	ts := logTimestamp(r)
	formatted := FormatTimestamp(ts)

	s := newShape(11 + len(r.GetAttributes()))

	// Part A
	s.add(fieldEnvName, bond.TypeString, e.EnvName)
	s.add(fieldEnvVer, bond.TypeString, e.EnvVer)
	s.add(fieldTimestamp, bond.TypeString, formatted)
	s.add(fieldEnvTime, bond.TypeString, formatted)
	if id := r.GetTraceId(); len(id) > 0 {
		s.add(fieldTraceID, bond.TypeString, hex.EncodeToString(id))
	}
	if id := r.GetSpanId(); len(id) > 0 {
		s.add(fieldSpanID, bond.TypeString, hex.EncodeToString(id))
	}
	if f := r.GetFlags(); f != 0 {
		s.add(fieldTraceFlags, bond.TypeUint32, f)
	}

	// Part B
	if n := r.GetEventName(); n != "" {
		s.add(fieldName, bond.TypeString, n)
	}
	s.add(fieldSeverityNumber, bond.TypeInt32, int32(r.GetSeverityNumber()))
	if t := r.GetSeverityText(); t != "" {
		s.add(fieldSeverityText, bond.TypeString, t)
	}
	// body 는 문자열일 때만 싣는다
	if sv, ok := r.GetBody().GetValue().(*commonpb.AnyValue_StringValue); ok {
		s.add(fieldBody, bond.TypeString, sv.StringValue)
	}

	// Part C
	s.addAttributes(r.GetAttributes())

	sc, err := e.schema(LogStructName, event, s)
	if err != nil {
		return payload.Row{}, err
	}
	data, err := bond.EncodeRow(sc, s.values)
	if err != nil {
		return payload.Row{}, err
	}
	return payload.Row{
		Schema:    sc,
		EventName: event,
		Level:     uint8(r.GetSeverityNumber()),
		StartTime: ts,
		EndTime:   ts,
		Data:      data,
	}, nil
}

// EncodeLogs 는 레코드를 row 로 바꾸고 event name 별로 묶는다.
// 그룹 순서는 event name 이 처음 나온 순서, 그룹 안은 입력 순서.
func (e *Encoder) EncodeLogs(records []*logspb.LogRecord) ([]payload.Row, error) {
	g := newGrouper(len(records))
	for _, r := range records {
		if r == nil {
			continue
		}
		row, err := e.EncodeLog(r)
		if err != nil {
			return nil, err
		}
		g.add(row)
	}
	return g.rows(), nil
}

// ------------------------------------------------------------
// Spans
// ------------------------------------------------------------

type link struct {
	ToSpanID  string `json:"toSpanId"`
	ToTraceID string `json:"toTraceId"`
}

func encodeLinks(links []*tracepb.Span_Link) (string, error) {
	out := make([]link, 0, len(links))
	for _, l := range links {
		out = append(out, link{
			ToSpanID:  hex.EncodeToString(l.GetSpanId()),
			ToTraceID: hex.EncodeToString(l.GetTraceId()),
		})
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// spanSuccess: status 가 없거나 Unset/Ok 면 true, Error 면 false.
func spanSuccess(sp *tracepb.Span) bool {
	return sp.GetStatus().GetCode() != tracepb.Status_STATUS_CODE_ERROR
}

// EncodeSpan 은 Span 하나를 row 로 만든다. event name 은 항상 "Span".
func (e *Encoder) EncodeSpan(sp *tracepb.Span) (payload.Row, error) {
	start := sp.GetStartTimeUnixNano()
	formatted := FormatTimestamp(start)

	s := newShape(16 + len(sp.GetAttributes()))

	// Part A
	s.add(fieldEnvName, bond.TypeString, e.EnvName)
	s.add(fieldEnvVer, bond.TypeString, e.EnvVer)
	s.add(fieldTimestamp, bond.TypeString, formatted)
	s.add(fieldEnvTime, bond.TypeString, formatted)

	s.add(fieldKind, bond.TypeInt32, int32(sp.GetKind()))
	s.add(fieldStartTime, bond.TypeString, formatted)
	s.add(fieldSuccess, bond.TypeBool, spanSuccess(sp))

	if id := sp.GetTraceId(); len(id) > 0 {
		s.add(fieldTraceID, bond.TypeString, hex.EncodeToString(id))
	}
	if id := sp.GetSpanId(); len(id) > 0 {
		s.add(fieldSpanID, bond.TypeString, hex.EncodeToString(id))
	}
	if f := sp.GetFlags(); f != 0 {
		s.add(fieldTraceFlags, bond.TypeUint32, f)
	}

	// Part B
	if n := sp.GetName(); n != "" {
		s.add(fieldName, bond.TypeString, n)
	}
	if ts := sp.GetTraceState(); ts != "" {
		s.add(fieldTraceState, bond.TypeString, ts)
	}
	if id := sp.GetParentSpanId(); len(id) > 0 {
		s.add(fieldParentID, bond.TypeString, hex.EncodeToString(id))
	}
	if links := sp.GetLinks(); len(links) > 0 {
		js, err := encodeLinks(links)
		if err != nil {
			return payload.Row{}, err
		}
		s.add(fieldLinks, bond.TypeString, js)
	}
	if msg := sp.GetStatus().GetMessage(); msg != "" {
		s.add(fieldStatusMessage, bond.TypeString, msg)
	}

	// Part C
	s.addAttributes(sp.GetAttributes())

	sc, err := e.schema(SpanStructName, SpanEvent, s)
	if err != nil {
		return payload.Row{}, err
	}
	data, err := bond.EncodeRow(sc, s.values)
	if err != nil {
		return payload.Row{}, err
	}
	return payload.Row{
		Schema:    sc,
		EventName: SpanEvent,
		Level:     SpanLevel,
		StartTime: start,
		EndTime:   sp.GetEndTimeUnixNano(),
		Data:      data,
	}, nil
}

// EncodeSpans 는 span 들을 입력 순서대로 row 로 바꾼다.
func (e *Encoder) EncodeSpans(spans []*tracepb.Span) ([]payload.Row, error) {
	out := make([]payload.Row, 0, len(spans))
	for _, sp := range spans {
		if sp == nil {
			continue
		}
		row, err := e.EncodeSpan(sp)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

// ------------------------------------------------------------
// helpers
// ------------------------------------------------------------

// FormatTimestamp 는 unix nanos 를 RFC3339 (UTC) 로. 0 은 epoch.
func FormatTimestamp(nanos uint64) string {
	return time.Unix(int64(nanos/1e9), int64(nanos%1e9)).UTC().Format(time.RFC3339Nano)
}

type grouper struct {
	order  []string
	groups map[string][]payload.Row
	n      int
}

func newGrouper(capacity int) *grouper {
	return &grouper{groups: make(map[string][]payload.Row, 4), n: capacity}
}

func (g *grouper) add(r payload.Row) {
	if _, ok := g.groups[r.EventName]; !ok {
		g.order = append(g.order, r.EventName)
	}
	g.groups[r.EventName] = append(g.groups[r.EventName], r)
}

func (g *grouper) rows() []payload.Row {
	out := make([]payload.Row, 0, g.n)
	for _, name := range g.order {
		out = append(out, g.groups[name]...)
	}
	return out
}
