package otlp

import (
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/proto"
)

// LogRecords 는 resource / scope 계층을 펼쳐 LogRecord 목록만 돌려준다.
func LogRecords(req *collogspb.ExportLogsServiceRequest) []*logspb.LogRecord {
	var out []*logspb.LogRecord
	for _, rl := range req.GetResourceLogs() {
		for _, sl := range rl.GetScopeLogs() {
			out = append(out, sl.GetLogRecords()...)
		}
	}
	return out
}

// Spans 는 resource / scope 계층을 펼쳐 Span 목록만 돌려준다.
func Spans(req *coltracepb.ExportTraceServiceRequest) []*tracepb.Span {
	var out []*tracepb.Span
	for _, rs := range req.GetResourceSpans() {
		for _, ss := range rs.GetScopeSpans() {
			out = append(out, ss.GetSpans()...)
		}
	}
	return out
}

// DecodeLogs 는 protobuf 로 직렬화된 ExportLogsServiceRequest 를 풀어 LogRecord 목록으로.
func DecodeLogs(data []byte) ([]*logspb.LogRecord, error) {
	var req collogspb.ExportLogsServiceRequest
	if err := proto.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	return LogRecords(&req), nil
}

// DecodeSpans 는 protobuf 로 직렬화된 ExportTraceServiceRequest 를 풀어 Span 목록으로.
func DecodeSpans(data []byte) ([]*tracepb.Span, error) {
	var req coltracepb.ExportTraceServiceRequest
	if err := proto.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	return Spans(&req), nil
}
