// internal/model/item.go
package model

import (
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
)

// Item
// ------------------------------------------------------------
// OTLP 요청 하나(HTTP 또는 gRPC)에서 꺼낸 레코드 묶음.
// 수신기 → Manager(ItemCh) → collectLoop 로 그대로 전달된다.
//
// 한 요청은 logs 아니면 spans 둘 중 하나만 채운다.
type Item struct {
	Logs  []*logspb.LogRecord
	Spans []*tracepb.Span
}

// Len 은 레코드 수 (BatchSize 비교 기준).
func (i Item) Len() int { return len(i.Logs) + len(i.Spans) }

// UploadJob
// ------------------------------------------------------------
// collectLoop 가 모은 레코드 묶음. uploadLoop 에서
// geneva 인코딩/압축 → GIG 업로드 순서로 처리된다.
type UploadJob struct {
	Logs  []*logspb.LogRecord
	Spans []*tracepb.Span
}

// Add 는 item 의 레코드를 job 뒤에 붙인다.
func (j *UploadJob) Add(it Item) {
	j.Logs = append(j.Logs, it.Logs...)
	j.Spans = append(j.Spans, it.Spans...)
}

// Len 은 job 에 담긴 레코드 수.
func (j *UploadJob) Len() int { return len(j.Logs) + len(j.Spans) }
