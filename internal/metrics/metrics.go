package metrics

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Metrics 는 수집기/업로더 상태를 나타내는 카운터 모음이다.
// 모든 필드는 atomic 으로만 접근한다.
type Metrics struct {
	// ======================
	// 수신 (OTLP HTTP / gRPC)
	// ======================

	// RequestsTotal
	// - /v1/logs, /v1/traces, gRPC Export 로 들어온 모든 요청 수.
	RequestsTotal int64

	// RequestsAcceptedTotal
	// - 파이프라인 큐에 enqueue 된 요청 수.
	RequestsAcceptedTotal int64

	// RequestsRejectedBodyTooLargeTotal
	// - MaxBodySize 초과로 413 을 돌려준 요청 수.
	RequestsRejectedBodyTooLargeTotal int64

	// RequestsRejectedBadPayloadTotal
	// - protobuf 디코딩 실패로 400 / InvalidArgument 를 돌려준 요청 수.
	RequestsRejectedBadPayloadTotal int64

	// RequestsRejectedQueueFullTotal
	// - 큐가 가득 차서 503 / ResourceExhausted 로 거절한 요청 수.
	// - 계속 증가하면 업로드 단계가 느려져 backpressure 가 걸리고 있다는 신호.
	RequestsRejectedQueueFullTotal int64

	// LogRecordsReceivedTotal / SpansReceivedTotal
	// - 받아들인 요청에 담긴 레코드 수.
	LogRecordsReceivedTotal int64
	SpansReceivedTotal      int64

	// ======================
	// 인코딩 / 압축
	// ======================

	// RowsEncodedTotal
	// - bond row 로 인코딩된 레코드 수.
	RowsEncodedTotal int64

	// BatchesBuiltTotal
	// - Chunker 가 만든 배치 수 (압축 실패 마커 포함).
	BatchesBuiltTotal int64

	// EncodeErrorsTotal
	// - bond 인코딩이 실패해서 통째로 버린 job 수 (logs / spans 각각).
	EncodeErrorsTotal int64

	// CompressErrorsTotal
	// - 압축 실패로 에러 마커가 된 배치 수.
	CompressErrorsTotal int64

	// OversizedBatchesTotal
	// - 천장을 넘는 row 하나짜리 배치 수. 백엔드가 거부할 수 있다.
	OversizedBatchesTotal int64

	// ======================
	// 업로드 (GIG)
	// ======================

	// BatchesUploadedTotal / RowsUploadedTotal / BytesUploadedTotal
	// - 202 를 받은 배치 / row / 압축 바이트 수.
	BatchesUploadedTotal int64
	RowsUploadedTotal    int64
	BytesUploadedTotal   int64

	// UploadAttemptErrorsTotal
	// - POST 시도(attempt) 단위 실패 수. 재시도 포함이라 한 배치에서 여러 번 증가할 수 있다.
	UploadAttemptErrorsTotal int64

	// BatchesFailedTotal
	// - 재시도까지 모두 실패한 배치 수.
	BatchesFailedTotal int64

	// IngestionRefreshesTotal
	// - GIG 가 토큰을 거부해서 ingestion 캐시를 버린 횟수.
	IngestionRefreshesTotal int64

	// ======================
	// DLQ (Dead Letter Queue)
	// ======================

	// DLQBatchesEnqueuedTotal
	// - 업로드 실패로 로컬 DLQ 에 저장된 배치 수.
	DLQBatchesEnqueuedTotal int64

	// DLQBatchesReuploadedTotal
	// - DLQ 재업로드로 복구된 배치 수.
	DLQBatchesReuploadedTotal int64

	// DLQBatchesDroppedTotal
	// - 용량 제한으로 저장하지 못하고 버린 배치 수. 0 이 아니면 데이터 손실.
	DLQBatchesDroppedTotal int64

	// DLQFilesExpiredTotal
	// - TTL / 용량 정책으로 삭제된 파일 수.
	DLQFilesExpiredTotal int64

	// DLQFilesArchivedTotal
	// - 삭제 전에 archive sink 로 보낸 파일 수.
	DLQFilesArchivedTotal int64

	// DLQFilesCurrent / DLQSizeBytes (gauge)
	// - 현재 DLQ 디렉토리의 배치 수와 전체 용량.
	DLQFilesCurrent int64
	DLQSizeBytes    int64

	// ======================
	// Archive (S3 / Azure Blob)
	// ======================

	// ArchivePutErrorsTotal
	// - archive sink 업로드 시도 실패 수 (재시도 포함).
	ArchivePutErrorsTotal int64
}

func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) String() string {
	var sb strings.Builder
	sb.Grow(1024)

	line := func(name string, v *int64) {
		fmt.Fprintf(&sb, "%s=%d\n", name, atomic.LoadInt64(v))
	}

	line("requests_total", &m.RequestsTotal)
	line("requests_accepted_total", &m.RequestsAcceptedTotal)
	line("requests_rejected_body_too_large_total", &m.RequestsRejectedBodyTooLargeTotal)
	line("requests_rejected_bad_payload_total", &m.RequestsRejectedBadPayloadTotal)
	line("requests_rejected_queue_full_total", &m.RequestsRejectedQueueFullTotal)
	line("log_records_received_total", &m.LogRecordsReceivedTotal)
	line("spans_received_total", &m.SpansReceivedTotal)

	line("rows_encoded_total", &m.RowsEncodedTotal)
	line("batches_built_total", &m.BatchesBuiltTotal)
	line("encode_errors_total", &m.EncodeErrorsTotal)
	line("compress_errors_total", &m.CompressErrorsTotal)
	line("oversized_batches_total", &m.OversizedBatchesTotal)

	line("batches_uploaded_total", &m.BatchesUploadedTotal)
	line("rows_uploaded_total", &m.RowsUploadedTotal)
	line("bytes_uploaded_total", &m.BytesUploadedTotal)
	line("upload_attempt_errors_total", &m.UploadAttemptErrorsTotal)
	line("batches_failed_total", &m.BatchesFailedTotal)
	line("ingestion_refreshes_total", &m.IngestionRefreshesTotal)

	line("dlq_batches_enqueued_total", &m.DLQBatchesEnqueuedTotal)
	line("dlq_batches_reuploaded_total", &m.DLQBatchesReuploadedTotal)
	line("dlq_batches_dropped_total", &m.DLQBatchesDroppedTotal)
	line("dlq_files_expired_total", &m.DLQFilesExpiredTotal)
	line("dlq_files_archived_total", &m.DLQFilesArchivedTotal)
	line("dlq_files_current", &m.DLQFilesCurrent)
	line("dlq_size_bytes", &m.DLQSizeBytes)

	line("archive_put_errors_total", &m.ArchivePutErrorsTotal)

	return sb.String()
}
