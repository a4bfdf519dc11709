package server

import (
	"bytes"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync/atomic"

	"geneva-ingest/internal/config"
	"geneva-ingest/internal/metrics"
	"geneva-ingest/internal/model"
	"geneva-ingest/internal/otlp"
	"geneva-ingest/internal/pool"

	"github.com/klauspost/compress/gzip"
	zlog "github.com/rs/zerolog/log"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/protobuf/proto"
)

const protobufContentType = "application/x-protobuf"

// Enqueuer 는 수신한 레코드를 파이프라인에 넘긴다. 가득 차면 false (non-blocking).
type Enqueuer interface {
	Enqueue(it model.Item) bool
}

type Handler struct {
	cfg     config.Config
	metrics *metrics.Metrics
	queue   Enqueuer
}

func NewHandler(cfg config.Config, m *metrics.Metrics, q Enqueuer) *Handler {
	return &Handler{
		cfg:     cfg,
		metrics: m,
		queue:   q,
	}
}

// Routes 는 OTLP/HTTP 와 운영 엔드포인트를 묶은 mux.
//   - /v1/logs, /v1/traces : OTLP 수집
//   - /metrics : 운영 지표
//   - /health  : LB health check
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/logs", h.HandleLogs)
	mux.HandleFunc("/v1/traces", h.HandleTraces)
	mux.HandleFunc("/metrics", h.HandleMetrics)
	mux.HandleFunc("/health", h.HandleHealth)
	return mux
}

// HandleLogs
//
// OTLP/HTTP logs 엔드포인트. body 는 protobuf ExportLogsServiceRequest.
//  1. 요청 길이 제한(MaxBodySize), gzip body 면 푼 뒤 길이 기준
//  2. BodyPool 버퍼 재사용
//  3. 파이프라인 큐에 push (full 이면 503)
//  4. 200 + 빈 ExportLogsServiceResponse
func (h *Handler) HandleLogs(w http.ResponseWriter, r *http.Request) {
	var req collogspb.ExportLogsServiceRequest
	if !h.decode(w, r, &req) {
		return
	}
	item := model.Item{Logs: otlp.LogRecords(&req)}
	h.respond(w, r, item, &collogspb.ExportLogsServiceResponse{})
}

// HandleTraces 는 HandleLogs 의 trace 버전.
func (h *Handler) HandleTraces(w http.ResponseWriter, r *http.Request) {
	var req coltracepb.ExportTraceServiceRequest
	if !h.decode(w, r, &req) {
		return
	}
	item := model.Item{Spans: otlp.Spans(&req)}
	h.respond(w, r, item, &coltracepb.ExportTraceServiceResponse{})
}

// decode 는 body 를 읽어 msg 로 푼다. 실패하면 응답까지 쓰고 false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, msg proto.Message) bool {
	atomic.AddInt64(&h.metrics.RequestsTotal, 1)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err != nil || mt != protobufContentType {
			atomic.AddInt64(&h.metrics.RequestsRejectedBadPayloadTotal, 1)
			http.Error(w, "content-type must be "+protobufContentType, http.StatusUnsupportedMediaType)
			return false
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodySize)
	defer r.Body.Close()

	buf := pool.BodyPool.Get().(*bytes.Buffer)
	defer pool.PutBody(buf, h.cfg.MaxBodySize)
	buf.Reset()

	if err := h.readBody(buf, r); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || errors.Is(err, errBodyTooLarge) {
			atomic.AddInt64(&h.metrics.RequestsRejectedBodyTooLargeTotal, 1)
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return false
		}
		atomic.AddInt64(&h.metrics.RequestsRejectedBadPayloadTotal, 1)
		zlog.Debug().Err(err).Str("peer", clientIP(r)).Msg("read body failed")
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return false
	}

	// proto.Unmarshal 은 bytes 필드를 복사하므로 buf 를 바로 풀에 돌려도 된다
	if err := proto.Unmarshal(buf.Bytes(), msg); err != nil {
		atomic.AddInt64(&h.metrics.RequestsRejectedBadPayloadTotal, 1)
		zlog.Debug().Err(err).Str("peer", clientIP(r)).Str("path", r.URL.Path).Msg("malformed otlp payload")
		http.Error(w, "malformed protobuf payload", http.StatusBadRequest)
		return false
	}
	return true
}

var errBodyTooLarge = errors.New("decompressed body too large")

// readBody 는 Content-Encoding: gzip 이면 풀어서 읽는다.
// 푼 크기도 MaxBodySize 를 넘으면 errBodyTooLarge.
func (h *Handler) readBody(buf *bytes.Buffer, r *http.Request) error {
	switch strings.ToLower(r.Header.Get("Content-Encoding")) {
	case "", "identity":
		_, err := buf.ReadFrom(r.Body)
		return err
	case "gzip":
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			return err
		}
		defer zr.Close()
		n, err := buf.ReadFrom(io.LimitReader(zr, h.cfg.MaxBodySize+1))
		if err != nil {
			return err
		}
		if n > h.cfg.MaxBodySize {
			return errBodyTooLarge
		}
		return nil
	}
	return errors.New("unsupported content-encoding")
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, item model.Item, resp proto.Message) {
	if !h.accept(item) {
		zlog.Debug().Str("peer", clientIP(r)).Int("records", item.Len()).Msg("queue full, request rejected")
		w.Header().Set("Retry-After", "1")
		http.Error(w, "ingest queue full", http.StatusServiceUnavailable)
		return
	}

	out, err := proto.Marshal(resp)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", protobufContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

// accept 는 HTTP / gRPC 공통 enqueue 경로.
// 레코드가 없는 요청은 큐를 거치지 않고 성공으로 본다.
func (h *Handler) accept(item model.Item) bool {
	if item.Len() == 0 {
		atomic.AddInt64(&h.metrics.RequestsAcceptedTotal, 1)
		return true
	}
	if !h.queue.Enqueue(item) {
		atomic.AddInt64(&h.metrics.RequestsRejectedQueueFullTotal, 1)
		return false
	}

	atomic.AddInt64(&h.metrics.RequestsAcceptedTotal, 1)
	atomic.AddInt64(&h.metrics.LogRecordsReceivedTotal, int64(len(item.Logs)))
	atomic.AddInt64(&h.metrics.SpansReceivedTotal, int64(len(item.Spans)))
	return true
}

func (h *Handler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(h.metrics.String()))
}

func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}
