package server

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"geneva-ingest/internal/config"
	"geneva-ingest/internal/metrics"
	"geneva-ingest/internal/model"
)

type fakeQueue struct {
	mu    sync.Mutex
	full  bool
	items []model.Item
}

func (q *fakeQueue) Enqueue(it model.Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.full {
		return false
	}
	q.items = append(q.items, it)
	return true
}

func newTestHandler(q *fakeQueue) (*Handler, *metrics.Metrics) {
	m := metrics.New()
	return NewHandler(config.Config{MaxBodySize: 64 * 1024}, m, q), m
}

func logsRequest(n int) *collogspb.ExportLogsServiceRequest {
	recs := make([]*logspb.LogRecord, n)
	for i := range recs {
		recs[i] = &logspb.LogRecord{TimeUnixNano: uint64(i + 1), SeverityNumber: logspb.SeverityNumber_SEVERITY_NUMBER_WARN}
	}
	return &collogspb.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{{
			ScopeLogs: []*logspb.ScopeLogs{{LogRecords: recs}},
		}},
	}
}

func tracesRequest(n int) *coltracepb.ExportTraceServiceRequest {
	spans := make([]*tracepb.Span, n)
	for i := range spans {
		spans[i] = &tracepb.Span{Name: "op", StartTimeUnixNano: 1, EndTimeUnixNano: 2}
	}
	return &coltracepb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{{
			ScopeSpans: []*tracepb.ScopeSpans{{Spans: spans}},
		}},
	}
}

func post(t *testing.T, h http.Handler, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", protobufContentType)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func marshal(t *testing.T, m proto.Message) []byte {
	t.Helper()
	b, err := proto.Marshal(m)
	require.NoError(t, err)
	return b
}

func TestHandleLogs_Accepted(t *testing.T) {
	q := &fakeQueue{}
	h, m := newTestHandler(q)

	rec := post(t, h.Routes(), "/v1/logs", marshal(t, logsRequest(3)), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, protobufContentType, rec.Header().Get("Content-Type"))

	var resp collogspb.ExportLogsServiceResponse
	require.NoError(t, proto.Unmarshal(rec.Body.Bytes(), &resp))

	require.Len(t, q.items, 1)
	assert.Len(t, q.items[0].Logs, 3)
	assert.Equal(t, int64(1), m.RequestsAcceptedTotal)
	assert.Equal(t, int64(3), m.LogRecordsReceivedTotal)
}

func TestHandleTraces_Gzip(t *testing.T) {
	q := &fakeQueue{}
	h, m := newTestHandler(q)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(marshal(t, tracesRequest(2)))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	rec := post(t, h.Routes(), "/v1/traces", buf.Bytes(), map[string]string{"Content-Encoding": "gzip"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, q.items, 1)
	assert.Len(t, q.items[0].Spans, 2)
	assert.Equal(t, int64(2), m.SpansReceivedTotal)
}

func TestHandleLogs_Rejections(t *testing.T) {
	t.Run("queue full", func(t *testing.T) {
		h, m := newTestHandler(&fakeQueue{full: true})
		rec := post(t, h.Routes(), "/v1/logs", marshal(t, logsRequest(1)), nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, int64(1), m.RequestsRejectedQueueFullTotal)
	})

	t.Run("malformed", func(t *testing.T) {
		h, m := newTestHandler(&fakeQueue{})
		rec := post(t, h.Routes(), "/v1/logs", []byte{0x0a, 0xff, 0xff}, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, int64(1), m.RequestsRejectedBadPayloadTotal)
	})

	t.Run("too large", func(t *testing.T) {
		h, m := newTestHandler(&fakeQueue{})
		rec := post(t, h.Routes(), "/v1/logs", make([]byte, 64*1024+1), nil)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.Equal(t, int64(1), m.RequestsRejectedBodyTooLargeTotal)
	})

	t.Run("gzip bomb", func(t *testing.T) {
		h, m := newTestHandler(&fakeQueue{})
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		_, _ = zw.Write(make([]byte, 1<<20))
		require.NoError(t, zw.Close())

		rec := post(t, h.Routes(), "/v1/logs", buf.Bytes(), map[string]string{"Content-Encoding": "gzip"})
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.Equal(t, int64(1), m.RequestsRejectedBodyTooLargeTotal)
	})

	t.Run("json content type", func(t *testing.T) {
		h, _ := newTestHandler(&fakeQueue{})
		rec := post(t, h.Routes(), "/v1/logs", []byte(`{}`), map[string]string{"Content-Type": "application/json"})
		assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	})

	t.Run("get", func(t *testing.T) {
		h, _ := newTestHandler(&fakeQueue{})
		rec := httptest.NewRecorder()
		h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/logs", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestHandleLogs_EmptyRequestSkipsQueue(t *testing.T) {
	q := &fakeQueue{full: true}
	h, _ := newTestHandler(q)

	rec := post(t, h.Routes(), "/v1/logs", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, q.items)
}

func TestMetricsAndHealth(t *testing.T) {
	h, _ := newTestHandler(&fakeQueue{})
	post(t, h.Routes(), "/v1/logs", marshal(t, logsRequest(2)), nil)

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "log_records_received_total=2\n")

	rec = httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, "ok", rec.Body.String())
}

func TestClientIP(t *testing.T) {
	cases := []struct {
		name   string
		xff    string
		remote string
		want   string
	}{
		{name: "public xff wins", xff: "10.0.0.1, 203.0.113.7", remote: "10.0.0.9:1234", want: "203.0.113.7"},
		{name: "private xff", xff: "10.0.0.1, 10.0.0.2", remote: "10.0.0.9:1234", want: "10.0.0.1"},
		{name: "garbage xff", xff: "nope", remote: "192.168.1.5:80", want: "192.168.1.5"},
		{name: "remote only", remote: "[::1]:4318", want: "::1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/v1/logs", nil)
			r.RemoteAddr = tc.remote
			if tc.xff != "" {
				r.Header.Set("X-Forwarded-For", tc.xff)
			}
			assert.Equal(t, tc.want, clientIP(r))
		})
	}
}

func startGRPC(t *testing.T, h *Handler) *grpc.ClientConn {
	t.Helper()
	srv := NewGRPCServer(h)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() {
		srv.GracefulStop()
		_ = ln.Close()
	})
	go func() {
		_ = srv.Serve(ln)
	}()

	conn, err := grpc.NewClient(ln.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestGRPC_Export(t *testing.T) {
	q := &fakeQueue{}
	h, m := newTestHandler(q)
	conn := startGRPC(t, h)
	ctx := context.Background()

	_, err := collogspb.NewLogsServiceClient(conn).Export(ctx, logsRequest(4))
	require.NoError(t, err)
	_, err = coltracepb.NewTraceServiceClient(conn).Export(ctx, tracesRequest(1))
	require.NoError(t, err)

	require.Len(t, q.items, 2)
	assert.Len(t, q.items[0].Logs, 4)
	assert.Len(t, q.items[1].Spans, 1)
	assert.Equal(t, int64(2), m.RequestsTotal)

	q.mu.Lock()
	q.full = true
	q.mu.Unlock()

	_, err = collogspb.NewLogsServiceClient(conn).Export(ctx, logsRequest(1))
	require.Error(t, err)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
	assert.True(t, strings.Contains(err.Error(), "queue full"))
}
