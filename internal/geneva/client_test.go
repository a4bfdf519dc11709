package geneva

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"geneva-ingest/internal/auth"
	"geneva-ingest/internal/payload"
	"geneva-ingest/internal/uploader"
)

func baseConfig(endpoint string) Config {
	return Config{
		Endpoint:           endpoint,
		Environment:        "Test",
		Account:            "acct",
		Namespace:          "ns",
		Region:             "eastus",
		ConfigMajorVersion: 3,
		Auth:               auth.SystemManagedIdentity{},
		Tenant:             "t1",
		RoleName:           "r1",
		RoleInstance:       "ri1",
		UploadRetries:      1,
	}
}

func TestValidate_MissingFields(t *testing.T) {
	cases := []struct {
		field string
		clear func(*Config)
	}{
		{"endpoint", func(c *Config) { c.Endpoint = "" }},
		{"environment", func(c *Config) { c.Environment = "" }},
		{"account", func(c *Config) { c.Account = " " }},
		{"namespace", func(c *Config) { c.Namespace = "" }},
		{"region", func(c *Config) { c.Region = "" }},
		{"tenant", func(c *Config) { c.Tenant = "" }},
		{"role_name", func(c *Config) { c.RoleName = "" }},
		{"role_instance", func(c *Config) { c.RoleInstance = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.field, func(t *testing.T) {
			cfg := baseConfig("https://gcs.example")
			tc.clear(&cfg)

			err := cfg.Validate()
			var mf *MissingFieldError
			require.ErrorAs(t, err, &mf)
			assert.Equal(t, tc.field, mf.Field)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	cfg := baseConfig("https://gcs.example")
	cfg.Auth = nil
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = baseConfig("https://gcs.example")
	require.NoError(t, cfg.Validate())

	// 음수 천장은 제한 없음
	cfg.MaxUncompressedBatchBytes = -1
	cfg.MaxCompressedBatchBytes = -1
	require.NoError(t, cfg.Validate())
	cfg.defaults()
	assert.Equal(t, -1, cfg.MaxUncompressedBatchBytes)

	cfg = baseConfig("https://gcs.example")
	cfg.defaults()
	assert.Equal(t, payload.DefaultBatchBytes, cfg.MaxUncompressedBatchBytes)
	assert.Equal(t, payload.DefaultBatchBytes, cfg.MaxCompressedBatchBytes)
}

func TestConfig_DerivedStrings(t *testing.T) {
	cfg := baseConfig("https://gcs.example")
	assert.Equal(t, "Ver3v0", cfg.EventVersion())
	assert.Equal(t, "namespace=ns/eventVersion=Ver3v0/tenant=t1/role=r1/roleinstance=ri1", cfg.Metadata())
	assert.Equal(t, "Tenant=t1/Role=r1/RoleInstance=ri1", cfg.SourceIdentity())
}

func TestNew_CertificateErrorsSurface(t *testing.T) {
	cfg := baseConfig("https://gcs.example")
	cfg.Auth = auth.Certificate{Path: t.TempDir() + "/missing.p12", Password: "x"}

	_, err := New(cfg)
	var ce *auth.ConfigurationError
	assert.ErrorAs(t, err, &ce)
}

// fakeGeneva 는 IMDS, GCS, GIG 를 한 서버로 흉내낸다.
type fakeGeneva struct {
	srv *httptest.Server

	imdsHits   atomic.Int32
	configHits atomic.Int32

	mu      sync.Mutex
	uploads []*http.Request
	bodies  [][]byte
	failFor map[string]int // event -> status
}

func newFakeGeneva(t *testing.T) *fakeGeneva {
	t.Helper()
	f := &fakeGeneva{failFor: map[string]int{}}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeGeneva) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasPrefix(r.URL.Path, "/metadata/identity/oauth2/token"):
		f.imdsHits.Add(1)
		_, _ = io.WriteString(w, `{"access_token":"msi-token","expires_in":"3600"}`)

	case strings.HasSuffix(r.URL.Path, "/MonitoringStorageKeys/"):
		f.configHits.Add(1)
		if r.Header.Get("Authorization") != "Bearer msi-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		claims := jwt.MapClaims{"Endpoint": "https://monitoring.example", "exp": time.Now().Add(time.Hour).Unix()}
		tok, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("k"))
		_, _ = io.WriteString(w, `{"IngestionGatewayInfo":{"Endpoint":"`+f.srv.URL+`","AuthToken":"`+tok+
			`"},"StorageAccountKeys":[{"AccountMonikerName":"acctdiag","AccountGroupName":"g","IsPrimaryMoniker":true}]}`)

	case r.URL.Path == "/api/v1/ingestion/ingest":
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.uploads = append(f.uploads, r)
		f.bodies = append(f.bodies, body)
		status := f.failFor[r.URL.Query().Get("event")]
		f.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"ticket":"tk-`+r.URL.Query().Get("event")+`"}`)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeGeneva) client(t *testing.T, mutate ...func(*Config)) *Client {
	t.Helper()
	cfg := baseConfig(f.srv.URL)
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := New(cfg,
		WithHTTPClient(f.srv.Client()),
		WithAuthOptions(auth.WithIMDSEndpoint(f.srv.URL)),
	)
	require.NoError(t, err)
	return c
}

func logs(events ...string) []*logspb.LogRecord {
	out := make([]*logspb.LogRecord, 0, len(events))
	for i, e := range events {
		out = append(out, &logspb.LogRecord{
			EventName:      e,
			TimeUnixNano:   uint64(1_700_000_000+i) * 1e9,
			SeverityNumber: logspb.SeverityNumber_SEVERITY_NUMBER_WARN,
		})
	}
	return out
}

func TestClient_EncodeAndUploadLogs(t *testing.T) {
	f := newFakeGeneva(t)
	c := f.client(t)

	batches, err := c.EncodeAndCompressLogs(logs("Orders", "Audit", "Orders"))
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, "Orders", batches[0].EventName)
	assert.Equal(t, 2, batches[0].RowCount)
	assert.Equal(t, "Audit", batches[1].EventName)

	ticket, err := c.UploadBatch(context.Background(), batches[0])
	require.NoError(t, err)
	assert.Equal(t, "tk-Orders", ticket)

	rep := c.UploadAll(context.Background(), batches)
	require.NoError(t, rep.Err())
	assert.Equal(t, 2, rep.Succeeded)

	// 토큰과 ingestion 정보는 캐시된다
	assert.Equal(t, int32(1), f.imdsHits.Load())
	assert.Equal(t, int32(1), f.configHits.Load())

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.uploads, 3)
	q := f.uploads[0].URL.Query()
	assert.Equal(t, "https://monitoring.example", q.Get("endpoint"))
	assert.Equal(t, "acctdiag", q.Get("moniker"))
	assert.Equal(t, "ns", q.Get("namespace"))
	assert.Equal(t, "Ver3v0", q.Get("version"))
	assert.Equal(t, "Tenant=t1/Role=r1/RoleInstance=ri1", q.Get("sourceIdentity"))
	assert.Equal(t, batches[0].SchemaIDs, q.Get("schemaIds"))

	raw, err := payload.DecompressChunked(f.bodies[0])
	require.NoError(t, err)
	blob, err := payload.DecodeBlob(raw)
	require.NoError(t, err)
	assert.Equal(t, c.Metadata(), blob.Metadata)
	assert.Len(t, blob.Events, 2)
	assert.Equal(t, uint8(13), blob.Events[0].Level)

	m := c.Metrics()
	assert.Equal(t, int64(3), atomic.LoadInt64(&m.RowsEncodedTotal))
	assert.Equal(t, int64(2), atomic.LoadInt64(&m.BatchesBuiltTotal))
	assert.Equal(t, int64(3), atomic.LoadInt64(&m.BatchesUploadedTotal))
}

func TestClient_UploadSpans(t *testing.T) {
	f := newFakeGeneva(t)
	c := f.client(t)

	rep, err := c.UploadSpans(context.Background(), []*tracepb.Span{
		{Name: "a", StartTimeUnixNano: 10, EndTimeUnixNano: 20},
		{Name: "b", StartTimeUnixNano: 5, EndTimeUnixNano: 30},
	})
	require.NoError(t, err)
	require.NoError(t, rep.Err())
	assert.Equal(t, 1, rep.Succeeded)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.uploads, 1)
	assert.Equal(t, "Span", f.uploads[0].URL.Query().Get("event"))
}

func TestClient_PartialFailureContinues(t *testing.T) {
	f := newFakeGeneva(t)
	f.failFor["Bad"] = http.StatusBadRequest
	c := f.client(t)

	rep, err := c.UploadLogs(context.Background(), logs("Good", "Bad", "Other"))
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Succeeded)
	require.Len(t, rep.Failed, 1)
	assert.Equal(t, 1, rep.Failed[0].Index)

	var ue *uploader.Error
	require.True(t, errors.As(rep.Failed[0].Err, &ue))
	assert.Equal(t, http.StatusBadRequest, ue.Status)
}

func TestClient_FailFast(t *testing.T) {
	f := newFakeGeneva(t)
	f.failFor["Bad"] = http.StatusBadRequest
	c := f.client(t, func(cfg *Config) { cfg.FailFast = true })

	rep, err := c.UploadLogs(context.Background(), logs("Bad", "Good"))
	require.NoError(t, err)
	assert.True(t, rep.Aborted)
	assert.Equal(t, 0, rep.Succeeded)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Len(t, f.uploads, 1)
}

func TestClient_SmallCeilingSplitsBatches(t *testing.T) {
	f := newFakeGeneva(t)
	c := f.client(t, func(cfg *Config) { cfg.MaxUncompressedBatchBytes = 200 })

	batches, err := c.EncodeAndCompressLogs(logs("E", "E", "E", "E", "E", "E"))
	require.NoError(t, err)
	require.Greater(t, len(batches), 1)

	total := 0
	for i, b := range batches {
		assert.Equal(t, i, b.Index)
		assert.True(t, b.UncompressedSize <= 200 || b.Oversized)
		total += b.RowCount
	}
	assert.Equal(t, 6, total)
}

func TestClient_MaxBatchRows(t *testing.T) {
	f := newFakeGeneva(t)
	c := f.client(t, func(cfg *Config) { cfg.MaxBatchRows = 2 })

	batches, err := c.EncodeAndCompressLogs(logs("E", "E", "E", "E", "E"))
	require.NoError(t, err)
	require.Len(t, batches, 3)
	for _, b := range batches {
		assert.LessOrEqual(t, b.RowCount, 2)
	}

	rep := c.UploadAll(context.Background(), batches)
	assert.Equal(t, 3, rep.Succeeded)
	assert.Empty(t, rep.Failed)
}

func TestClient_NegativeCeilingIsUnlimited(t *testing.T) {
	f := newFakeGeneva(t)
	c := f.client(t, func(cfg *Config) {
		cfg.MaxUncompressedBatchBytes = -1
		cfg.MaxCompressedBatchBytes = -1
	})

	batches, err := c.EncodeAndCompressLogs(logs("E", "E", "E", "E", "E", "E"))
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, 6, batches[0].RowCount)
}
