package geneva

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/rs/zerolog"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"geneva-ingest/internal/auth"
	"geneva-ingest/internal/ingestion"
	"geneva-ingest/internal/metrics"
	"geneva-ingest/internal/otlp"
	"geneva-ingest/internal/payload"
	"geneva-ingest/internal/uploader"
)

type Option func(*options)

type options struct {
	httpClient *http.Client
	log        zerolog.Logger
	metrics    *metrics.Metrics
	authOpts   []auth.Option
}

// WithHTTPClient 는 GCS / GIG / 토큰 엔드포인트 요청에 같은 client 를 쓴다.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithAuthOptions 는 credential provider 에 그대로 넘긴다 (IMDS 주소, authority host 등).
func WithAuthOptions(opts ...auth.Option) Option {
	return func(o *options) { o.authOpts = append(o.authOpts, opts...) }
}

// Client
//
// 인코딩 → 배치 → 업로드 전체를 하나로 묶은 진입점.
// 인코딩(EncodeAndCompress*)과 업로드(UploadBatch/UploadAll)는 분리되어 있어서
// 호출자가 배치를 보관했다가 나중에 올리거나 다른 곳으로 보낼 수 있다.
// 여러 goroutine 에서 동시에 써도 안전하다.
type Client struct {
	cfg      Config
	metadata string
	limits   payload.Limits

	creds     *auth.Provider
	ingestion *ingestion.Client
	uploader  *uploader.Uploader
	encoder   *otlp.Encoder

	metrics *metrics.Metrics
	log     zerolog.Logger
}

// New 는 설정을 검증하고 하위 컴포넌트를 만든다.
// 인증서 방식이면 여기서 PKCS#12 를 읽고, 토큰/ingestion 정보는 첫 업로드 때 가져온다.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.defaults()

	o := options{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = metrics.New()
	}
	log := o.log.With().Str("namespace", cfg.Namespace).Logger()

	authOpts := append([]auth.Option{auth.WithLogger(log)}, o.authOpts...)
	if o.httpClient != nil {
		authOpts = append(authOpts, auth.WithHTTPClient(o.httpClient))
	}
	creds, err := auth.NewProvider(cfg.Auth, authOpts...)
	if err != nil {
		return nil, fmt.Errorf("geneva: credential provider: %w", err)
	}

	ingOpts := []ingestion.Option{ingestion.WithLogger(log)}
	if o.httpClient != nil {
		ingOpts = append(ingOpts, ingestion.WithHTTPClient(o.httpClient))
	}
	ing, err := ingestion.New(ingestion.Config{
		Endpoint:           cfg.Endpoint,
		Environment:        cfg.Environment,
		Account:            cfg.Account,
		Namespace:          cfg.Namespace,
		Region:             cfg.Region,
		ConfigMajorVersion: cfg.ConfigMajorVersion,
		UserAgentPrefix:    cfg.UserAgentPrefix,
	}, creds, ingOpts...)
	if err != nil {
		return nil, fmt.Errorf("geneva: ingestion client: %w", err)
	}

	upOpts := []uploader.Option{uploader.WithLogger(log), uploader.WithMetrics(o.metrics)}
	if o.httpClient != nil {
		upOpts = append(upOpts, uploader.WithHTTPClient(o.httpClient))
	}
	up, err := uploader.New(ing, uploader.Config{
		EventVersion:   cfg.EventVersion(),
		SourceIdentity: cfg.SourceIdentity(),
		UserAgent:      ing.UserAgent(),
		MaxRetries:     cfg.UploadRetries,
		Timeout:        cfg.UploadTimeout,
		Parallelism:    cfg.MaxConcurrentUploads,
		RateLimit:      cfg.UploadRateLimit,
	}, upOpts...)
	if err != nil {
		return nil, fmt.Errorf("geneva: uploader: %w", err)
	}

	return &Client{
		cfg:      cfg,
		metadata: cfg.Metadata(),
		limits: payload.Limits{
			MaxUncompressedBytes: cfg.MaxUncompressedBatchBytes,
			MaxCompressedBytes:   cfg.MaxCompressedBatchBytes,
			MaxRows:              cfg.MaxBatchRows,
		},
		creds:     creds,
		ingestion: ing,
		uploader:  up,
		encoder:   otlp.NewEncoder(cfg.EnvName, cfg.EnvVer),
		metrics:   o.metrics,
		log:       log,
	}, nil
}

func (c *Client) Config() Config               { return c.cfg }
func (c *Client) Metadata() string             { return c.metadata }
func (c *Client) Metrics() *metrics.Metrics    { return c.metrics }
func (c *Client) Ingestion() *ingestion.Client { return c.ingestion }

// ------------------------------------------------------------
// 인코딩 + 압축
// ------------------------------------------------------------

// EncodeAndCompressLogs
//
// LogRecord 들을 event name 별 배치로 인코딩/압축한다.
// 반환 에러는 인코딩 자체의 실패뿐이고, 배치 단위 압축 실패는 Batch.Err 마커로 담긴다.
func (c *Client) EncodeAndCompressLogs(records []*logspb.LogRecord) ([]*payload.Batch, error) {
	rows, err := c.encoder.EncodeLogs(records)
	if err != nil {
		return nil, fmt.Errorf("geneva: encode logs: %w", err)
	}
	return c.chunk(rows), nil
}

// EncodeAndCompressSpans 는 span 들을 "Span" 배치로 인코딩/압축한다.
func (c *Client) EncodeAndCompressSpans(spans []*tracepb.Span) ([]*payload.Batch, error) {
	rows, err := c.encoder.EncodeSpans(spans)
	if err != nil {
		return nil, fmt.Errorf("geneva: encode spans: %w", err)
	}
	return c.chunk(rows), nil
}

// NewChunker 는 rows 를 끌어가며 배치를 하나씩 만드는 Chunker 를 돌려준다.
// 큰 입력을 한꺼번에 메모리에 두지 않고 UploadStream 에 넘길 때 쓴다.
func (c *Client) NewChunker(src payload.RowReader) *payload.Chunker {
	return payload.NewChunker(src, c.metadata, c.limits)
}

func (c *Client) chunk(rows []payload.Row) []*payload.Batch {
	atomic.AddInt64(&c.metrics.RowsEncodedTotal, int64(len(rows)))

	batches := payload.ChunkAndCompress(rows, c.metadata, c.limits)
	for _, b := range batches {
		c.countBatch(b)
	}
	return batches
}

func (c *Client) countBatch(b *payload.Batch) {
	atomic.AddInt64(&c.metrics.BatchesBuiltTotal, 1)
	if b.Failed() {
		atomic.AddInt64(&c.metrics.CompressErrorsTotal, 1)
		c.log.Warn().Err(b.Err).Int("batch", b.Index).Str("event", b.EventName).Msg("batch compression failed")
	}
}

// ------------------------------------------------------------
// 업로드
// ------------------------------------------------------------

// UploadBatch 는 배치 하나를 올리고 GIG ticket 을 돌려준다.
func (c *Client) UploadBatch(ctx context.Context, b *payload.Batch) (string, error) {
	resp, err := c.uploader.UploadBatch(ctx, b)
	if err != nil {
		return "", err
	}
	return resp.Ticket, nil
}

// UploadAll 은 배치 목록 전체를 올린다. 실패 처리 방식은 Config.FailFast.
func (c *Client) UploadAll(ctx context.Context, batches []*payload.Batch) *uploader.Report {
	return c.uploader.UploadAll(ctx, uploader.Batches(batches), c.mode())
}

// UploadStream 은 Chunker 에서 배치를 하나씩 꺼내 올린다.
func (c *Client) UploadStream(ctx context.Context, ch *payload.Chunker) *uploader.Report {
	return c.uploader.UploadAll(ctx, &countingSource{c: c, src: ch}, c.mode())
}

// UploadLogs 는 인코딩부터 업로드까지 한 번에 처리한다.
func (c *Client) UploadLogs(ctx context.Context, records []*logspb.LogRecord) (*uploader.Report, error) {
	rows, err := c.encoder.EncodeLogs(records)
	if err != nil {
		return nil, fmt.Errorf("geneva: encode logs: %w", err)
	}
	atomic.AddInt64(&c.metrics.RowsEncodedTotal, int64(len(rows)))
	return c.UploadStream(ctx, c.NewChunker(payload.FromSlice(rows))), nil
}

// UploadSpans 는 UploadLogs 의 span 버전.
func (c *Client) UploadSpans(ctx context.Context, spans []*tracepb.Span) (*uploader.Report, error) {
	rows, err := c.encoder.EncodeSpans(spans)
	if err != nil {
		return nil, fmt.Errorf("geneva: encode spans: %w", err)
	}
	atomic.AddInt64(&c.metrics.RowsEncodedTotal, int64(len(rows)))
	return c.UploadStream(ctx, c.NewChunker(payload.FromSlice(rows))), nil
}

// FetchConfiguration 은 GCS 에 등록된 monitoring configuration 을 가져온다.
func (c *Client) FetchConfiguration(ctx context.Context, minor uint32) (*ingestion.Configuration, error) {
	return c.ingestion.FetchConfiguration(ctx, minor)
}

func (c *Client) mode() uploader.Mode {
	if c.cfg.FailFast {
		return uploader.FailFast
	}
	return uploader.ContinueOnError
}

type countingSource struct {
	c   *Client
	src *payload.Chunker
}

func (s *countingSource) Next() (*payload.Batch, bool) {
	b, ok := s.src.Next()
	if ok {
		s.c.countBatch(b)
	}
	return b, ok
}
