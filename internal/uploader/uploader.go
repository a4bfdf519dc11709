// internal/uploader/uploader.go
package uploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"geneva-ingest/internal/ingestion"
	"geneva-ingest/internal/metrics"
	"geneva-ingest/internal/payload"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	ingestPath   = "/api/v1/ingestion/ingest"
	uploadFormat = "centralbond/lz4hc"
	minLevel     = 2

	// .NET "O" 포맷과 같은 7자리 소수
	TimeFormat = "2006-01-02T15:04:05.0000000Z"

	maxResponseBody = 64 << 10
)

// IngestionSource 는 ingestion.Client 가 만족한다.
type IngestionSource interface {
	Get(ctx context.Context) (ingestion.GatewayInfo, ingestion.MonikerInfo, error)
	Invalidate()
}

// BatchSource 는 pull 방식 배치 시퀀스. payload.Chunker 가 만족한다.
type BatchSource interface {
	Next() (*payload.Batch, bool)
}

type sliceSource struct {
	batches []*payload.Batch
	i       int
}

func (s *sliceSource) Next() (*payload.Batch, bool) {
	if s.i >= len(s.batches) {
		return nil, false
	}
	b := s.batches[s.i]
	s.i++
	return b, true
}

// Batches 는 이미 만들어진 배치 목록을 BatchSource 로 감싼다.
func Batches(bs []*payload.Batch) BatchSource {
	return &sliceSource{batches: bs}
}

// Mode 는 UploadAll 의 실패 처리 방식.
type Mode int

const (
	// ContinueOnError: 실패를 기록하고 다음 배치로 계속.
	ContinueOnError Mode = iota
	// FailFast: 첫 실패에서 멈춘다.
	FailFast
)

// Config
//
// 업로더 동작 설정. zero 값 필드는 기본값으로 채운다.
//   - MaxRetries: 일시적 실패 재시도 횟수 (0 = 재시도 없음)
//   - RetryBase/RetryCap: 지수 backoff 시작값/상한 (200ms → 2s)
//   - Timeout: POST 한 번(attempt)당 타임아웃
//   - Parallelism: UploadAll 동시 업로드 수 (1 = 순서 보장)
//   - RateLimit: 초당 요청 수 상한 (0 = 제한 없음)
type Config struct {
	EventVersion   string
	SourceIdentity string
	UserAgent      string

	MaxRetries  int
	RetryBase   time.Duration
	RetryCap    time.Duration
	Timeout     time.Duration
	Parallelism int
	RateLimit   float64
	RateBurst   int
}

func (c *Config) defaults() {
	if c.RetryBase <= 0 {
		c.RetryBase = 200 * time.Millisecond
	}
	if c.RetryCap <= 0 {
		c.RetryCap = 2 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 1
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	if c.UserAgent == "" {
		c.UserAgent = "GenevaUploader/0.1"
	}
}

type Option func(*Uploader)

func WithHTTPClient(c *http.Client) Option {
	return func(u *Uploader) {
		if c != nil {
			u.httpClient = c
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(u *Uploader) { u.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(u *Uploader) {
		if m != nil {
			u.metrics = m
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(u *Uploader) {
		if now != nil {
			u.now = now
		}
	}
}

// Uploader
//
// 압축된 배치를 GIG 로 POST 한다.
//   - 배치마다 ingestion 정보를 조회한다 (캐시가 유효하면 네트워크 없음).
//   - 일시적 실패 (네트워크, 타임아웃, 5xx, 429) 만 backoff 재시도.
//   - GIG 가 401/403 을 주면 ingestion 캐시를 버리고 한 번만 다시 시도.
//   - 이미 네트워크로 나간 요청은 취소하지 않는다. 취소는 배치 경계와 backoff 대기에서만 반영된다.
type Uploader struct {
	cfg        Config
	ingestion  IngestionSource
	httpClient *http.Client
	limiter    *rate.Limiter
	metrics    *metrics.Metrics
	now        func() time.Time
	log        zerolog.Logger
}

func New(src IngestionSource, cfg Config, opts ...Option) (*Uploader, error) {
	if src == nil {
		return nil, errors.New("uploader: ingestion source is nil")
	}
	if cfg.EventVersion == "" {
		return nil, errors.New("uploader: event version is empty")
	}
	cfg.defaults()

	u := &Uploader{
		cfg:        cfg,
		ingestion:  src,
		httpClient: &http.Client{},
		metrics:    metrics.New(),
		now:        time.Now,
		log:        zerolog.Nop(),
	}
	if cfg.RateLimit > 0 {
		u.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}
	for _, o := range opts {
		o(u)
	}
	u.log = u.log.With().Str("component", "uploader").Logger()
	return u, nil
}

// Response 는 GIG 가 돌려준 접수 결과.
type Response struct {
	Ticket string `json:"ticket"`
}

// UploadBatch
//
// 배치 하나를 업로드한다. 압축 실패 마커나 빈 배치는 네트워크 없이 실패로 돌려준다.
func (u *Uploader) UploadBatch(ctx context.Context, b *payload.Batch) (*Response, error) {
	if b == nil {
		return nil, fmt.Errorf("%w: nil batch", ErrMalformedBatch)
	}
	if b.Failed() {
		return nil, b.Err
	}
	if len(b.Data) == 0 {
		return nil, fmt.Errorf("%w: batch %d has no data", ErrMalformedBatch, b.Index)
	}
	if b.Oversized {
		atomic.AddInt64(&u.metrics.OversizedBatchesTotal, 1)
		u.log.Warn().
			Int("batch", b.Index).
			Int("uncompressed", b.UncompressedSize).
			Int("compressed", b.CompressedSize).
			Msg("uploading oversized batch, gateway may reject it")
	}

	resp, err := u.sendWithRetry(ctx, b)
	var ue *Error
	if err != nil && errors.As(err, &ue) && ue.authRejected() {
		// 게이트웨이 토큰이 거부됨 → ingestion 캐시 폐기 후 한 번만 다시
		atomic.AddInt64(&u.metrics.IngestionRefreshesTotal, 1)
		u.log.Warn().Int("batch", b.Index).Int("status", ue.Status).Msg("gateway rejected token, refreshing ingestion info")
		u.ingestion.Invalidate()
		resp, err = u.sendWithRetry(ctx, b)
	}

	if err != nil {
		atomic.AddInt64(&u.metrics.BatchesFailedTotal, 1)
		return nil, err
	}

	atomic.AddInt64(&u.metrics.BatchesUploadedTotal, 1)
	atomic.AddInt64(&u.metrics.RowsUploadedTotal, int64(b.RowCount))
	atomic.AddInt64(&u.metrics.BytesUploadedTotal, int64(len(b.Data)))
	return resp, nil
}

func (u *Uploader) backoff() retry.Backoff {
	b := retry.NewExponential(u.cfg.RetryBase)
	b = retry.WithCappedDuration(u.cfg.RetryCap, b)
	return retry.WithMaxRetries(uint64(u.cfg.MaxRetries), b)
}

func (u *Uploader) sendWithRetry(ctx context.Context, b *payload.Batch) (*Response, error) {
	var (
		resp    *Response
		attempt int
	)
	err := retry.Do(ctx, u.backoff(), func(ctx context.Context) error {
		attempt++
		if u.limiter != nil {
			if err := u.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		r, err := u.send(ctx, b)
		if err == nil {
			resp = r
			return nil
		}

		atomic.AddInt64(&u.metrics.UploadAttemptErrorsTotal, 1)
		if ctx.Err() == nil && transient(err) {
			u.log.Debug().Err(err).Int("batch", b.Index).Int("attempt", attempt).Msg("upload attempt failed, retrying")
			return retry.RetryableError(err)
		}
		return err
	})
	return resp, err
}

// send 는 POST 한 번. 요청이 나간 뒤에는 ctx 취소와 무관하게 응답(또는 타임아웃)까지 기다린다.
func (u *Uploader) send(ctx context.Context, b *payload.Batch) (*Response, error) {
	gw, mk, err := u.ingestion.Get(ctx)
	if err != nil {
		return nil, err
	}

	target, err := u.BuildURL(gw, mk, b)
	if err != nil {
		return nil, &Error{Err: err}
	}

	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), u.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, target, bytes.NewReader(b.Data))
	if err != nil {
		return nil, &Error{Err: err}
	}
	req.ContentLength = int64(len(b.Data))
	req.Header.Set("Authorization", "Bearer "+gw.AuthToken)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("User-Agent", u.cfg.UserAgent)
	req.Header.Set("x-ms-client-request-id", uuid.NewString())

	start := u.now()
	resp, err := u.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Err: err, Transient: true}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &Error{Status: resp.StatusCode, Err: err, Transient: true}
	}

	if resp.StatusCode != http.StatusAccepted {
		return nil, statusError(resp.StatusCode, truncate(body, 512))
	}

	var out Response
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &Error{Status: resp.StatusCode, Body: truncate(body, 512), Err: fmt.Errorf("decode ticket: %w", err)}
	}
	if out.Ticket == "" {
		return nil, &Error{Status: resp.StatusCode, Body: truncate(body, 512), Err: ErrNoTicket}
	}

	u.log.Debug().
		Int("batch", b.Index).
		Str("event", b.EventName).
		Int("rows", b.RowCount).
		Int("bytes", len(b.Data)).
		Str("ticket", out.Ticket).
		Dur("took", u.now().Sub(start)).
		Msg("batch uploaded")
	return &out, nil
}

// BuildURL 은 GIG ingest URL 을 만든다. 쿼리 순서는 게이트웨이 문서 순서를 따른다.
func (u *Uploader) BuildURL(gw ingestion.GatewayInfo, mk ingestion.MonikerInfo, b *payload.Batch) (string, error) {
	if gw.Endpoint == "" {
		return "", errors.New("empty gateway endpoint")
	}

	start, end := u.timeRange(b)

	params := [...][2]string{
		{"endpoint", gw.MonitoringEndpoint},
		{"moniker", mk.Name},
		{"namespace", mk.Namespace},
		{"event", b.EventName},
		{"version", u.cfg.EventVersion},
		{"sourceUniqueId", uuid.NewString()},
		{"sourceIdentity", u.cfg.SourceIdentity},
		{"startTime", start.UTC().Format(TimeFormat)},
		{"endTime", end.UTC().Format(TimeFormat)},
		{"format", uploadFormat},
		{"dataSize", strconv.Itoa(len(b.Data))},
		{"minLevel", strconv.Itoa(minLevel)},
		{"schemaIds", b.SchemaIDs},
	}

	var sb strings.Builder
	sb.Grow(512)
	sb.WriteString(strings.TrimSuffix(gw.Endpoint, "/"))
	sb.WriteString(ingestPath)
	for i, p := range params {
		if i == 0 {
			sb.WriteByte('?')
		} else {
			sb.WriteByte('&')
		}
		sb.WriteString(p[0])
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(p[1]))
	}
	return sb.String(), nil
}

// timeRange 는 배치 row 들의 시간 범위. 모르면 지금부터 5분.
func (u *Uploader) timeRange(b *payload.Batch) (time.Time, time.Time) {
	if b.StartTime == 0 {
		now := u.now()
		return now, now.Add(5 * time.Minute)
	}
	start := time.Unix(0, int64(b.StartTime))
	end := start
	if b.EndTime > b.StartTime {
		end = time.Unix(0, int64(b.EndTime))
	}
	return start, end
}

// UploadAll
//
// src 의 배치를 전부 업로드하고 결과를 모은다. 배치 단위 실패로 패닉하거나 멈추지 않는다
// (FailFast 제외).
//   - Parallelism 1: 생성 순서대로 하나씩
//   - Parallelism >1: 최대 N 개 동시. 배치 간 순서는 보장하지 않는다.
//   - ctx 가 취소되면 남은 배치는 ctx.Err() 로 실패 처리된다.
func (u *Uploader) UploadAll(ctx context.Context, src BatchSource, mode Mode) *Report {
	if u.cfg.Parallelism > 1 {
		return u.uploadParallel(ctx, src, mode)
	}

	rep := &Report{}
	for {
		if err := ctx.Err(); err != nil {
			u.drain(src, rep, err)
			break
		}
		b, ok := src.Next()
		if !ok {
			break
		}

		if _, err := u.UploadBatch(ctx, b); err != nil {
			rep.Failed = append(rep.Failed, Failure{Index: batchIndex(b), Err: err})
			u.log.Warn().Err(err).Int("batch", batchIndex(b)).Msg("batch upload failed")
			if mode == FailFast {
				rep.Aborted = true
				break
			}
			continue
		}
		rep.Succeeded++
	}
	return rep
}

func (u *Uploader) uploadParallel(ctx context.Context, src BatchSource, mode Mode) *Report {
	rep := &Report{}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.cfg.Parallelism)

	for {
		if gctx.Err() != nil {
			break
		}
		b, ok := src.Next()
		if !ok {
			break
		}

		// g.Go 는 슬롯이 빌 때까지 막힌다. 그 사이 fail-fast 로 중단됐으면 보내지 않는다.
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				mu.Lock()
				rep.Failed = append(rep.Failed, Failure{Index: batchIndex(b), Err: err})
				mu.Unlock()
				return nil
			}
			_, err := u.UploadBatch(ctx, b)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				rep.Failed = append(rep.Failed, Failure{Index: batchIndex(b), Err: err})
				u.log.Warn().Err(err).Int("batch", batchIndex(b)).Msg("batch upload failed")
				if mode == FailFast {
					rep.Aborted = true
					return err
				}
				return nil
			}
			rep.Succeeded++
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		u.drain(src, rep, err)
	}
	rep.sortFailures()
	return rep
}

// drain 은 취소 이후 남은 배치를 꺼내 실패로 기록한다.
func (u *Uploader) drain(src BatchSource, rep *Report, err error) {
	n := 0
	for {
		b, ok := src.Next()
		if !ok {
			break
		}
		rep.Failed = append(rep.Failed, Failure{Index: batchIndex(b), Err: err})
		n++
	}
	if n > 0 {
		u.log.Warn().Err(err).Int("remaining", n).Msg("upload cancelled, remaining batches not sent")
	}
}

func batchIndex(b *payload.Batch) int {
	if b == nil {
		return -1
	}
	return b.Index
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
