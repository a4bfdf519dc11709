// internal/worker/manager.go
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"geneva-ingest/internal/archive"
	"geneva-ingest/internal/config"
	"geneva-ingest/internal/metrics"
	"geneva-ingest/internal/model"
	"geneva-ingest/internal/payload"
	"geneva-ingest/internal/uploader"

	zlog "github.com/rs/zerolog/log"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
)

// Client 는 Manager 가 쓰는 geneva.Client 메서드.
type Client interface {
	BatchUploader
	EncodeAndCompressLogs(records []*logspb.LogRecord) ([]*payload.Batch, error)
	EncodeAndCompressSpans(spans []*tracepb.Span) ([]*payload.Batch, error)
	UploadAll(ctx context.Context, batches []*payload.Batch) *uploader.Report
}

// dlqReplayPerTick 는 job 하나 처리 후 / idle 때 재업로드할 DLQ 파일 수.
const dlqReplayPerTick = 3

// idleInterval 은 큐가 비어 있을 때 DLQ 재업로드를 시도하는 주기.
const idleInterval = 500 * time.Millisecond

// Manager는 수신기와 GIG 업로드 사이의 비동기 파이프라인이다.
// OTLP 요청에서 꺼낸 레코드(ItemCh)를 모아서(batch)
//   - geneva client 로 bond 인코딩 + LZ4 압축
//   - GIG 업로드 (실패한 배치는 DLQ 저장)
//
// 하는 전체 흐름을 제어한다.
//
// 주요 구성:
//   - ItemCh: 수신기 → Manager 로 레코드 전달 (Enqueue, non-blocking)
//   - collectLoop: BatchSize 또는 FlushInterval 마다 묶어서 uploadCh 에 전달
//   - uploadLoop: 인코딩/업로드 및 DLQ 처리 담당
//
// Shutdown 은 큐를 닫고 남은 레코드를 모두 처리한 뒤 반환한다.
// 제한 시간이 지나면 업로드를 취소하고, 취소된 배치는 DLQ 로 간다.
type Manager struct {
	cfg     config.Config
	metrics *metrics.Metrics
	client  Client
	dlq     *DLQManager

	ItemCh   chan model.Item
	uploadCh chan model.UploadJob

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewManager 는 DLQManager 를 초기화하고 처리 채널을 구성한다.
func NewManager(cfg config.Config, m *metrics.Metrics, client Client, sink archive.Sink) (*Manager, error) {
	dlq, err := NewDLQManager(cfg, m, client, sink)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		metrics:  m,
		client:   client,
		dlq:      dlq,
		ItemCh:   make(chan model.Item, cfg.ChannelSize),
		uploadCh: make(chan model.UploadJob, cfg.UploadQueue),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start 는 collectLoop / uploadLoop 를 실행한다.
func (m *Manager) Start() {
	m.wg.Add(2)
	go m.collectLoop()
	go m.uploadLoop()
}

// Enqueue 는 item 을 큐에 넣는다. 큐가 가득 찼거나 종료 중이면 false.
func (m *Manager) Enqueue(it model.Item) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false
	}

	select {
	case m.ItemCh <- it:
		return true
	default:
		return false
	}
}

// Shutdown 은 ItemCh 를 닫고 남은 레코드가 모두 업로드(또는 DLQ 저장)될 때까지 기다린다.
// ctx 가 먼저 끝나면 진행 중인 업로드를 취소하고 마저 기다린다.
func (m *Manager) Shutdown(ctx context.Context) {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		close(m.ItemCh)
		m.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		zlog.Warn().Msg("shutdown deadline reached, cancelling uploads")
		m.cancel()
		<-done
	}
	m.cancel()
}

// collectLoop 는 ItemCh 에서 item 을 읽어 job 으로 묶는다.
// BatchSize 도달 또는 FlushInterval 타이머 만료 시 uploadCh 에 전달한다.
// flush() 는 항상 새 job 을 만든다 (slice 재사용 금지).
func (m *Manager) collectLoop() {
	defer m.wg.Done()
	defer close(m.uploadCh)

	var job model.UploadJob
	timer := time.NewTimer(m.cfg.FlushInterval)
	defer timer.Stop()

	reset := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(m.cfg.FlushInterval)
	}

	flush := func() {
		if job.Len() > 0 {
			m.uploadCh <- job
			job = model.UploadJob{}
		}
		reset()
	}

	for {
		select {
		case it, ok := <-m.ItemCh:
			if !ok {
				flush()
				return
			}
			job.Add(it)
			if job.Len() >= m.cfg.BatchSize {
				flush()
			}

		case <-timer.C:
			flush()
		}
	}
}

// uploadLoop 는 uploadCh 에서 job 을 받아
//  1. 인코딩 + 압축 + GIG 업로드 (실패 배치는 DLQ 저장)
//  2. DLQ 재업로드 3회 (starvation 방지)
//
// 를 수행한다. uploadCh 가 닫히면 종료된다.
func (m *Manager) uploadLoop() {
	defer m.wg.Done()

	idle := time.NewTicker(idleInterval)
	defer idle.Stop()

	for {
		select {
		case job, ok := <-m.uploadCh:
			if !ok {
				zlog.Info().Msg("uploader exiting")
				return
			}
			m.processUploadCtx(m.ctx, job)
			m.replayDLQ()

		case <-idle.C:
			m.replayDLQ()
		}
	}
}

func (m *Manager) replayDLQ() {
	for i := 0; i < dlqReplayPerTick; i++ {
		if !m.dlq.ProcessOneCtx(m.ctx) {
			return
		}
	}
}

// processUploadCtx 는 job 하나를 처리한다. logs 와 spans 는 별도 배치 집합이 된다.
func (m *Manager) processUploadCtx(ctx context.Context, job model.UploadJob) {
	if len(job.Logs) > 0 {
		batches, err := m.client.EncodeAndCompressLogs(job.Logs)
		m.upload(ctx, "logs", len(job.Logs), batches, err)
	}
	if len(job.Spans) > 0 {
		batches, err := m.client.EncodeAndCompressSpans(job.Spans)
		m.upload(ctx, "spans", len(job.Spans), batches, err)
	}
}

func (m *Manager) upload(ctx context.Context, signal string, records int, batches []*payload.Batch, encErr error) {
	if encErr != nil {
		// 인코딩 실패는 재시도해도 같은 결과 → 레코드 drop
		atomic.AddInt64(&m.metrics.EncodeErrorsTotal, 1)
		zlog.Error().Err(encErr).Str("signal", signal).Int("records", records).Msg("encode failed, records dropped")
		return
	}
	if len(batches) == 0 {
		return
	}

	rep := m.client.UploadAll(ctx, batches)

	for _, b := range unsent(batches, rep) {
		if err := m.dlq.Save(b); err != nil {
			zlog.Error().Err(err).Int("batch", b.Index).Msg("local DLQ save failed")
		}
	}

	ev := zlog.Debug()
	if len(rep.Failed) > 0 {
		ev = zlog.Warn()
	}
	ev.Str("signal", signal).
		Int("records", records).
		Int("batches", len(batches)).
		Int("succeeded", rep.Succeeded).
		Int("failed", len(rep.Failed)).
		Bool("aborted", rep.Aborted).
		Msg("job uploaded")
}

// unsent 는 업로드되지 않은 배치를 고른다.
// fail-fast 로 중단됐으면 마지막 실패 이후 배치는 아예 시도되지 않았다.
func unsent(batches []*payload.Batch, rep *uploader.Report) []*payload.Batch {
	if len(rep.Failed) == 0 {
		return nil
	}

	failed := make(map[int]struct{}, len(rep.Failed))
	last := -1
	for _, f := range rep.Failed {
		failed[f.Index] = struct{}{}
		if f.Index > last {
			last = f.Index
		}
	}

	var out []*payload.Batch
	for _, b := range batches {
		if _, ok := failed[b.Index]; ok || (rep.Aborted && b.Index > last) {
			out = append(out, b)
		}
	}
	return out
}

// DLQ 는 테스트/진단용 접근자.
func (m *Manager) DLQ() *DLQManager { return m.dlq }
