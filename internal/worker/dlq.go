// internal/worker/dlq.go
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"geneva-ingest/internal/archive"
	"geneva-ingest/internal/config"
	"geneva-ingest/internal/metrics"
	"geneva-ingest/internal/payload"
	"geneva-ingest/internal/pool"

	json "github.com/goccy/go-json"
	zlog "github.com/rs/zerolog/log"
)

// BatchUploader 는 DLQ 재업로드에 필요한 geneva client 메서드.
type BatchUploader interface {
	UploadBatch(ctx context.Context, b *payload.Batch) (string, error)
}

// batchMeta 는 data 파일 옆 .meta.json 내용.
// 재업로드 URL 을 다시 만들 수 있을 만큼의 배치 정보를 담는다.
type batchMeta struct {
	EventName        string `json:"event_name"`
	SchemaIDs        string `json:"schema_ids"`
	StartTime        uint64 `json:"start_time"`
	EndTime          uint64 `json:"end_time"`
	RowCount         int    `json:"row_count"`
	UncompressedSize int    `json:"uncompressed_size"`
	BlobSize         int    `json:"blob_size"`
}

var errInvalidSpool = errors.New("dlq: invalid spool file")

// DLQManager 는 GIG 업로드 실패 배치를 로컬 디스크에 저장하고,
// 이후 재업로드를 담당한다.
//   - 압축 실패 마커: data 가 없으므로 저장하지 않고 drop 으로 집계
//   - 업로드 실패: LZ4 압축 data + .meta.json 으로 저장
//
// TTL 판단은 "파일명 prefix 의 Unix timestamp" 기준으로 한다.
// TTL 초과 / 프레이밍 손상 파일은 archive sink 로 보낸 뒤 삭제한다.
type DLQManager struct {
	cfg      config.Config
	metrics  *metrics.Metrics
	uploader BatchUploader
	sink     archive.Sink

	// 현재 DLQ 디렉토리에 저장된 data 파일 총 바이트 수
	dlqSizeBytes int64
}

// NewDLQManager 는 DLQ 디렉토리를 초기화하고, 기존 파일을 스캔하여
// DLQSizeBytes / DLQFilesCurrent 를 복원한다.
// data 없이 .meta.json 만 남은 orphan 도 정리한다.
func NewDLQManager(cfg config.Config, m *metrics.Metrics, up BatchUploader, sink archive.Sink) (*DLQManager, error) {
	if err := os.MkdirAll(cfg.DLQDir, 0o755); err != nil {
		return nil, fmt.Errorf("dlq: create dir: %w", err)
	}
	if sink == nil {
		sink = archive.NopSink{}
	}

	d := &DLQManager{
		cfg:      cfg,
		metrics:  m,
		uploader: up,
		sink:     sink,
	}

	entries, err := os.ReadDir(cfg.DLQDir)
	if err != nil {
		return nil, fmt.Errorf("dlq: scan dir: %w", err)
	}

	var total, count int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()

		if strings.HasSuffix(name, metaSuffix) {
			dataName := strings.TrimSuffix(name, metaSuffix)
			if _, err := os.Stat(filepath.Join(cfg.DLQDir, dataName)); os.IsNotExist(err) {
				_ = os.Remove(filepath.Join(cfg.DLQDir, name))
			}
			continue
		}
		if !isDataFile(name) {
			continue
		}

		if info, err := e.Info(); err == nil {
			total += info.Size()
			count++
		}
	}

	atomic.StoreInt64(&d.dlqSizeBytes, total)
	atomic.AddInt64(&m.DLQSizeBytes, total)
	atomic.AddInt64(&m.DLQFilesCurrent, count)

	if count > 0 {
		zlog.Info().Int64("files", count).Int64("bytes", total).Msg("dlq restored")
	}
	return d, nil
}

func isDataFile(name string) bool {
	return name != "" && name[0] != '.' && strings.HasSuffix(name, dataSuffix)
}

// Save 는 업로드 실패한 배치를 로컬 DLQ 에 저장한다.
func (d *DLQManager) Save(b *payload.Batch) error {
	if b == nil || b.RowCount <= 0 {
		return nil
	}
	if b.Failed() || len(b.Data) == 0 {
		// 압축 실패 마커는 다시 올릴 data 가 없다
		atomic.AddInt64(&d.metrics.DLQBatchesDroppedTotal, 1)
		zlog.Error().Err(b.Err).Str("event", b.EventName).Int("rows", b.RowCount).Msg("batch has no data, dropped")
		return nil
	}

	size := int64(len(b.Data))
	if !d.ensureCapacity(size) {
		atomic.AddInt64(&d.metrics.DLQBatchesDroppedTotal, 1)
		zlog.Error().Int64("bytes", size).Int("rows", b.RowCount).Msg("dlq full, batch dropped")
		return nil
	}

	meta, err := json.Marshal(batchMeta{
		EventName:        b.EventName,
		SchemaIDs:        b.SchemaIDs,
		StartTime:        b.StartTime,
		EndTime:          b.EndTime,
		RowCount:         b.RowCount,
		UncompressedSize: b.UncompressedSize,
		BlobSize:         b.BlobSize,
	})
	if err != nil {
		return fmt.Errorf("dlq: encode meta: %w", err)
	}

	filename := NewFilename(d.cfg.InstanceID)
	dataPath := filepath.Join(d.cfg.DLQDir, filename)

	// meta 를 먼저 쓴다. data 만 있고 meta 가 없는 파일은 손상으로 본다.
	if err := os.WriteFile(dataPath+metaSuffix, meta, 0o600); err != nil {
		return fmt.Errorf("dlq: write meta: %w", err)
	}
	if err := os.WriteFile(dataPath, b.Data, 0o600); err != nil {
		_ = os.Remove(dataPath + metaSuffix)
		return fmt.Errorf("dlq: write data: %w", err)
	}

	atomic.AddInt64(&d.dlqSizeBytes, size)
	atomic.AddInt64(&d.metrics.DLQSizeBytes, size)
	atomic.AddInt64(&d.metrics.DLQFilesCurrent, 1)
	atomic.AddInt64(&d.metrics.DLQBatchesEnqueuedTotal, 1)

	zlog.Warn().Str("file", filename).Str("event", b.EventName).Int("rows", b.RowCount).Msg("batch spooled to dlq")
	return nil
}

// ensureCapacity 는 DLQMaxSizeBytes 를 넘지 않도록 가장 오래된 파일부터 삭제한다.
// 지울 파일이 더 없으면 false.
func (d *DLQManager) ensureCapacity(incoming int64) bool {
	limit := d.cfg.DLQMaxSizeBytes
	if limit <= 0 {
		return true
	}

	for {
		if atomic.LoadInt64(&d.dlqSizeBytes)+incoming <= limit {
			return true
		}

		oldest := d.pickOldest()
		if oldest == "" {
			return false
		}
		d.remove(oldest)
		atomic.AddInt64(&d.metrics.DLQFilesExpiredTotal, 1)

		zlog.Warn().Str("file", oldest).Msg("dlq capacity, removed oldest")
	}
}

// ProcessOneCtx 는 가장 오래된 파일 1개를 처리한다.
//  1. TTL 초과 → archive 후 삭제
//  2. 프레이밍/메타 손상 → archive 후 삭제
//  3. 그 외 → GIG 재업로드, 성공 시 삭제 (실패하면 다음 차례에 다시)
//
// 처리한 파일이 있으면 true.
func (d *DLQManager) ProcessOneCtx(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}

	name := d.pickOldest()
	if name == "" {
		return false
	}
	dataPath := filepath.Join(d.cfg.DLQDir, name)

	if d.cfg.DLQMaxAge > 0 {
		if sec, ok := extractUnixFromFilename(name); ok {
			age := time.Duration(Unix()-sec) * time.Second
			if age > d.cfg.DLQMaxAge {
				d.archiveAndRemove(ctx, name)
				atomic.AddInt64(&d.metrics.DLQFilesExpiredTotal, 1)
				zlog.Info().Str("file", name).Dur("age", age).Msg("dlq ttl expired")
				return true
			}
		}
	}

	b, err := d.load(dataPath)
	if err != nil {
		zlog.Warn().Err(err).Str("file", name).Msg("dlq file invalid, archiving")
		d.archiveAndRemove(ctx, name)
		return true
	}

	ticket, err := d.uploader.UploadBatch(ctx, b)
	if err != nil {
		zlog.Warn().Err(err).Str("file", name).Msg("dlq reupload failed")
		return false
	}

	d.remove(name)
	atomic.AddInt64(&d.metrics.DLQBatchesReuploadedTotal, 1)
	zlog.Info().Str("file", name).Str("ticket", ticket).Int("rows", b.RowCount).Msg("dlq reupload success")
	return true
}

// load 는 data/meta 를 읽어 업로드 가능한 배치로 되돌린다.
// LZ4 청크 프레이밍과 central blob 구조까지 검사한다.
func (d *DLQManager) load(dataPath string) (*payload.Batch, error) {
	data, err := os.ReadFile(dataPath)
	if err != nil {
		return nil, err
	}
	rawMeta, err := os.ReadFile(dataPath + metaSuffix)
	if err != nil {
		return nil, fmt.Errorf("%w: meta: %v", errInvalidSpool, err)
	}

	var meta batchMeta
	if err := json.Unmarshal(rawMeta, &meta); err != nil {
		return nil, fmt.Errorf("%w: meta: %v", errInvalidSpool, err)
	}
	if meta.EventName == "" || meta.RowCount <= 0 {
		return nil, fmt.Errorf("%w: incomplete meta", errInvalidSpool)
	}

	raw, err := payload.DecompressChunked(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidSpool, err)
	}
	blob, err := payload.DecodeBlob(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidSpool, err)
	}
	if len(blob.Events) != meta.RowCount {
		return nil, fmt.Errorf("%w: %d rows in blob, meta says %d", errInvalidSpool, len(blob.Events), meta.RowCount)
	}

	return &payload.Batch{
		EventName:        meta.EventName,
		Data:             data,
		RowCount:         meta.RowCount,
		UncompressedSize: meta.UncompressedSize,
		BlobSize:         len(raw),
		CompressedSize:   len(data),
		SchemaIDs:        meta.SchemaIDs,
		StartTime:        meta.StartTime,
		EndTime:          meta.EndTime,
	}, nil
}

// archiveAndRemove 는 data(+meta) 를 gzip 으로 archive sink 에 보내고 삭제한다.
// archive 가 실패해도 파일은 지운다. 실패 파일이 큐 맨 앞을 막지 않게 한다.
func (d *DLQManager) archiveAndRemove(ctx context.Context, name string) {
	for _, file := range []string{name, name + metaSuffix} {
		body, err := os.ReadFile(filepath.Join(d.cfg.DLQDir, file))
		if err != nil {
			continue
		}
		gz, err := pool.Gzip(body)
		if err == nil {
			err = d.sink.Put(ctx, ArchiveKey(d.cfg.ArchivePrefix, file), gz)
		}
		if err != nil {
			zlog.Error().Err(err).Str("file", file).Str("sink", d.sink.Name()).Msg("dlq archive failed")
			continue
		}
		if file == name {
			atomic.AddInt64(&d.metrics.DLQFilesArchivedTotal, 1)
		}
	}
	d.remove(name)
}

// remove 는 data/meta 를 지우고 용량 gauge 를 갱신한다.
func (d *DLQManager) remove(name string) {
	dataPath := filepath.Join(d.cfg.DLQDir, name)

	if info, err := os.Stat(dataPath); err == nil {
		atomic.AddInt64(&d.dlqSizeBytes, -info.Size())
		atomic.AddInt64(&d.metrics.DLQSizeBytes, -info.Size())
		atomic.AddInt64(&d.metrics.DLQFilesCurrent, -1)
	}
	_ = os.Remove(dataPath)
	_ = os.Remove(dataPath + metaSuffix)
}

// pickOldest 는 파일명(=timestamp) 기준으로 가장 오래된 data 파일을 고른다.
// ReadDir 순서를 믿지 않고 반드시 정렬한다.
func (d *DLQManager) pickOldest() string {
	entries, err := os.ReadDir(d.cfg.DLQDir)
	if err != nil {
		return ""
	}

	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !isDataFile(e.Name()) {
			continue
		}
		files = append(files, e.Name())
	}
	if len(files) == 0 {
		return ""
	}

	sort.Strings(files)
	return files[0]
}

// SizeBytes 는 현재 DLQ data 파일 총 바이트 수.
func (d *DLQManager) SizeBytes() int64 {
	return atomic.LoadInt64(&d.dlqSizeBytes)
}
