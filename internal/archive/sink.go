// internal/archive/sink.go
package archive

import (
	"context"
	"fmt"

	"geneva-ingest/internal/config"
	"geneva-ingest/internal/metrics"
)

// ------------------------------------------------------------
// Archive sink
//
// DLQ 에서 더 이상 재업로드하지 않을 배치(TTL 초과, LZ4 프레이밍 손상)를
// 삭제하기 전에 장기 보관소로 보낸다.
// body 는 호출 쪽에서 gzip 으로 압축해서 넘긴다.
// ------------------------------------------------------------

// Sink 는 key 하나에 body 하나를 올린다. 재시도는 구현이 알아서 한다.
type Sink interface {
	Put(ctx context.Context, key string, body []byte) error
	Name() string
}

// NopSink 는 아무것도 보관하지 않는다 (ARCHIVE_KIND=none).
type NopSink struct{}

func (NopSink) Put(context.Context, string, []byte) error { return nil }
func (NopSink) Name() string                              { return "none" }

// New 는 ARCHIVE_KIND 에 맞는 Sink 를 만든다.
func New(ctx context.Context, cfg config.Config, m *metrics.Metrics) (Sink, error) {
	switch cfg.ArchiveKind {
	case "", "none":
		return NopSink{}, nil
	case "s3":
		return NewS3Sink(ctx, cfg, m)
	case "azblob":
		return NewAzureSink(cfg, m)
	}
	return nil, fmt.Errorf("archive: unknown kind %q", cfg.ArchiveKind)
}

// Key
//
// 표준 archive object key.
//
//	<prefix>/dt=<YYYY-MM-DD>/hr=<HH>/<file>.gz
//
// dt/hr 는 UTC. Athena / Synapse 파티션 스캔과 같은 구조.
func Key(prefix, dt, hr, file string) string {
	return fmt.Sprintf("%s/dt=%s/hr=%s/%s.gz", prefix, dt, hr, file)
}
