// internal/worker/file_util.go
package worker

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"geneva-ingest/internal/archive"
)

// file_util.go
// ------------------------------------------------------------
// DLQ 파일명 규칙:
//
//	<unix>_<instance>_<counter>.lz4
//
// 예:
//
//	1764721594_ingest1_000042.lz4
//
// 정렬하면 곧 시간 순 정렬이므로 재업로드는 가장 오래된 파일부터,
// TTL 은 prefix 의 unix 로 판단한다.
// 각 data 파일 옆에는 <name>.meta.json 이 붙는다.
var globalCounter uint64

const (
	dataSuffix = ".lz4"
	metaSuffix = ".meta.json"
)

// NextCounter 는 goroutine 간 충돌 없는 순번. 1e6 에서 0 으로 돌아간다.
func NextCounter() uint64 {
	return atomic.AddUint64(&globalCounter, 1) % 1_000_000
}

// NewFilename 은 새 DLQ data 파일명을 만든다.
func NewFilename(instanceID string) string {
	return fmt.Sprintf("%d_%s_%06d%s", Unix(), instanceID, NextCounter(), dataSuffix)
}

// ArchiveKey 는 현재 UTC 파티션으로 archive object key 를 만든다.
func ArchiveKey(prefix, filename string) string {
	return archive.Key(prefix, DT(), HR(), filename)
}

// extractUnixFromFilename 은 파일명 prefix 의 unix seconds 를 읽는다.
func extractUnixFromFilename(name string) (int64, bool) {
	idx := strings.IndexByte(name, '_')
	if idx <= 0 {
		return 0, false
	}
	sec, err := strconv.ParseInt(name[:idx], 10, 64)
	if err != nil || sec <= 0 {
		return 0, false
	}
	return sec, true
}
