package pool

import (
	"bytes"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// ---------------------------------------------------------------
// 요청마다 반복되는 큰 할당 (OTLP body 읽기, archive gzip 버퍼) 을
// 재사용하기 위한 풀.
// ---------------------------------------------------------------

var (
	// BodyPool: OTLP/HTTP 요청 body 를 읽는 버퍼. 초기 용량 16KB.
	BodyPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 16*1024))
		},
	}

	// BufferPool: archive 로 보낼 gzip 결과 버퍼. 초기 용량 64KB (배치 천장과 같은 크기).
	BufferPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 64*1024))
		},
	}

	// GzipPool: gzip.Writer 재사용. 속도 우선 (BestSpeed).
	GzipPool = sync.Pool{
		New: func() any {
			w, _ := gzip.NewWriterLevel(nil, gzip.BestSpeed)
			return w
		},
	}
)

// MaxBufferCap 보다 커진 버퍼는 풀로 돌리지 않고 GC 에 맡긴다.
const MaxBufferCap = 1 * 1024 * 1024 // 1MB

// PutBody 는 maxCap 이하일 때만 BodyPool 에 돌려준다.
func PutBody(buf *bytes.Buffer, maxCap int64) {
	if int64(buf.Cap()) <= maxCap {
		buf.Reset()
		BodyPool.Put(buf)
	}
}

// PutBuffer 는 MaxBufferCap 이하일 때만 BufferPool 에 돌려준다.
func PutBuffer(buf *bytes.Buffer) {
	if buf.Cap() <= MaxBufferCap {
		buf.Reset()
		BufferPool.Put(buf)
	}
}

// Gzip 은 data 를 풀의 writer 로 압축해서 새 슬라이스로 돌려준다.
func Gzip(data []byte) ([]byte, error) {
	buf := BufferPool.Get().(*bytes.Buffer)
	defer PutBuffer(buf)

	zw := GzipPool.Get().(*gzip.Writer)
	defer GzipPool.Put(zw)
	zw.Reset(buf)

	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return bytes.Clone(buf.Bytes()), nil
}
