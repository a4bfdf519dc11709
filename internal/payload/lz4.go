// internal/payload/lz4.go
package payload

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// ChunkSize 는 LZ4 블록 하나가 담는 원본 크기 (64 KiB).
const ChunkSize = 64 * 1024

var ErrCorruptChunk = errors.New("payload: corrupt lz4 chunk")

// CompressChunked
//
// 입력을 64 KiB 단위로 잘라 각각 LZ4 block 압축하고,
// 청크마다 4바이트 LE 압축 길이를 앞에 붙여 이어 쓴다.
//
//	| len1 | lz4(chunk1) | len2 | lz4(chunk2) | ...
//
// 빈 입력은 빈 출력.
func CompressChunked(src []byte) ([]byte, error) {
	if len(src) == 0 {
		return []byte{}, nil
	}

	bound := lz4.CompressBlockBound(ChunkSize)
	chunks := (len(src) + ChunkSize - 1) / ChunkSize
	out := make([]byte, 0, chunks*(4+bound))
	tmp := make([]byte, bound)

	var c lz4.Compressor
	for off := 0; off < len(src); off += ChunkSize {
		end := min(off+ChunkSize, len(src))
		chunk := src[off:end]

		n, err := c.CompressBlock(chunk, tmp)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress chunk at %d: %w", off, err)
		}

		if n == 0 {
			// 압축 불가 → literal-only 블록으로 직접 기록
			lit := literalBlock(tmp[:0], chunk)
			out = binary.LittleEndian.AppendUint32(out, uint32(len(lit)))
			out = append(out, lit...)
			continue
		}

		out = binary.LittleEndian.AppendUint32(out, uint32(n))
		out = append(out, tmp[:n]...)
	}
	return out, nil
}

// literalBlock 은 match 없이 literal 하나로만 이루어진 유효한 LZ4 블록을 만든다.
func literalBlock(dst, src []byte) []byte {
	n := len(src)
	if n < 15 {
		dst = append(dst, byte(n<<4))
	} else {
		dst = append(dst, 0xF0)
		rest := n - 15
		for rest >= 255 {
			dst = append(dst, 255)
			rest -= 255
		}
		dst = append(dst, byte(rest))
	}
	return append(dst, src...)
}

// DecompressChunked 는 CompressChunked 의 역.
func DecompressChunked(data []byte) ([]byte, error) {
	out := make([]byte, 0, len(data)*2)
	buf := make([]byte, ChunkSize)

	for off := 0; off < len(data); {
		if len(data)-off < 4 {
			return nil, fmt.Errorf("%w: short length header at %d", ErrCorruptChunk, off)
		}
		n := int(binary.LittleEndian.Uint32(data[off:]))
		off += 4
		if n > len(data)-off {
			return nil, fmt.Errorf("%w: chunk length %d exceeds remaining %d", ErrCorruptChunk, n, len(data)-off)
		}

		m, err := lz4.UncompressBlock(data[off:off+n], buf)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptChunk, err)
		}
		out = append(out, buf[:m]...)
		off += n
	}
	return out, nil
}
