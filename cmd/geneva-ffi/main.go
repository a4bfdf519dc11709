// geneva-ffi 는 -buildmode=c-shared 로 빌드되는 C ABI 라이브러리다.
//
//	go build -buildmode=c-shared -o libgeneva.so ./cmd/geneva-ffi
//
// 모든 함수는 GenevaError 코드를 돌려주고, err_buf 가 NULL 이 아니면
// 진단 메시지를 NUL 종료 문자열로 채운다.
package main

/*
#include "geneva_types.h"
*/
import "C"

import (
	"context"
	"fmt"
	"os"
	"unsafe"

	"github.com/rs/zerolog"

	"geneva-ingest/internal/ffi"
	"geneva-ingest/internal/geneva"
)

func main() {}

// GENEVA_FFI_LOG_LEVEL 이 있으면 stderr 로 로그를 남긴다. 기본은 끔.
var logger = func() zerolog.Logger {
	lvl, err := zerolog.ParseLevel(os.Getenv("GENEVA_FFI_LOG_LEVEL"))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.Nop()
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Str("component", "geneva-ffi").Logger()
}()

func goString(p *C.char) string {
	if p == nil {
		return ""
	}
	return C.GoString(p)
}

func diag(buf *C.char, n C.size_t, err error) {
	if buf == nil || n == 0 {
		return
	}
	ffi.CopyDiagnostic(unsafe.Slice((*byte)(unsafe.Pointer(buf)), int(n)), err)
}

// finish 는 코드를 돌려주고 진단 버퍼를 채운다.
func finish(err error, buf *C.char, n C.size_t) C.GenevaError {
	diag(buf, n, err)
	return C.GenevaError(ffi.CodeOf(err))
}

// guard 는 export 함수 안의 panic 을 INTERNAL_ERROR 로 바꾼다.
func guard(code *C.GenevaError, buf *C.char, n C.size_t) {
	if r := recover(); r != nil {
		err := &ffi.Error{Code: ffi.InternalError, Err: fmt.Errorf("panic: %v", r)}
		logger.Error().Err(err).Msg("recovered panic at ffi boundary")
		*code = finish(err, buf, n)
	}
}

//export geneva_client_new
func geneva_client_new(cfg *C.GenevaConfig, out *C.GenevaClientHandle, errBuf *C.char, errLen C.size_t) (code C.GenevaError) {
	defer guard(&code, errBuf, errLen)
	if cfg == nil || out == nil {
		return finish(&ffi.Error{Code: ffi.NullPointer, Err: fmt.Errorf("config or out_handle is null")}, errBuf, errLen)
	}
	*out = 0

	c := &ffi.Config{
		Endpoint:           goString(cfg.endpoint),
		Environment:        goString(cfg.environment),
		Account:            goString(cfg.account),
		Namespace:          goString(cfg.namespace_name),
		Region:             goString(cfg.region),
		ConfigMajorVersion: uint32(cfg.config_major_version),
		AuthMethod:         int32(cfg.auth_method),
		Tenant:             goString(cfg.tenant),
		RoleName:           goString(cfg.role_name),
		RoleInstance:       goString(cfg.role_instance),
	}
	switch c.AuthMethod {
	case ffi.AuthCertificate:
		cert := (*C.GenevaCertAuthConfig)(unsafe.Pointer(&cfg.auth))
		c.CertPath = goString(cert.cert_path)
		c.CertPassword = goString(cert.cert_password)
	case ffi.AuthManagedIdentity:
		msi := (*C.GenevaMSIAuthConfig)(unsafe.Pointer(&cfg.auth))
		c.MSIObjectID = goString(msi.objid)
	}

	h, err := ffi.NewClient(c, geneva.WithLogger(logger))
	if err != nil {
		logger.Warn().Err(err).Msg("client create failed")
		return finish(err, errBuf, errLen)
	}
	*out = C.GenevaClientHandle(h)
	return finish(nil, errBuf, errLen)
}

func encode(
	fn func(ffi.Handle, []byte) (ffi.Handle, error),
	handle C.GenevaClientHandle, data *C.uint8_t, dataLen C.size_t,
	out *C.EncodedBatchesHandle, errBuf *C.char, errLen C.size_t,
) C.GenevaError {
	if out == nil {
		return finish(&ffi.Error{Code: ffi.NullPointer, Err: fmt.Errorf("out_batches is null")}, errBuf, errLen)
	}
	*out = 0
	buf, err := ffi.CopyInput(unsafe.Pointer(data), uint64(dataLen))
	if err != nil {
		return finish(err, errBuf, errLen)
	}
	bh, err := fn(ffi.Handle(handle), buf)
	if err != nil {
		return finish(err, errBuf, errLen)
	}
	*out = C.EncodedBatchesHandle(bh)
	return finish(nil, errBuf, errLen)
}

//export geneva_encode_and_compress_logs
func geneva_encode_and_compress_logs(handle C.GenevaClientHandle, data *C.uint8_t, dataLen C.size_t,
	out *C.EncodedBatchesHandle, errBuf *C.char, errLen C.size_t) (code C.GenevaError) {
	defer guard(&code, errBuf, errLen)
	return encode(ffi.EncodeAndCompressLogs, handle, data, dataLen, out, errBuf, errLen)
}

//export geneva_encode_and_compress_spans
func geneva_encode_and_compress_spans(handle C.GenevaClientHandle, data *C.uint8_t, dataLen C.size_t,
	out *C.EncodedBatchesHandle, errBuf *C.char, errLen C.size_t) (code C.GenevaError) {
	defer guard(&code, errBuf, errLen)
	return encode(ffi.EncodeAndCompressSpans, handle, data, dataLen, out, errBuf, errLen)
}

//export geneva_batches_len
func geneva_batches_len(batches C.EncodedBatchesHandle) C.size_t {
	return C.size_t(ffi.BatchesLen(ffi.Handle(batches)))
}

//export geneva_upload_batch_sync
func geneva_upload_batch_sync(handle C.GenevaClientHandle, batches C.EncodedBatchesHandle, index C.size_t,
	errBuf *C.char, errLen C.size_t) (code C.GenevaError) {
	defer guard(&code, errBuf, errLen)
	err := ffi.UploadBatchSync(context.Background(), ffi.Handle(handle), ffi.Handle(batches), int(index))
	if err != nil {
		logger.Warn().Err(err).Uint64("index", uint64(index)).Msg("upload failed")
	}
	return finish(err, errBuf, errLen)
}

//export geneva_batches_free
func geneva_batches_free(batches C.EncodedBatchesHandle) {
	if batches == 0 {
		return
	}
	if err := ffi.FreeBatches(ffi.Handle(batches)); err != nil {
		logger.Warn().Err(err).Msg("batches free on invalid handle")
	}
}

//export geneva_client_free
func geneva_client_free(handle C.GenevaClientHandle) {
	if handle == 0 {
		return
	}
	if err := ffi.FreeClient(ffi.Handle(handle)); err != nil {
		logger.Warn().Err(err).Msg("client free on invalid handle")
	}
}
