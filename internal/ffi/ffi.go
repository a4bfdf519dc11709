// Package ffi 는 C ABI 경계 뒤의 순수 Go 부분이다.
// cgo export 는 cmd/geneva-ffi 에 있고, 여기서는 handle 관리와 코드 매핑만 한다.
package ffi

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"strings"
	"unsafe"

	"github.com/google/uuid"

	"geneva-ingest/internal/auth"
	"geneva-ingest/internal/geneva"
	"geneva-ingest/internal/otlp"
	"geneva-ingest/internal/payload"
)

// C 헤더의 auth_method 값
const (
	AuthManagedIdentity int32 = 0
	AuthCertificate     int32 = 1
)

// Config 는 C 의 GenevaConfig 를 Go 문자열로 옮긴 것. NULL 포인터는 "" 로 들어온다.
type Config struct {
	Endpoint           string
	Environment        string
	Account            string
	Namespace          string
	Region             string
	ConfigMajorVersion uint32
	AuthMethod         int32
	Tenant             string
	RoleName           string
	RoleInstance       string

	CertPath     string
	CertPassword string
	MSIObjectID  string
}

func (c *Config) toGeneva() (geneva.Config, *Error) {
	out := geneva.Config{
		Endpoint:           c.Endpoint,
		Environment:        c.Environment,
		Account:            c.Account,
		Namespace:          c.Namespace,
		Region:             c.Region,
		ConfigMajorVersion: c.ConfigMajorVersion,
		Tenant:             c.Tenant,
		RoleName:           c.RoleName,
		RoleInstance:       c.RoleInstance,
		Auth:               auth.SystemManagedIdentity{},
	}
	// 필수 필드 누락이 auth 오류보다 먼저 보고된다
	if err := out.Validate(); err != nil {
		return out, &Error{Code: clientCode(err, false), Err: err}
	}

	switch c.AuthMethod {
	case AuthManagedIdentity:
		objid := strings.TrimSpace(c.MSIObjectID)
		if objid == "" {
			out.Auth = auth.SystemManagedIdentity{}
			break
		}
		if _, err := uuid.Parse(objid); err != nil {
			return out, fail(InvalidConfig, "msi object id: %v", err)
		}
		out.Auth = auth.UserManagedIdentity{Selector: auth.Selector{Kind: auth.ByObjectID, Value: objid}}
	case AuthCertificate:
		if c.CertPath == "" || c.CertPassword == "" {
			return out, fail(InvalidCertConfig, "certificate auth needs cert_path and cert_password")
		}
		out.Auth = auth.Certificate{Path: c.CertPath, Password: c.CertPassword}
	default:
		return out, fail(InvalidAuthMethod, "unknown auth method %d", c.AuthMethod)
	}
	return out, nil
}

var handles = newRegistry()

// NewClient 는 설정을 검증해 geneva.Client 를 만들고 client handle 을 돌려준다.
func NewClient(cfg *Config, opts ...geneva.Option) (Handle, error) {
	if cfg == nil {
		return 0, fail(NullPointer, "config is null")
	}
	gc, ferr := cfg.toGeneva()
	if ferr != nil {
		return 0, ferr
	}
	cli, err := geneva.New(gc, opts...)
	if err != nil {
		return 0, &Error{Code: clientCode(err, cfg.AuthMethod == AuthCertificate), Err: err}
	}
	return handles.put(kindClient, cli), nil
}

func client(h Handle) (*geneva.Client, error) {
	v, ferr := handles.get(h, kindClient)
	if ferr != nil {
		return nil, ferr
	}
	return v.(*geneva.Client), nil
}

func batches(h Handle) ([]*payload.Batch, error) {
	v, ferr := handles.get(h, kindBatches)
	if ferr != nil {
		return nil, ferr
	}
	return v.([]*payload.Batch), nil
}

// EncodeAndCompressLogs 는 protobuf ExportLogsServiceRequest 를 배치로 만들고 batches handle 을 돌려준다.
func EncodeAndCompressLogs(h Handle, data []byte) (Handle, error) {
	cli, err := client(h)
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, fail(EmptyInput, "empty request")
	}
	recs, err := otlp.DecodeLogs(data)
	if err != nil {
		return 0, fail(DecodeFailed, "decode logs request: %v", err)
	}
	bs, err := cli.EncodeAndCompressLogs(recs)
	if err != nil {
		return 0, &Error{Code: InvalidData, Err: err}
	}
	return handles.put(kindBatches, bs), nil
}

// EncodeAndCompressSpans 는 EncodeAndCompressLogs 의 span 버전.
func EncodeAndCompressSpans(h Handle, data []byte) (Handle, error) {
	cli, err := client(h)
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, fail(EmptyInput, "empty request")
	}
	spans, err := otlp.DecodeSpans(data)
	if err != nil {
		return 0, fail(DecodeFailed, "decode trace request: %v", err)
	}
	bs, err := cli.EncodeAndCompressSpans(spans)
	if err != nil {
		return 0, &Error{Code: InvalidData, Err: err}
	}
	return handles.put(kindBatches, bs), nil
}

// BatchesLen 은 배치 수. 잘못된 handle 이면 0.
func BatchesLen(h Handle) int {
	bs, err := batches(h)
	if err != nil {
		return 0
	}
	return len(bs)
}

// UploadBatchSync 는 index 번째 배치를 올리고 끝날 때까지 기다린다.
func UploadBatchSync(ctx context.Context, ch, bh Handle, index int) error {
	cli, err := client(ch)
	if err != nil {
		return err
	}
	bs, err := batches(bh)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(bs) {
		return fail(IndexOutOfRange, "index %d out of range [0,%d)", index, len(bs))
	}
	b := bs[index]
	if b.Failed() {
		return &Error{Code: InternalError, Err: b.Err}
	}
	if _, err := cli.UploadBatch(ctx, b); err != nil {
		return &Error{Code: UploadFailed, Err: err}
	}
	return nil
}

// FreeBatches / FreeClient 는 handle 을 해제한다. 이미 해제됐으면 InvalidHandle.
func FreeBatches(h Handle) error {
	if ferr := handles.remove(h, kindBatches); ferr != nil {
		return ferr
	}
	return nil
}

func FreeClient(h Handle) error {
	if ferr := handles.remove(h, kindClient); ferr != nil {
		return ferr
	}
	return nil
}

// CopyDiagnostic 은 err 메시지를 NUL 종료 문자열로 buf 에 복사한다. 잘리면 잘린 채로.
func CopyDiagnostic(buf []byte, err error) {
	if len(buf) == 0 {
		return
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	n := copy(buf[:len(buf)-1], msg)
	buf[n] = 0
}

// CopyInput 은 C 쪽 입력 버퍼를 Go 메모리로 복사한다.
// int 로 표현할 수 없는 길이는 InvalidData.
func CopyInput(p unsafe.Pointer, n uint64) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	if p == nil {
		return nil, &Error{Code: NullPointer, Err: fmt.Errorf("data is null")}
	}
	if n > math.MaxInt {
		return nil, &Error{Code: InvalidData, Err: fmt.Errorf("data_len %d out of range", n)}
	}
	return bytes.Clone(unsafe.Slice((*byte)(p), int(n))), nil
}
