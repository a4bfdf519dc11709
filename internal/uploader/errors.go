// internal/uploader/errors.go
package uploader

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"

	"geneva-ingest/internal/auth"
	"geneva-ingest/internal/ingestion"
)

var (
	// ErrMalformedBatch: nil 이거나 데이터가 없는 배치. 재시도하지 않는다.
	ErrMalformedBatch = errors.New("uploader: malformed batch")
	// ErrNoTicket: 202 였지만 응답에 ticket 이 없음.
	ErrNoTicket = errors.New("uploader: accepted response without ticket")
)

// Error 는 GIG 업로드 실패.
//   - Status 0 은 응답을 받기 전 실패 (연결/타임아웃).
//   - Transient 면 backoff 재시도 대상.
type Error struct {
	Status    int
	Body      string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("uploader: request failed: %v", e.Err)
	}
	return fmt.Sprintf("uploader: gateway status %d: %s", e.Status, e.Body)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) authRejected() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

func statusError(status int, body string) *Error {
	return &Error{
		Status:    status,
		Body:      body,
		Transient: status >= 500 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout,
	}
}

// transient 는 backoff 재시도 대상인지 판단한다.
func transient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var ue *Error
	if errors.As(err, &ue) {
		return ue.Transient
	}
	// ingestion 단계 실패: 서버 5xx, 토큰 엔드포인트 네트워크 오류는 일시적
	var re *ingestion.RequestError
	if errors.As(err, &re) {
		return re.Temporary()
	}
	var ae *auth.Error
	if errors.As(err, &ae) {
		return ae.Temporary()
	}
	if errors.Is(err, ingestion.ErrAuthRejected) || errors.Is(err, ingestion.ErrMonikerNotFound) {
		return false
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// Failure 는 실패한 배치 하나.
type Failure struct {
	Index int
	Err   error
}

// Report 는 UploadAll 결과.
//   - Aborted: fail-fast 로 중간에 멈췄으면 true. 이후 배치는 꺼내지 않았다.
type Report struct {
	Succeeded int
	Failed    []Failure
	Aborted   bool
}

func (r *Report) Total() int { return r.Succeeded + len(r.Failed) }

// Err 는 실패가 없으면 nil, 있으면 전부를 묶은 에러.
func (r *Report) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failed))
	for _, f := range r.Failed {
		errs = append(errs, fmt.Errorf("batch %d: %w", f.Index, f.Err))
	}
	return errors.Join(errs...)
}

func (r *Report) sortFailures() {
	sort.Slice(r.Failed, func(i, j int) bool { return r.Failed[i].Index < r.Failed[j].Index })
}
