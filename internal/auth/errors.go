// internal/auth/errors.go
package auth

import "fmt"

// ConfigurationError 는 인증 설정 자체가 잘못된 경우 (파일 없음, 비밀번호 불일치 등).
// 재시도해도 바뀌지 않는다.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth configuration: %s: %v", e.Reason, e.Err)
	}
	return "auth configuration: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ErrorKind 는 토큰 획득 실패 분류.
type ErrorKind int

const (
	// KindNetwork: 연결 실패/타임아웃. 재시도 대상.
	KindNetwork ErrorKind = iota + 1
	// KindInvalidResponse: 응답은 왔지만 토큰을 만들 수 없음.
	KindInvalidResponse
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindInvalidResponse:
		return "invalid_response"
	}
	return "unknown"
}

// Error 는 토큰 엔드포인트 호출 실패.
type Error struct {
	Kind   ErrorKind
	Method string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("auth %s (%s): %v", e.Kind, e.Method, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Temporary 는 재시도 가치가 있는지.
func (e *Error) Temporary() bool { return e.Kind == KindNetwork }
