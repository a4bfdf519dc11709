// internal/auth/method.go
package auth

import (
	"fmt"
	"strings"
)

// 모니터링 리소스 URI (클라우드별)
const (
	ResourcePublic  = "https://monitor.core.windows.net/"
	ResourceUSGov   = "https://monitor.core.usgovcloudapi.net/"
	ResourceChina   = "https://monitor.core.chinacloudapi.cn/"
	DefaultResource = ResourcePublic
)

// Method
//
// 인증 방식. 아래 네 타입만 구현하는 닫힌 variant 이며
// 클라이언트 생성 시점에 하나가 정해지고 이후 바뀌지 않는다.
//   - Certificate            : PKCS#12 mTLS
//   - SystemManagedIdentity  : IMDS (시스템 할당)
//   - UserManagedIdentity    : IMDS (client_id / object_id / mi_res_id 중 하나)
//   - WorkloadIdentity       : 프로젝트된 SA 토큰 → AAD client assertion 교환
type Method interface {
	method() string
}

type Certificate struct {
	Path     string
	Password string
}

type SystemManagedIdentity struct {
	Resource string
}

// SelectorKind 는 user-assigned identity 를 지정하는 방법.
type SelectorKind int

const (
	ByClientID SelectorKind = iota + 1
	ByObjectID
	ByResourceID
)

// queryKey 는 IMDS 쿼리 파라미터 이름.
func (k SelectorKind) queryKey() string {
	switch k {
	case ByClientID:
		return "client_id"
	case ByObjectID:
		return "object_id"
	case ByResourceID:
		return "mi_res_id"
	}
	return ""
}

type Selector struct {
	Kind  SelectorKind
	Value string
}

type UserManagedIdentity struct {
	Selector Selector
	Resource string
}

// WorkloadIdentity 필드가 비어 있으면 AZURE_CLIENT_ID / AZURE_TENANT_ID /
// AZURE_FEDERATED_TOKEN_FILE 환경변수로 채운다.
type WorkloadIdentity struct {
	ClientID  string
	TenantID  string
	TokenFile string
	Resource  string
}

func (Certificate) method() string           { return "certificate" }
func (SystemManagedIdentity) method() string { return "system_managed_identity" }
func (UserManagedIdentity) method() string   { return "user_managed_identity" }
func (WorkloadIdentity) method() string      { return "workload_identity" }

// Name 은 로그/메트릭용 방식 이름.
func Name(m Method) string {
	if m == nil {
		return "none"
	}
	return m.method()
}

func resourceOrDefault(r string) string {
	if strings.TrimSpace(r) == "" {
		return DefaultResource
	}
	return r
}

// validate 는 정적 설정만 검사한다. 파일 존재 여부 등은 handler 가 본다.
func validate(m Method) error {
	switch v := m.(type) {
	case Certificate:
		if v.Path == "" {
			return &ConfigurationError{Reason: "certificate path is empty"}
		}
	case *Certificate:
		return validate(*v)
	case SystemManagedIdentity:
	case UserManagedIdentity:
		if v.Selector.Kind.queryKey() == "" {
			return &ConfigurationError{Reason: fmt.Sprintf("unknown managed identity selector %d", v.Selector.Kind)}
		}
		if strings.TrimSpace(v.Selector.Value) == "" {
			return &ConfigurationError{Reason: "managed identity selector value is empty"}
		}
	case WorkloadIdentity:
	case nil:
		return &ConfigurationError{Reason: "auth method is not set"}
	default:
		return &ConfigurationError{Reason: fmt.Sprintf("unsupported auth method %T", m)}
	}
	return nil
}
