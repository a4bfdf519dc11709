package geneva

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"geneva-ingest/internal/auth"
	"geneva-ingest/internal/payload"
)

// ErrInvalidConfig 는 모든 설정 오류가 감싸는 sentinel.
var ErrInvalidConfig = errors.New("geneva: invalid config")

// MissingFieldError 는 필수 필드가 비어 있을 때. Field 는 snake_case 이름.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("geneva: missing required field %q", e.Field)
}

func (e *MissingFieldError) Unwrap() error { return ErrInvalidConfig }

// Config
//
// 클라이언트 한 개가 대표하는 Geneva 계정/역할 정보와 업로드 동작 설정.
// zero 값 튜닝 필드는 기본값으로 채운다.
type Config struct {
	Endpoint           string
	Environment        string
	Account            string
	Namespace          string
	Region             string
	ConfigMajorVersion uint32
	Auth               auth.Method

	Tenant       string
	RoleName     string
	RoleInstance string

	UserAgentPrefix string

	// row 의 env_name / env_ver. 비우면 otlp 기본값.
	EnvName string
	EnvVer  string

	// 배치 천장. 0 은 기본값(64 KiB), 음수는 제한 없음.
	// MaxBatchRows 는 0 이하이면 row 수 제한 없음.
	MaxUncompressedBatchBytes int
	MaxCompressedBatchBytes   int
	MaxBatchRows              int

	MaxConcurrentUploads int
	UploadRetries        int
	UploadTimeout        time.Duration
	UploadRateLimit      float64
	FailFast             bool
}

// Validate 는 필수 필드를 정해진 순서로 검사하고 첫 번째 누락을 돌려준다.
func (c *Config) Validate() error {
	for _, f := range [...]struct{ name, v string }{
		{"endpoint", c.Endpoint},
		{"environment", c.Environment},
		{"account", c.Account},
		{"namespace", c.Namespace},
		{"region", c.Region},
		{"tenant", c.Tenant},
		{"role_name", c.RoleName},
		{"role_instance", c.RoleInstance},
	} {
		if strings.TrimSpace(f.v) == "" {
			return &MissingFieldError{Field: f.name}
		}
	}
	if c.Auth == nil {
		return fmt.Errorf("%w: no auth method", ErrInvalidConfig)
	}
	return nil
}

func (c *Config) defaults() {
	if c.MaxUncompressedBatchBytes == 0 {
		c.MaxUncompressedBatchBytes = payload.DefaultBatchBytes
	}
	if c.MaxCompressedBatchBytes == 0 {
		c.MaxCompressedBatchBytes = payload.DefaultBatchBytes
	}
	if c.MaxConcurrentUploads <= 0 {
		c.MaxConcurrentUploads = 1
	}
}

// EventVersion 은 "Ver{major}v0".
func (c *Config) EventVersion() string {
	return fmt.Sprintf("Ver%dv0", c.ConfigMajorVersion)
}

// Metadata 는 central blob 헤더에 들어가는 문자열.
func (c *Config) Metadata() string {
	return fmt.Sprintf("namespace=%s/eventVersion=%s/tenant=%s/role=%s/roleinstance=%s",
		c.Namespace, c.EventVersion(), c.Tenant, c.RoleName, c.RoleInstance)
}

// SourceIdentity 는 업로드 쿼리의 sourceIdentity.
func (c *Config) SourceIdentity() string {
	return fmt.Sprintf("Tenant=%s/Role=%s/RoleInstance=%s", c.Tenant, c.RoleName, c.RoleInstance)
}
