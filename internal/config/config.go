// internal/config/config.go
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"geneva-ingest/internal/auth"
	"geneva-ingest/internal/geneva"
)

// Config
//
// 서비스 실행 시 필요한 모든 환경 변수 값을 보관하는 구조체.
// 모든 값은 프로세스 시작 시점에 Load() 에 의해 초기화되며,
// 이후에는 변경되지 않는 불변(read-only) 설정들이다.
type Config struct {

	// ---------------------------
	// Geneva 계정 / 역할
	// ---------------------------

	GenevaEndpoint     string // GCS 엔드포인트 (예: https://abc.monitoring.core.windows.net)
	GenevaEnvironment  string // GCS environment (예: Test, DiagnosticsProd)
	GenevaAccount      string
	GenevaNamespace    string
	GenevaRegion       string
	ConfigMajorVersion uint32
	Tenant             string
	RoleName           string
	RoleInstance       string // 비어 있으면 InstanceID
	UserAgentPrefix    string

	// ---------------------------
	// 인증
	// ---------------------------

	AuthMethod     string // certificate | system_msi | user_msi | workload_identity
	CertPath       string
	CertPassword   string
	MSIResource    string
	MSIClientID    string
	MSIObjectID    string
	MSIResourceID  string
	AzureClientID  string
	AzureTenantID  string
	AzureTokenFile string

	// ---------------------------
	// 서버 식별자 / 네트워크
	// ---------------------------

	InstanceID string // 프로세스 고유 ID (호스트명 기반, 실패 시 랜덤 hex)
	HTTPAddr   string // OTLP/HTTP bind 주소 (예: ":4318")
	GRPCAddr   string // OTLP/gRPC bind 주소 (예: ":4317"), 비우면 gRPC 비활성

	// ---------------------------
	// 요청 처리 / 배치 파라미터
	// ---------------------------

	MaxBodySize   int64         // 단일 HTTP 요청 body 최대 크기 (바이트)
	ChannelSize   int           // 요청 큐 버퍼 크기
	UploadQueue   int           // uploadCh 버퍼 크기
	BatchSize     int           // 레코드 N개가 모이면 flush
	FlushInterval time.Duration // 시간 기반 flush 주기

	MaxUncompressedBatchBytes int
	MaxCompressedBatchBytes   int
	MaxBatchRows              int

	// ---------------------------
	// GIG 업로드
	// ---------------------------

	UploadRetries     int
	UploadTimeout     time.Duration // POST 시도당 timeout
	UploadParallelism int
	UploadFailFast    bool
	UploadRateLimit   float64 // 초당 요청 수, 0 = 무제한

	// ---------------------------
	// 로컬 DLQ (Dead Letter Queue)
	// ---------------------------

	DLQDir          string        // 로컬 DLQ 디렉토리 경로
	DLQMaxAge       time.Duration // DLQ 파일 TTL (초과 시 archive 후 삭제)
	DLQMaxSizeBytes int64         // DLQ 전체 허용 용량 (바이트)

	// ---------------------------
	// Archive (만료/손상 DLQ 보관)
	// ---------------------------
	// S3 는 SDK retry 를 0 으로 고정하고 애플리케이션 레벨 재시도만 쓴다.

	ArchiveKind         string // none | s3 | azblob
	ArchivePrefix       string
	AWSRegion           string
	ArchiveBucket       string
	ArchiveTimeout      time.Duration
	ArchiveRetries      int
	AzureStorageAccount string
	AzureStorageKey     string
	ArchiveContainer    string

	// ---------------------------
	// 로깅
	// ---------------------------

	ServiceName string
	LogLevel    string
	LogPretty   bool
	LogSampleN  uint32
}

// Load
//
// 환경 변수 기반으로 Config 값을 초기화한다.
// 필수 env 가 비어있으면 즉시 프로세스를 종료(fail-fast).
func Load() Config {
	c := Config{
		GenevaEndpoint:     must("GENEVA_ENDPOINT"),
		GenevaEnvironment:  must("GENEVA_ENVIRONMENT"),
		GenevaAccount:      must("GENEVA_ACCOUNT"),
		GenevaNamespace:    must("GENEVA_NAMESPACE"),
		GenevaRegion:       must("GENEVA_REGION"),
		ConfigMajorVersion: uint32(mustInt("GENEVA_CONFIG_MAJOR_VERSION")),
		Tenant:             must("GENEVA_TENANT"),
		RoleName:           must("GENEVA_ROLE_NAME"),
		RoleInstance:       os.Getenv("GENEVA_ROLE_INSTANCE"),
		UserAgentPrefix:    os.Getenv("GENEVA_USER_AGENT_PREFIX"),

		AuthMethod:     must("GENEVA_AUTH_METHOD"),
		CertPath:       os.Getenv("GENEVA_CERT_PATH"),
		CertPassword:   os.Getenv("GENEVA_CERT_PASSWORD"),
		MSIResource:    os.Getenv("GENEVA_MSI_RESOURCE"),
		MSIClientID:    os.Getenv("GENEVA_MSI_CLIENT_ID"),
		MSIObjectID:    os.Getenv("GENEVA_MSI_OBJECT_ID"),
		MSIResourceID:  os.Getenv("GENEVA_MSI_RESOURCE_ID"),
		AzureClientID:  os.Getenv("AZURE_CLIENT_ID"),
		AzureTenantID:  os.Getenv("AZURE_TENANT_ID"),
		AzureTokenFile: os.Getenv("AZURE_FEDERATED_TOKEN_FILE"),

		InstanceID: fallbackInstanceID(),
		HTTPAddr:   must("HTTP_ADDR"),
		GRPCAddr:   os.Getenv("GRPC_ADDR"),

		MaxBodySize:   mustInt64("MAX_BODY_SIZE"),
		ChannelSize:   mustInt("CHANNEL_SIZE"),
		UploadQueue:   mustInt("UPLOAD_QUEUE"),
		BatchSize:     mustInt("BATCH_SIZE"),
		FlushInterval: mustDur("FLUSH_INTERVAL"),

		MaxUncompressedBatchBytes: optInt("MAX_UNCOMPRESSED_BATCH_BYTES", 64*1024),
		MaxCompressedBatchBytes:   optInt("MAX_COMPRESSED_BATCH_BYTES", 64*1024),
		MaxBatchRows:              optInt("MAX_BATCH_ROWS", 0),

		UploadRetries:     optInt("UPLOAD_RETRIES", 3),
		UploadTimeout:     optDur("UPLOAD_TIMEOUT", 30*time.Second),
		UploadParallelism: optInt("UPLOAD_PARALLELISM", 1),
		UploadFailFast:    optBool("UPLOAD_FAIL_FAST", false),
		UploadRateLimit:   optFloat("UPLOAD_RATE_LIMIT", 0),

		DLQDir:          must("DLQ_DIR"),
		DLQMaxAge:       mustDur("DLQ_MAX_AGE"),
		DLQMaxSizeBytes: mustInt64("DLQ_MAX_SIZE_BYTES"),

		ArchiveKind:         strings.ToLower(opt("ARCHIVE_KIND", "none")),
		ArchivePrefix:       opt("ARCHIVE_PREFIX", "geneva-dlq"),
		AWSRegion:           os.Getenv("AWS_REGION"),
		ArchiveBucket:       os.Getenv("ARCHIVE_BUCKET"),
		ArchiveTimeout:      optDur("ARCHIVE_TIMEOUT", 30*time.Second),
		ArchiveRetries:      optInt("ARCHIVE_RETRIES", 3),
		AzureStorageAccount: os.Getenv("AZURE_STORAGE_ACCOUNT"),
		AzureStorageKey:     os.Getenv("AZURE_STORAGE_KEY"),
		ArchiveContainer:    os.Getenv("ARCHIVE_CONTAINER"),

		ServiceName: opt("SERVICE_NAME", "geneva-ingest"),
		LogLevel:    opt("LOG_LEVEL", "info"),
		LogPretty:   optBool("LOG_PRETTY", false),
		LogSampleN:  uint32(optInt("LOG_SAMPLE_N", 0)),
	}
	if c.RoleInstance == "" {
		c.RoleInstance = c.InstanceID
	}

	switch c.ArchiveKind {
	case "none":
	case "s3":
		if c.AWSRegion == "" || c.ArchiveBucket == "" {
			log.Fatalf("ARCHIVE_KIND=s3 requires AWS_REGION and ARCHIVE_BUCKET")
		}
	case "azblob":
		if c.AzureStorageAccount == "" || c.ArchiveContainer == "" {
			log.Fatalf("ARCHIVE_KIND=azblob requires AZURE_STORAGE_ACCOUNT and ARCHIVE_CONTAINER")
		}
	default:
		log.Fatalf("invalid ARCHIVE_KIND=%q", c.ArchiveKind)
	}

	if _, err := c.Auth(); err != nil {
		log.Fatalf("invalid auth config: %v", err)
	}
	return c
}

// Auth 는 GENEVA_AUTH_METHOD 와 관련 env 로 인증 방식을 만든다.
func (c Config) Auth() (auth.Method, error) {
	switch strings.ToLower(strings.TrimSpace(c.AuthMethod)) {
	case "certificate":
		if c.CertPath == "" {
			return nil, fmt.Errorf("GENEVA_CERT_PATH is required for certificate auth")
		}
		return auth.Certificate{Path: c.CertPath, Password: c.CertPassword}, nil

	case "system_msi":
		return auth.SystemManagedIdentity{Resource: c.MSIResource}, nil

	case "user_msi":
		var sel []auth.Selector
		if c.MSIClientID != "" {
			sel = append(sel, auth.Selector{Kind: auth.ByClientID, Value: c.MSIClientID})
		}
		if c.MSIObjectID != "" {
			sel = append(sel, auth.Selector{Kind: auth.ByObjectID, Value: c.MSIObjectID})
		}
		if c.MSIResourceID != "" {
			sel = append(sel, auth.Selector{Kind: auth.ByResourceID, Value: c.MSIResourceID})
		}
		if len(sel) != 1 {
			return nil, fmt.Errorf("user_msi needs exactly one of GENEVA_MSI_CLIENT_ID, GENEVA_MSI_OBJECT_ID, GENEVA_MSI_RESOURCE_ID (got %d)", len(sel))
		}
		return auth.UserManagedIdentity{Selector: sel[0], Resource: c.MSIResource}, nil

	case "workload_identity":
		return auth.WorkloadIdentity{
			ClientID:  c.AzureClientID,
			TenantID:  c.AzureTenantID,
			TokenFile: c.AzureTokenFile,
			Resource:  c.MSIResource,
		}, nil
	}
	return nil, fmt.Errorf("unknown GENEVA_AUTH_METHOD %q", c.AuthMethod)
}

// Geneva 는 geneva.Client 설정으로 변환한다.
func (c Config) Geneva() (geneva.Config, error) {
	m, err := c.Auth()
	if err != nil {
		return geneva.Config{}, err
	}
	gc := geneva.Config{
		Endpoint:                  c.GenevaEndpoint,
		Environment:               c.GenevaEnvironment,
		Account:                   c.GenevaAccount,
		Namespace:                 c.GenevaNamespace,
		Region:                    c.GenevaRegion,
		ConfigMajorVersion:        c.ConfigMajorVersion,
		Auth:                      m,
		Tenant:                    c.Tenant,
		RoleName:                  c.RoleName,
		RoleInstance:              c.RoleInstance,
		UserAgentPrefix:           c.UserAgentPrefix,
		EnvName:                   c.ServiceName,
		MaxUncompressedBatchBytes: c.MaxUncompressedBatchBytes,
		MaxCompressedBatchBytes:   c.MaxCompressedBatchBytes,
		MaxBatchRows:              c.MaxBatchRows,
		MaxConcurrentUploads:      c.UploadParallelism,
		UploadRetries:             c.UploadRetries,
		UploadTimeout:             c.UploadTimeout,
		UploadRateLimit:           c.UploadRateLimit,
		FailFast:                  c.UploadFailFast,
	}
	return gc, gc.Validate()
}

// must / mustInt / mustInt64 / mustDur
//
// 공통 패턴.
// 필수 환경변수가 없거나 형식이 잘못되면 즉시 로그 출력 후 종료(fail-fast).
func must(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("missing required env: %s", key)
	}
	return v
}

func mustInt(key string) int {
	v := must(key)
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("invalid int env %s=%q: %v", key, v, err)
	}
	return n
}

func mustInt64(key string) int64 {
	v := must(key)
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Fatalf("invalid int64 env %s=%q: %v", key, v, err)
	}
	return n
}

func mustDur(key string) time.Duration {
	v := must(key)
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("invalid duration env %s=%q: %v", key, v, err)
	}
	return d
}

// opt / optInt / optDur / optBool / optFloat
//
// 선택 env. 없으면 기본값, 있는데 형식이 틀리면 fail-fast.
func opt(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func optInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("invalid int env %s=%q: %v", key, v, err)
	}
	return n
}

func optDur(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("invalid duration env %s=%q: %v", key, v, err)
	}
	return d
}

func optBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Fatalf("invalid bool env %s=%q: %v", key, v, err)
	}
	return b
}

func optFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Fatalf("invalid float env %s=%q: %v", key, v, err)
	}
	return f
}

// fallbackInstanceID
//
// 이 프로세스 인스턴스를 식별하는 고유 값.
//   - 기본: hostname (컨테이너에서는 pod/task 이름 형태로 고유)
//   - fallback: 12자리 랜덤 hex
func fallbackInstanceID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	// 랜덤 6바이트 → 12자리 hex
	var b [6]byte
	if _, err := rand.Read(b[:]); err == nil {
		return hex.EncodeToString(b[:])
	}
	return strconv.FormatInt(time.Now().UnixNano(), 10)
}
