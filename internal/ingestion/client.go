// internal/ingestion/client.go
package ingestion

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"geneva-ingest/internal/auth"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	agentIdentity = "GenevaUploader"
	agentVersion  = "0.1"

	// RefreshMargin 만큼 만료가 남으면 캐시를 버리고 새로 받는다.
	RefreshMargin = 5 * time.Minute

	// DefaultTTL 은 응답과 토큰 어디에도 만료 정보가 없을 때.
	DefaultTTL = time.Hour

	maxResponseBody = 4 << 20
	maxPrefixLen    = 200
)

var (
	ErrInvalidConfig   = errors.New("ingestion: invalid config")
	ErrMonikerNotFound = errors.New("ingestion: no primary diag moniker in storage accounts")
	ErrAuthRejected    = errors.New("ingestion: config service rejected credentials")
	ErrInvalidResponse = errors.New("ingestion: invalid config service response")
	ErrMissingEndpoint = errors.New("ingestion: auth token has no Endpoint claim")
)

// RequestError 는 2xx 가 아닌 응답.
type RequestError struct {
	Status int
	Body   string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("ingestion: config service status %d: %s", e.Status, e.Body)
}

// Temporary 는 5xx / 429 인지.
func (e *RequestError) Temporary() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// Config 는 GCS 에서 자기 자신을 식별하는 정보.
type Config struct {
	Endpoint           string
	Environment        string
	Account            string
	Namespace          string
	Region             string
	ConfigMajorVersion uint32
	UserAgentPrefix    string
}

// GatewayInfo 는 업로드 대상 GIG 정보.
type GatewayInfo struct {
	Endpoint           string
	AuthToken          string
	MonitoringEndpoint string // AuthToken 의 Endpoint claim
	ExpiresAt          time.Time
}

// MonikerInfo 는 업로드 파티션.
type MonikerInfo struct {
	Name         string
	AccountGroup string
	Account      string
	Namespace    string
	Region       string
}

// CredentialSource 는 auth.Provider 가 만족한다.
type CredentialSource interface {
	Get(ctx context.Context, force bool) (auth.Credential, error)
}

type entry struct {
	gateway   GatewayInfo
	moniker   MonikerInfo
	expiresAt time.Time
}

func (e *entry) fresh(now time.Time, margin time.Duration) bool {
	return e != nil && now.Add(margin).Before(e.expiresAt)
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.httpClient = c
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(cl *Client) {
		if now != nil {
			cl.now = now
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(cl *Client) { cl.log = l }
}

func WithRefreshMargin(d time.Duration) Option {
	return func(cl *Client) {
		if d >= 0 {
			cl.margin = d
		}
	}
}

// Client
//
// MonitoringStorageKeys 응답 (gateway + moniker) 을 캐시하는 GCS 클라이언트.
//   - 캐시는 atomic.Pointer 로 통째로 교체된다. 읽는 쪽은 락이 없다.
//   - 캐시 미스 시 갱신은 singleflight 로 하나만 돈다.
//   - 401/403 이면 자격 증명을 강제로 갱신하고 딱 한 번 다시 요청한다.
type Client struct {
	cfg       Config
	creds     CredentialSource
	userAgent string
	identity  string

	httpClient *http.Client
	now        func() time.Time
	margin     time.Duration
	log        zerolog.Logger

	cache atomic.Pointer[entry]
	group singleflight.Group

	tlsMu  sync.Mutex
	tlsFor *tls.Certificate
	tlsCli *http.Client
}

// New 는 설정을 검증하고 Client 를 만든다. 네트워크 호출은 하지 않는다.
func New(cfg Config, creds CredentialSource, opts ...Option) (*Client, error) {
	var missing []string
	for _, f := range [...]struct{ name, v string }{
		{"endpoint", cfg.Endpoint},
		{"environment", cfg.Environment},
		{"account", cfg.Account},
		{"namespace", cfg.Namespace},
		{"region", cfg.Region},
	} {
		if strings.TrimSpace(f.v) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidConfig, strings.Join(missing, ", "))
	}
	if creds == nil {
		return nil, fmt.Errorf("%w: no credential source", ErrInvalidConfig)
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("%w: endpoint: %v", ErrInvalidConfig, err)
	}

	ua, err := BuildUserAgent(cfg.UserAgentPrefix)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:        cfg,
		creds:      creds,
		userAgent:  ua,
		identity:   base64.StdEncoding.EncodeToString([]byte("Tenant=Default/Role=GcsClient/RoleInstance=" + agentIdentity)),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
		margin:     RefreshMargin,
		log:        zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With().Str("component", "ingestion").Str("account", cfg.Account).Logger()
	return c, nil
}

// BuildUserAgent 는 "GenevaUploader/0.1" 또는 "{prefix} (GenevaUploader/0.1)".
func BuildUserAgent(prefix string) (string, error) {
	base := agentIdentity + "/" + agentVersion
	if prefix == "" {
		return base, nil
	}
	p := strings.TrimSpace(prefix)
	if p == "" {
		return "", fmt.Errorf("%w: user agent prefix is blank", ErrInvalidConfig)
	}
	if len(p) > maxPrefixLen {
		return "", fmt.Errorf("%w: user agent prefix longer than %d", ErrInvalidConfig, maxPrefixLen)
	}
	for i := 0; i < len(p); i++ {
		if p[i] < 0x20 || p[i] > 0x7e {
			return "", fmt.Errorf("%w: user agent prefix has non-printable byte 0x%02x", ErrInvalidConfig, p[i])
		}
	}
	return p + " (" + base + ")", nil
}

// UserAgent 는 요청에 붙는 값. 업로더도 같은 값을 쓴다.
func (c *Client) UserAgent() string { return c.userAgent }

// Config 는 생성 시 받은 설정.
func (c *Client) Config() Config { return c.cfg }

// Get
//
// 캐시가 유효하면 그대로, 아니면 GCS 에서 새로 받는다.
// 동시에 들어온 호출자는 같은 결과(또는 같은 에러)를 받는다.
func (c *Client) Get(ctx context.Context) (GatewayInfo, MonikerInfo, error) {
	if e := c.cache.Load(); e.fresh(c.now(), c.margin) {
		return e.gateway, e.moniker, nil
	}

	// 첫 호출자가 취소해도 나머지 대기자에게 영향이 없도록 취소는 떼어낸다.
	// 각 호출자는 자기 ctx 로만 대기를 끝낸다.
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan("storage-keys", func() (any, error) {
		if e := c.cache.Load(); e.fresh(c.now(), c.margin) {
			return e, nil
		}
		e, err := c.refresh(shared)
		if err != nil {
			return nil, err
		}
		c.cache.Store(e)
		return e, nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return GatewayInfo{}, MonikerInfo{}, r.Err
		}
		e := r.Val.(*entry)
		return e.gateway, e.moniker, nil
	case <-ctx.Done():
		return GatewayInfo{}, MonikerInfo{}, ctx.Err()
	}
}

// Invalidate 는 캐시를 버린다. GIG 가 토큰을 거부했을 때 업로더가 부른다.
func (c *Client) Invalidate() {
	c.cache.Store(nil)
}

// ------------------------------------------------------------
// MonitoringStorageKeys
// ------------------------------------------------------------

type storageAccountKey struct {
	AccountMonikerName string `json:"AccountMonikerName"`
	AccountGroupName   string `json:"AccountGroupName"`
	IsPrimaryMoniker   bool   `json:"IsPrimaryMoniker"`
}

type storageKeysResponse struct {
	IngestionGatewayInfo struct {
		Endpoint            string `json:"Endpoint"`
		AuthToken           string `json:"AuthToken"`
		AuthTokenExpiryTime string `json:"AuthTokenExpiryTime"`
	} `json:"IngestionGatewayInfo"`
	StorageAccountKeys []storageAccountKey `json:"StorageAccountKeys"`
	TagID              string              `json:"TagId"`
}

func (c *Client) storageKeysURL() string {
	q := url.Values{}
	q.Set("Namespace", c.cfg.Namespace)
	q.Set("Region", c.cfg.Region)
	q.Set("Identity", c.identity)
	q.Set("OSType", osType())
	q.Set("ConfigMajorVersion", fmt.Sprintf("Ver%dv0", c.cfg.ConfigMajorVersion))
	q.Set("TagId", uuid.NewString())
	return c.baseURL("MonitoringStorageKeys") + "?" + q.Encode()
}

func (c *Client) baseURL(api string) string {
	return fmt.Sprintf("%s/api/agent/v3/%s/%s/%s/",
		strings.TrimSuffix(c.cfg.Endpoint, "/"),
		url.PathEscape(c.cfg.Environment),
		url.PathEscape(c.cfg.Account),
		api)
}

func (c *Client) refresh(ctx context.Context) (*entry, error) {
	start := c.now()
	body, err := c.getWithAuthRetry(ctx, c.storageKeysURL)
	if err != nil {
		return nil, err
	}

	var resp storageKeysResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalidResponse, err)
	}
	gw := resp.IngestionGatewayInfo
	if gw.Endpoint == "" || gw.AuthToken == "" {
		return nil, fmt.Errorf("%w: missing ingestion gateway endpoint or token", ErrInvalidResponse)
	}

	var moniker *storageAccountKey
	for i := range resp.StorageAccountKeys {
		k := &resp.StorageAccountKeys[i]
		if k.IsPrimaryMoniker && strings.Contains(k.AccountMonikerName, "diag") {
			moniker = k
			break
		}
	}
	if moniker == nil {
		return nil, ErrMonikerNotFound
	}

	claims, err := tokenClaims(gw.AuthToken)
	if err != nil {
		return nil, err
	}

	expiresAt := earliest(parseExpiry(gw.AuthTokenExpiryTime), claims.exp)
	if expiresAt.IsZero() {
		expiresAt = c.now().Add(DefaultTTL)
	}

	e := &entry{
		gateway: GatewayInfo{
			Endpoint:           gw.Endpoint,
			AuthToken:          gw.AuthToken,
			MonitoringEndpoint: claims.endpoint,
			ExpiresAt:          expiresAt,
		},
		moniker: MonikerInfo{
			Name:         moniker.AccountMonikerName,
			AccountGroup: moniker.AccountGroupName,
			Account:      c.cfg.Account,
			Namespace:    c.cfg.Namespace,
			Region:       c.cfg.Region,
		},
		expiresAt: expiresAt,
	}

	c.log.Info().
		Str("gateway", gw.Endpoint).
		Str("moniker", moniker.AccountMonikerName).
		Time("expires_at", expiresAt).
		Dur("took", c.now().Sub(start)).
		Msg("ingestion info refreshed")
	return e, nil
}

type claimsInfo struct {
	endpoint string
	exp      time.Time
}

// tokenClaims 는 GIG 토큰을 검증 없이 열어 Endpoint / exp 를 꺼낸다.
func tokenClaims(token string) (claimsInfo, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return claimsInfo{}, fmt.Errorf("%w: auth token: %v", ErrInvalidResponse, err)
	}
	ep, _ := claims["Endpoint"].(string)
	if ep == "" {
		return claimsInfo{}, ErrMissingEndpoint
	}
	var info claimsInfo
	info.endpoint = ep
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		info.exp = exp.Time
	}
	return info, nil
}

func parseExpiry(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// earliest 는 zero 가 아닌 값 중 이른 것.
func earliest(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero():
		return a
	case b.Before(a):
		return b
	}
	return a
}

func osType() string {
	switch runtime.GOOS {
	case "darwin":
		return "Darwin"
	case "windows":
		return "Windows"
	}
	return "Linux"
}

// ------------------------------------------------------------
// HTTP
// ------------------------------------------------------------

// getWithAuthRetry 는 401/403 이면 자격 증명을 강제 갱신하고 한 번만 다시 보낸다.
// 두 번째도 거부되면 ErrAuthRejected.
func (c *Client) getWithAuthRetry(ctx context.Context, buildURL func() string) ([]byte, error) {
	body, status, err := c.get(ctx, buildURL(), false)
	if err != nil {
		return nil, err
	}
	if isAuthStatus(status) {
		c.log.Warn().Int("status", status).Msg("config service rejected credential, forcing refresh")
		body, status, err = c.get(ctx, buildURL(), true)
		if err != nil {
			return nil, err
		}
		if isAuthStatus(status) {
			return nil, fmt.Errorf("%w: %w", ErrAuthRejected, &RequestError{Status: status, Body: truncate(body, 512)})
		}
	}
	if status != http.StatusOK {
		return nil, &RequestError{Status: status, Body: truncate(body, 512)}
	}
	return body, nil
}

func isAuthStatus(s int) bool {
	return s == http.StatusUnauthorized || s == http.StatusForbidden
}

func (c *Client) get(ctx context.Context, u string, forceCredential bool) ([]byte, int, error) {
	cred, err := c.creds.Get(ctx, forceCredential)
	if err != nil {
		return nil, 0, err
	}

	client := c.httpClient
	if cred.Certificate != nil {
		client = c.mtlsClient(cred.Certificate)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("ingestion: build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-ms-client-request-id", uuid.NewString())
	if b := cred.Bearer(); b != "" {
		req.Header.Set("Authorization", b)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("ingestion: GET %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("ingestion: read body: %w", err)
	}
	return body, resp.StatusCode, nil
}

// mtlsClient 는 인증서가 바뀔 때만 transport 를 새로 만든다.
func (c *Client) mtlsClient(cert *tls.Certificate) *http.Client {
	c.tlsMu.Lock()
	defer c.tlsMu.Unlock()

	if c.tlsFor == cert && c.tlsCli != nil {
		return c.tlsCli
	}

	var tr *http.Transport
	if base, ok := c.httpClient.Transport.(*http.Transport); ok && base != nil {
		tr = base.Clone()
	} else {
		tr = http.DefaultTransport.(*http.Transport).Clone()
	}
	if tr.TLSClientConfig == nil {
		tr.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	tr.TLSClientConfig.Certificates = []tls.Certificate{*cert}

	c.tlsFor = cert
	c.tlsCli = &http.Client{Transport: tr, Timeout: c.httpClient.Timeout}
	return c.tlsCli
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
