// internal/auth/provider.go
package auth

import (
	"context"
	"crypto/tls"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// RefreshMargin 만큼 만료가 남았으면 이미 만료된 것으로 본다.
const RefreshMargin = 5 * time.Minute

// Credential
//
// 인증 결과 한 건.
//   - 인증서 방식: Certificate 만 채워지고 Token 은 비어 있다.
//   - 토큰 방식: Token 만 채워진다.
//   - ExpiresAt zero 는 만료 없음.
type Credential struct {
	Token       string
	Certificate *tls.Certificate
	ExpiresAt   time.Time
}

// Bearer 는 Authorization 헤더 값. 토큰이 없으면 "".
func (c Credential) Bearer() string {
	if c.Token == "" {
		return ""
	}
	return "Bearer " + c.Token
}

func (c Credential) usable(now time.Time) bool {
	if c.Token == "" && c.Certificate == nil {
		return false
	}
	return c.ExpiresAt.IsZero() || now.Add(RefreshMargin).Before(c.ExpiresAt)
}

type Option func(*Provider)

func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.httpClient = c
		}
	}
}

func WithIMDSEndpoint(u string) Option {
	return func(p *Provider) {
		if u != "" {
			p.imdsEndpoint = u
		}
	}
}

func WithAuthorityHost(u string) Option {
	return func(p *Provider) {
		if u != "" {
			p.authorityHost = u
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		if now != nil {
			p.now = now
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// Provider
//
// 설정된 Method 로 자격 증명을 만들고 캐시한다.
//   - 인증서는 생성 시점에 한 번 읽는다 (잘못된 경우 NewProvider 가 실패).
//   - 토큰은 만료 5분 전부터 다음 Get 에서 갱신한다.
//   - 갱신은 mutex 로 직렬화되어 동시에 만료를 본 호출자들도 토큰 요청은 한 번만 한다.
//
// 여러 goroutine 에서 동시에 써도 안전하다.
type Provider struct {
	method   Method
	workload WorkloadIdentity

	httpClient    *http.Client
	imdsEndpoint  string
	authorityHost string
	now           func() time.Time
	log           zerolog.Logger

	cached atomic.Pointer[Credential]
	mu     sync.Mutex
}

// NewProvider 는 Method 를 검증하고 Provider 를 만든다.
// 인증서 방식이면 여기서 파일을 읽는다.
func NewProvider(m Method, opts ...Option) (*Provider, error) {
	if c, ok := m.(*Certificate); ok && c != nil {
		m = *c
	}
	if err := validate(m); err != nil {
		return nil, err
	}

	p := &Provider{
		method:        m,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		imdsEndpoint:  DefaultIMDSEndpoint,
		authorityHost: DefaultAuthorityHost,
		now:           time.Now,
		log:           zerolog.Nop(),
	}
	for _, o := range opts {
		o(p)
	}
	p.log = p.log.With().Str("component", "auth").Str("method", Name(m)).Logger()

	switch v := m.(type) {
	case Certificate:
		cert, notAfter, err := loadCertificate(v)
		if err != nil {
			return nil, err
		}
		p.cached.Store(&Credential{Certificate: cert, ExpiresAt: notAfter})
		p.log.Info().Time("not_after", notAfter).Msg("client certificate loaded")

	case WorkloadIdentity:
		w, err := resolveWorkload(v)
		if err != nil {
			return nil, err
		}
		p.workload = w
	}
	return p, nil
}

// Method 는 구성된 인증 방식.
func (p *Provider) Method() Method { return p.method }

// UsesCertificate 는 mTLS 방식인지.
func (p *Provider) UsesCertificate() bool {
	_, ok := p.method.(Certificate)
	return ok
}

// Get
//
// 유효한 자격 증명을 반환한다. force=true 면 캐시를 무시하고 새로 받는다
// (다운스트림이 401/403 을 돌려줬을 때).
func (p *Provider) Get(ctx context.Context, force bool) (Credential, error) {
	if !force {
		if c := p.cached.Load(); c != nil && c.usable(p.now()) {
			return *c, nil
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// 기다리는 동안 다른 goroutine 이 갱신했을 수 있다.
	if !force {
		if c := p.cached.Load(); c != nil && c.usable(p.now()) {
			return *c, nil
		}
	}

	if err := ctx.Err(); err != nil {
		return Credential{}, err
	}

	c, err := p.fetch(ctx)
	if err != nil {
		p.log.Warn().Err(err).Bool("force", force).Msg("credential refresh failed")
		return Credential{}, err
	}
	p.cached.Store(&c)
	p.log.Debug().Time("expires_at", c.ExpiresAt).Bool("force", force).Msg("credential refreshed")
	return c, nil
}

// Invalidate 는 캐시된 토큰을 버린다. 인증서는 유지한다.
func (p *Provider) Invalidate() {
	if p.UsesCertificate() {
		return
	}
	p.cached.Store(nil)
}

func (p *Provider) fetch(ctx context.Context) (Credential, error) {
	switch v := p.method.(type) {
	case Certificate:
		// 인증서는 생성 시 로드. 만료됐어도 재로드는 하지 않는다.
		if c := p.cached.Load(); c != nil {
			return *c, nil
		}
		cert, notAfter, err := loadCertificate(v)
		if err != nil {
			return Credential{}, err
		}
		return Credential{Certificate: cert, ExpiresAt: notAfter}, nil
	case SystemManagedIdentity:
		return p.fetchIMDS(ctx, v.Resource, nil)
	case UserManagedIdentity:
		sel := v.Selector
		return p.fetchIMDS(ctx, v.Resource, &sel)
	case WorkloadIdentity:
		return p.fetchWorkload(ctx, p.workload)
	}
	return Credential{}, &ConfigurationError{Reason: "unsupported auth method " + Name(p.method)}
}
