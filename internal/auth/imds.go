// internal/auth/imds.go
package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
)

const (
	DefaultIMDSEndpoint = "http://169.254.169.254"
	imdsTokenPath       = "/metadata/identity/oauth2/token"
	imdsAPIVersion      = "2018-02-01"

	maxTokenBody = 1 << 20
)

// flexInt 는 숫자 또는 숫자 문자열 둘 다 받는다 (IMDS 는 문자열로 준다).
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("parse %q: %w", s, err)
	}
	*f = flexInt(n)
	return nil
}

type tokenResponse struct {
	AccessToken string  `json:"access_token"`
	ExpiresOn   flexInt `json:"expires_on"`
	ExpiresIn   flexInt `json:"expires_in"`
	TokenType   string  `json:"token_type"`
}

// expiry 우선순위: expires_on → expires_in → JWT exp. 전부 없으면 zero (만료 없음).
func (r *tokenResponse) expiry(now time.Time) time.Time {
	if r.ExpiresOn > 0 {
		return time.Unix(int64(r.ExpiresOn), 0)
	}
	if r.ExpiresIn > 0 {
		return now.Add(time.Duration(r.ExpiresIn) * time.Second)
	}
	return jwtExpiry(r.AccessToken)
}

// jwtExpiry 는 서명 검증 없이 exp claim 만 읽는다.
func jwtExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// fetchIMDS 는 IMDS 에서 managed identity 토큰을 받는다.
func (p *Provider) fetchIMDS(ctx context.Context, resource string, sel *Selector) (Credential, error) {
	q := url.Values{}
	q.Set("api-version", imdsAPIVersion)
	q.Set("resource", resourceOrDefault(resource))
	if sel != nil {
		q.Set(sel.Kind.queryKey(), sel.Value)
	}

	u := strings.TrimSuffix(p.imdsEndpoint, "/") + imdsTokenPath + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Credential{}, &Error{Kind: KindInvalidResponse, Method: Name(p.method), Err: err}
	}
	req.Header.Set("Metadata", "true")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Credential{}, &Error{Kind: KindNetwork, Method: Name(p.method), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenBody))
	if err != nil {
		return Credential{}, &Error{Kind: KindNetwork, Method: Name(p.method), Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		kind := KindInvalidResponse
		// IMDS 는 기동 중 5xx / 429 를 줄 수 있다.
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			kind = KindNetwork
		}
		return Credential{}, &Error{
			Kind:   kind,
			Method: Name(p.method),
			Err:    fmt.Errorf("imds status %d: %s", resp.StatusCode, truncate(body, 256)),
		}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return Credential{}, &Error{Kind: KindInvalidResponse, Method: Name(p.method), Err: fmt.Errorf("decode token: %w", err)}
	}
	if tr.AccessToken == "" {
		return Credential{}, &Error{Kind: KindInvalidResponse, Method: Name(p.method), Err: errors.New("empty access_token")}
	}

	return Credential{Token: tr.AccessToken, ExpiresAt: tr.expiry(p.now())}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
