// internal/auth/workload.go
package auth

import (
	"context"
	"errors"
	"net/url"
	"os"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	DefaultAuthorityHost = "https://login.microsoftonline.com"
	clientAssertionType  = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
)

// resolveWorkload 는 비어 있는 필드를 환경변수로 채운다.
func resolveWorkload(w WorkloadIdentity) (WorkloadIdentity, error) {
	if w.ClientID == "" {
		w.ClientID = os.Getenv("AZURE_CLIENT_ID")
	}
	if w.TenantID == "" {
		w.TenantID = os.Getenv("AZURE_TENANT_ID")
	}
	if w.TokenFile == "" {
		w.TokenFile = os.Getenv("AZURE_FEDERATED_TOKEN_FILE")
	}

	var missing []string
	if w.ClientID == "" {
		missing = append(missing, "client id")
	}
	if w.TenantID == "" {
		missing = append(missing, "tenant id")
	}
	if w.TokenFile == "" {
		missing = append(missing, "federated token file")
	}
	if len(missing) > 0 {
		return w, &ConfigurationError{Reason: "workload identity missing " + strings.Join(missing, ", ")}
	}
	return w, nil
}

// scope 는 resource URI 를 v2 scope 로 바꾼다.
func scope(resource string) string {
	return strings.TrimSuffix(resourceOrDefault(resource), "/") + "/.default"
}

// fetchWorkload 는 프로젝트된 SA 토큰을 client assertion 으로 AAD 토큰과 교환한다.
// 토큰 파일은 kubelet 이 주기적으로 갱신하므로 매번 다시 읽는다.
func (p *Provider) fetchWorkload(ctx context.Context, w WorkloadIdentity) (Credential, error) {
	assertion, err := os.ReadFile(w.TokenFile)
	if err != nil {
		return Credential{}, &ConfigurationError{Reason: "read federated token file", Err: err}
	}

	cfg := clientcredentials.Config{
		ClientID: w.ClientID,
		TokenURL: strings.TrimSuffix(p.authorityHost, "/") + "/" + url.PathEscape(w.TenantID) + "/oauth2/v2.0/token",
		Scopes:   []string{scope(w.Resource)},
		EndpointParams: url.Values{
			"client_assertion_type": {clientAssertionType},
			"client_assertion":      {strings.TrimSpace(string(assertion))},
		},
		AuthStyle: oauth2.AuthStyleInParams,
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	tok, err := cfg.Token(ctx)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			kind := KindInvalidResponse
			if re.Response != nil && re.Response.StatusCode >= 500 {
				kind = KindNetwork
			}
			return Credential{}, &Error{Kind: kind, Method: Name(p.method), Err: err}
		}
		return Credential{}, &Error{Kind: KindNetwork, Method: Name(p.method), Err: err}
	}
	if tok.AccessToken == "" {
		return Credential{}, &Error{Kind: KindInvalidResponse, Method: Name(p.method), Err: errors.New("empty access_token")}
	}

	exp := tok.Expiry
	if exp.IsZero() {
		exp = jwtExpiry(tok.AccessToken)
	}
	return Credential{Token: tok.AccessToken, ExpiresAt: exp}, nil
}
