package ingestion

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"geneva-ingest/internal/auth"

	"github.com/golang-jwt/jwt/v5"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCreds struct {
	calls  atomic.Int32
	forced atomic.Int32
	err    error
}

func (f *fakeCreds) Get(_ context.Context, force bool) (auth.Credential, error) {
	f.calls.Add(1)
	if force {
		f.forced.Add(1)
	}
	if f.err != nil {
		return auth.Credential{}, f.err
	}
	return auth.Credential{Token: fmt.Sprintf("tok-%d", f.forced.Load()), ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func gigToken(t *testing.T, endpoint string, exp time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{"exp": exp.Unix()}
	if endpoint != "" {
		claims["Endpoint"] = endpoint
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("k"))
	require.NoError(t, err)
	return s
}

func storageKeysBody(token, expiry string, keys ...string) string {
	return `{"IngestionGatewayInfo":{"Endpoint":"https://gig.example","AuthToken":"` + token +
		`","AuthTokenExpiryTime":"` + expiry + `"},"StorageAccountKeys":[` + strings.Join(keys, ",") +
		`],"TagId":"tag"}`
}

const (
	diagPrimary   = `{"AccountMonikerName":"acctdiag","AccountGroupName":"grp","IsPrimaryMoniker":true}`
	diagSecondary = `{"AccountMonikerName":"acctdiag2","AccountGroupName":"grp","IsPrimaryMoniker":false}`
	auditPrimary  = `{"AccountMonikerName":"acctaudit","AccountGroupName":"grp","IsPrimaryMoniker":true}`
)

func testConfig(endpoint string) Config {
	return Config{
		Endpoint:           endpoint,
		Environment:        "Test",
		Account:            "acct",
		Namespace:          "ns",
		Region:             "eastus",
		ConfigMajorVersion: 2,
	}
}

func newTestClient(t *testing.T, srv *httptest.Server, creds CredentialSource, opts ...Option) *Client {
	t.Helper()
	c, err := New(testConfig(srv.URL), creds, opts...)
	require.NoError(t, err)
	return c
}

func TestGet_ParsesAndCaches(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	token := gigToken(t, "https://monitoring.example", exp)
	var hits atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/api/agent/v3/Test/acct/MonitoringStorageKeys/", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "ns", q.Get("Namespace"))
		assert.Equal(t, "eastus", q.Get("Region"))
		assert.Equal(t, "Ver2v0", q.Get("ConfigMajorVersion"))
		assert.NotEmpty(t, q.Get("TagId"))
		assert.Contains(t, []string{"Linux", "Darwin", "Windows"}, q.Get("OSType"))

		id, err := base64.StdEncoding.DecodeString(q.Get("Identity"))
		assert.NoError(t, err)
		assert.Equal(t, "Tenant=Default/Role=GcsClient/RoleInstance=GenevaUploader", string(id))

		assert.Equal(t, "GenevaUploader/0.1", r.Header.Get("User-Agent"))
		assert.Equal(t, "Bearer tok-0", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("x-ms-client-request-id"))

		_, _ = w.Write([]byte(storageKeysBody(token, "", auditPrimary, diagSecondary, diagPrimary)))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, &fakeCreds{})

	gw, mk, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://gig.example", gw.Endpoint)
	assert.Equal(t, token, gw.AuthToken)
	assert.Equal(t, "https://monitoring.example", gw.MonitoringEndpoint)
	assert.True(t, exp.Equal(gw.ExpiresAt))
	assert.Equal(t, MonikerInfo{Name: "acctdiag", AccountGroup: "grp", Account: "acct", Namespace: "ns", Region: "eastus"}, mk)

	_, _, err = c.Get(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, hits.Load())

	c.Invalidate()
	_, _, err = c.Get(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, hits.Load())
}

type certCreds struct {
	cert *tls.Certificate
}

func (c certCreds) Get(context.Context, bool) (auth.Credential, error) {
	return auth.Credential{Certificate: c.cert, ExpiresAt: c.cert.Leaf.NotAfter}, nil
}

func clientCert(t *testing.T) *tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(7),
		Subject:      pkix.Name{CommonName: "geneva-client"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}
}

func TestGet_CertificatePresentsClientCert(t *testing.T) {
	cert := clientCert(t)
	token := gigToken(t, "", time.Now().Add(time.Hour))
	var hits atomic.Int32

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if assert.NotNil(t, r.TLS) && assert.Len(t, r.TLS.PeerCertificates, 1) {
			assert.Equal(t, cert.Leaf.Raw, r.TLS.PeerCertificates[0].Raw)
		}
		assert.Empty(t, r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(storageKeysBody(token, "", diagPrimary)))
	}))
	srv.TLS = &tls.Config{ClientAuth: tls.RequireAnyClientCert}
	srv.StartTLS()
	defer srv.Close()

	c := newTestClient(t, srv, certCreds{cert: cert}, WithHTTPClient(srv.Client()))

	gw, mk, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, token, gw.AuthToken)
	assert.Equal(t, "acctdiag", mk.Name)

	// 같은 인증서면 transport 재사용
	first := c.mtlsClient(cert)
	assert.Same(t, first, c.mtlsClient(cert))

	c.Invalidate()
	_, _, err = c.Get(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, hits.Load())
}

func TestGet_CertificateRequiredByServer(t *testing.T) {
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request without client certificate must not reach the handler")
	}))
	srv.TLS = &tls.Config{ClientAuth: tls.RequireAnyClientCert}
	srv.StartTLS()
	defer srv.Close()

	// 토큰만 있는 자격 증명은 인증서를 보내지 않아 핸드셰이크가 실패한다
	c := newTestClient(t, srv, &fakeCreds{}, WithHTTPClient(srv.Client()))
	_, _, err := c.Get(context.Background())
	require.Error(t, err)
}

func TestGet_SingleFlight(t *testing.T) {
	token := gigToken(t, "https://monitoring.example", time.Now().Add(time.Hour))
	var hits atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(50 * time.Millisecond)
		_, _ = w.Write([]byte(storageKeysBody(token, "", diagPrimary)))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, &fakeCreds{})

	const n = 32
	var (
		wg       sync.WaitGroup
		gateways [n]GatewayInfo
		errs     [n]error
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			gateways[i], _, errs[i] = c.Get(context.Background())
		}(i)
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 1, hits.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, gateways[0], gateways[i])
	}
}

func TestGet_UnauthorizedRefreshesOnce(t *testing.T) {
	token := gigToken(t, "https://monitoring.example", time.Now().Add(time.Hour))

	t.Run("recovers", func(t *testing.T) {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hits.Add(1) == 1 {
				assert.Equal(t, "Bearer tok-0", r.Header.Get("Authorization"))
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
			_, _ = w.Write([]byte(storageKeysBody(token, "", diagPrimary)))
		}))
		defer srv.Close()

		creds := &fakeCreds{}
		c := newTestClient(t, srv, creds)
		_, _, err := c.Get(context.Background())
		require.NoError(t, err)
		assert.EqualValues(t, 2, hits.Load())
		assert.EqualValues(t, 1, creds.forced.Load())
	})

	t.Run("rejected", func(t *testing.T) {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte("nope"))
		}))
		defer srv.Close()

		creds := &fakeCreds{}
		c := newTestClient(t, srv, creds)
		_, _, err := c.Get(context.Background())
		require.ErrorIs(t, err, ErrAuthRejected)

		var re *RequestError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, http.StatusForbidden, re.Status)
		assert.EqualValues(t, 2, hits.Load())
		assert.EqualValues(t, 1, creds.forced.Load())
	})
}

func TestGet_Failures(t *testing.T) {
	token := gigToken(t, "https://monitoring.example", time.Now().Add(time.Hour))
	noEndpoint := gigToken(t, "", time.Now().Add(time.Hour))

	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{"no_moniker", 200, storageKeysBody(token, "", auditPrimary, diagSecondary), func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ErrMonikerNotFound)
		}},
		{"no_endpoint_claim", 200, storageKeysBody(noEndpoint, "", diagPrimary), func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ErrMissingEndpoint)
		}},
		{"bad_json", 200, `{"IngestionGatewayInfo":`, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ErrInvalidResponse)
		}},
		{"server_error", 503, "down", func(t *testing.T, err error) {
			var re *RequestError
			require.ErrorAs(t, err, &re)
			assert.True(t, re.Temporary())
		}},
		{"bad_request", 400, "bad", func(t *testing.T, err error) {
			var re *RequestError
			require.ErrorAs(t, err, &re)
			assert.False(t, re.Temporary())
			assert.Equal(t, "bad", re.Body)
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			c := newTestClient(t, srv, &fakeCreds{})
			_, _, err := c.Get(context.Background())
			require.Error(t, err)
			tc.check(t, err)
		})
	}
}

func TestGet_CredentialErrorPropagates(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	credErr := &auth.Error{Kind: auth.KindNetwork, Method: "system_managed_identity", Err: fmt.Errorf("imds down")}
	c := newTestClient(t, srv, &fakeCreds{err: credErr})

	_, _, err := c.Get(context.Background())
	var ae *auth.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, auth.KindNetwork, ae.Kind)
}

func TestGet_ExpiryUsesEarliestAndMargin(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	// JWT exp 는 2시간 뒤, 응답 만료는 1시간 뒤 → 1시간 기준
	token := gigToken(t, "https://monitoring.example", base.Add(2*time.Hour))
	expiry := base.Add(time.Hour).Format("2006-01-02T15:04:05.0000000Z")
	var hits atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(storageKeysBody(token, expiry, diagPrimary)))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, &fakeCreds{}, WithClock(clock))

	gw, _, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.True(t, base.Add(time.Hour).Equal(gw.ExpiresAt))

	mu.Lock()
	now = base.Add(54 * time.Minute)
	mu.Unlock()
	_, _, err = c.Get(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, hits.Load())

	mu.Lock()
	now = base.Add(56 * time.Minute)
	mu.Unlock()
	_, _, err = c.Get(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, hits.Load())
}

func TestGet_WaiterCancellation(t *testing.T) {
	token := gigToken(t, "https://monitoring.example", time.Now().Add(time.Hour))
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, _ = w.Write([]byte(storageKeysBody(token, "", diagPrimary)))
	}))
	defer srv.Close()
	defer close(release)

	c := newTestClient(t, srv, &fakeCreds{})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, _, err := c.Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Endpoint: "https://gcs"}, &fakeCreds{})
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "environment, account, namespace, region")

	_, err = New(testConfig("https://gcs"), nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestBuildUserAgent(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
		ok     bool
	}{
		{"", "GenevaUploader/0.1", true},
		{"MyApp/2.0", "MyApp/2.0 (GenevaUploader/0.1)", true},
		{"  MyApp  ", "MyApp (GenevaUploader/0.1)", true},
		{"   ", "", false},
		{"bad\nvalue", "", false},
		{"ünïcode", "", false},
		{strings.Repeat("a", 201), "", false},
	}
	for _, tc := range tests {
		got, err := BuildUserAgent(tc.prefix)
		if !tc.ok {
			assert.ErrorIs(t, err, ErrInvalidConfig, "prefix=%q", tc.prefix)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
}

func gzipBase64(t *testing.T, s string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestFetchConfiguration(t *testing.T) {
	const xml = `<MonitoringManagement version="1.0"><Events/></MonitoringManagement>`
	encoded := gzipBase64(t, xml)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/agent/v3/Test/acct/MonitoringConfiguration/", r.URL.Path)
		switch r.URL.Query().Get("Version") {
		case "Ver2v0.3":
			_, _ = w.Write([]byte(`{"Md5Hash":"abc","ConfigurationXml":"` + encoded + `"}`))
		default:
			_, _ = w.Write([]byte(`{"LatestConfigVersionFound":"Ver2v0.3"}`))
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv, &fakeCreds{})

	cfg, err := c.FetchConfiguration(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, "abc", cfg.MD5)
	assert.Equal(t, xml, cfg.XML)

	_, err = c.FetchConfiguration(context.Background(), 9)
	var nf *VersionNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "Ver2v0.9", nf.Requested)
	assert.Equal(t, "Ver2v0.3", nf.Latest)

	_, err = DecodeConfigurationXML("!!!")
	assert.ErrorIs(t, err, ErrInvalidResponse)
}
