// internal/auth/certificate.go
package auth

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"time"

	"software.sslmate.com/src/go-pkcs12"
)

// loadCertificate 는 PKCS#12 번들을 읽어 tls.Certificate 로 만든다.
// legacy (3DES/RC2) 와 PBES2/AES 번들 모두 읽는다.
// leaf 의 NotAfter 를 만료 시각으로 쓴다.
func loadCertificate(c Certificate) (*tls.Certificate, time.Time, error) {
	raw, err := os.ReadFile(c.Path)
	if err != nil {
		return nil, time.Time{}, &ConfigurationError{Reason: "read certificate " + c.Path, Err: err}
	}

	key, leaf, chain, err := pkcs12.DecodeChain(raw, c.Password)
	if err != nil {
		return nil, time.Time{}, &ConfigurationError{Reason: "decode pkcs12 bundle", Err: err}
	}
	if key == nil || leaf == nil {
		return nil, time.Time{}, &ConfigurationError{Reason: "pkcs12 bundle has no certificate or private key"}
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, time.Time{}, &ConfigurationError{Reason: "encode private key", Err: err}
	}

	// leaf 먼저, 그 뒤 CA 체인
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leaf.Raw})
	for _, ca := range chain {
		certPEM = append(certPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.Raw})...)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	// 키와 leaf 가 짝이 맞는지도 여기서 확인된다
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, time.Time{}, &ConfigurationError{Reason: "build key pair", Err: err}
	}
	cert.Leaf = leaf

	return &cert, leaf.NotAfter, nil
}
