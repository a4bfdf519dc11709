// internal/ingestion/configuration.go
package ingestion

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/url"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
)

// Configuration 은 MonitoringConfiguration API 결과 (에이전트 설정 XML).
type Configuration struct {
	MD5 string
	XML string
}

// VersionNotFoundError 는 요청한 minor 버전이 없을 때. Latest 는 서버가 알려준 최신 버전.
type VersionNotFoundError struct {
	Requested string
	Latest    string
}

func (e *VersionNotFoundError) Error() string {
	return fmt.Sprintf("ingestion: configuration %s not found, latest is %s", e.Requested, e.Latest)
}

type configurationResponse struct {
	MD5Hash                  string `json:"Md5Hash"`
	ConfigurationXML         string `json:"ConfigurationXml"`
	LatestConfigVersionFound string `json:"LatestConfigVersionFound"`
}

// FetchConfiguration 은 Ver{major}v0.{minor} 설정을 받아 XML 로 풀어서 돌려준다.
// 캐시하지 않는다.
func (c *Client) FetchConfiguration(ctx context.Context, minor uint32) (*Configuration, error) {
	version := fmt.Sprintf("Ver%dv0.%d", c.cfg.ConfigMajorVersion, minor)

	body, err := c.getWithAuthRetry(ctx, func() string {
		q := url.Values{}
		q.Set("Namespace", c.cfg.Namespace)
		q.Set("Version", version)
		q.Set("OSType", osType())
		return c.baseURL("MonitoringConfiguration") + "?" + q.Encode()
	})
	if err != nil {
		return nil, err
	}

	var resp configurationResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode configuration: %v", ErrInvalidResponse, err)
	}
	if resp.ConfigurationXML == "" {
		if resp.LatestConfigVersionFound != "" {
			return nil, &VersionNotFoundError{Requested: version, Latest: resp.LatestConfigVersionFound}
		}
		return nil, fmt.Errorf("%w: empty configuration", ErrInvalidResponse)
	}

	xml, err := DecodeConfigurationXML(resp.ConfigurationXML)
	if err != nil {
		return nil, err
	}
	return &Configuration{MD5: resp.MD5Hash, XML: xml}, nil
}

// DecodeConfigurationXML 은 base64(gzip(xml)) 을 푼다.
func DecodeConfigurationXML(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: configuration base64: %v", ErrInvalidResponse, err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("%w: configuration gzip: %v", ErrInvalidResponse, err)
	}
	defer zr.Close()

	out, err := io.ReadAll(io.LimitReader(zr, maxResponseBody))
	if err != nil {
		return "", fmt.Errorf("%w: configuration gzip: %v", ErrInvalidResponse, err)
	}
	return string(out), nil
}
