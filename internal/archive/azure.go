// internal/archive/azure.go
package archive

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"geneva-ingest/internal/config"
	"geneva-ingest/internal/metrics"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
)

type blobAPI interface {
	UploadBuffer(ctx context.Context, containerName, blobName string, buffer []byte, o *azblob.UploadBufferOptions) (azblob.UploadBufferResponse, error)
}

// AzureSink
//
// archive 대상 배치를 Azure Blob Storage 에 block blob 으로 올린다.
// retry 와 시도당 timeout 은 azcore 파이프라인 정책에 맡긴다.
type AzureSink struct {
	client    blobAPI
	container string
	metrics   *metrics.Metrics
}

// NewAzureSink 는 storage account shared key 로 client 를 만든다.
func NewAzureSink(cfg config.Config, m *metrics.Metrics) (*AzureSink, error) {
	if cfg.AzureStorageKey == "" {
		return nil, errors.New("archive: AZURE_STORAGE_KEY is required for azblob")
	}
	cred, err := azblob.NewSharedKeyCredential(cfg.AzureStorageAccount, cfg.AzureStorageKey)
	if err != nil {
		return nil, fmt.Errorf("archive: azure credential: %w", err)
	}

	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AzureStorageAccount)
	opts := &azblob.ClientOptions{
		ClientOptions: policy.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries: int32(cfg.ArchiveRetries),
				TryTimeout: cfg.ArchiveTimeout,
			},
		},
	}
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, opts)
	if err != nil {
		return nil, fmt.Errorf("archive: azure client: %w", err)
	}
	return newAzureSink(client, cfg.ArchiveContainer, m), nil
}

func newAzureSink(client blobAPI, container string, m *metrics.Metrics) *AzureSink {
	if m == nil {
		m = metrics.New()
	}
	return &AzureSink{client: client, container: container, metrics: m}
}

func (s *AzureSink) Name() string { return "azblob" }

func (s *AzureSink) Put(ctx context.Context, key string, body []byte) error {
	encoding := "gzip"
	_, err := s.client.UploadBuffer(ctx, s.container, key, body, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentEncoding: &encoding},
	})
	if err != nil {
		atomic.AddInt64(&s.metrics.ArchivePutErrorsTotal, 1)
		return fmt.Errorf("archive: azblob upload %s: %w", key, err)
	}
	return nil
}
