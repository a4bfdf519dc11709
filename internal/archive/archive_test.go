package archive

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geneva-ingest/internal/config"
	"geneva-ingest/internal/metrics"
)

type fakeS3 struct {
	failures int
	calls    int
	keys     []string
	bodies   [][]byte
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("slow down")
	}
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.keys = append(f.keys, *in.Key)
	f.bodies = append(f.bodies, b)
	return &s3.PutObjectOutput{}, nil
}

func testS3Sink(client s3API, retries int, m *metrics.Metrics) *S3Sink {
	s := newS3Sink(client, config.Config{ArchiveBucket: "b", ArchiveRetries: retries, ArchiveTimeout: time.Second}, m)
	s.retryBase = time.Millisecond
	s.retryCap = 2 * time.Millisecond
	return s
}

func TestKey(t *testing.T) {
	assert.Equal(t, "geneva-dlq/dt=2026-10-17/hr=03/1_i_000001.lz4.gz",
		Key("geneva-dlq", "2026-10-17", "03", "1_i_000001.lz4"))
}

func TestS3Sink_RetriesThenSucceeds(t *testing.T) {
	m := metrics.New()
	f := &fakeS3{failures: 2}
	s := testS3Sink(f, 3, m)

	require.NoError(t, s.Put(context.Background(), "k", []byte("body")))
	assert.Equal(t, 3, f.calls)
	assert.Equal(t, []string{"k"}, f.keys)
	assert.Equal(t, "body", string(f.bodies[0]), "reader rebuilt per attempt")
	assert.Equal(t, int64(2), m.ArchivePutErrorsTotal)
}

func TestS3Sink_GivesUp(t *testing.T) {
	f := &fakeS3{failures: 10}
	s := testS3Sink(f, 2, nil)

	err := s.Put(context.Background(), "k", []byte("body"))
	require.Error(t, err)
	assert.Equal(t, 2, f.calls)
}

func TestS3Sink_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := &fakeS3{failures: 10}
	err := testS3Sink(f, 5, nil).Put(ctx, "k", []byte("x"))
	require.Error(t, err)
	assert.LessOrEqual(t, f.calls, 1)
}

type fakeBlob struct {
	err       error
	container string
	name      string
	encoding  string
}

func (f *fakeBlob) UploadBuffer(_ context.Context, container, name string, _ []byte, o *azblob.UploadBufferOptions) (azblob.UploadBufferResponse, error) {
	f.container, f.name = container, name
	if o != nil && o.HTTPHeaders != nil && o.HTTPHeaders.BlobContentEncoding != nil {
		f.encoding = *o.HTTPHeaders.BlobContentEncoding
	}
	return azblob.UploadBufferResponse{}, f.err
}

func TestAzureSink_Put(t *testing.T) {
	m := metrics.New()
	f := &fakeBlob{}
	s := newAzureSink(f, "dlq", m)

	require.NoError(t, s.Put(context.Background(), "p/x.gz", []byte("z")))
	assert.Equal(t, "dlq", f.container)
	assert.Equal(t, "p/x.gz", f.name)
	assert.Equal(t, "gzip", f.encoding)

	f.err = errors.New("403")
	require.Error(t, s.Put(context.Background(), "p/y.gz", []byte("z")))
	assert.Equal(t, int64(1), m.ArchivePutErrorsTotal)
}

func TestNew_Kinds(t *testing.T) {
	s, err := New(context.Background(), config.Config{ArchiveKind: "none"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "none", s.Name())
	require.NoError(t, s.Put(context.Background(), "k", nil))

	_, err = New(context.Background(), config.Config{ArchiveKind: "azblob", AzureStorageAccount: "a"}, nil)
	assert.Error(t, err, "shared key required")

	_, err = New(context.Background(), config.Config{ArchiveKind: "gcs"}, nil)
	assert.Error(t, err)
}
