package metrics

import (
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString_AllCountersListed(t *testing.T) {
	m := New()
	atomic.AddInt64(&m.RequestsTotal, 3)
	atomic.AddInt64(&m.DLQSizeBytes, 1024)

	out := m.String()
	assert.Contains(t, out, "requests_total=3\n")
	assert.Contains(t, out, "dlq_size_bytes=1024\n")
	assert.Contains(t, out, "archive_put_errors_total=0\n")
	assert.Equal(t, 26, strings.Count(out, "\n"))
}

func TestCounters_ConcurrentAdds(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				atomic.AddInt64(&m.BatchesUploadedTotal, 1)
			}
		}()
	}
	wg.Wait()
	assert.Contains(t, m.String(), "batches_uploaded_total=8000\n")
}
