package downloader

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	errs "tgingest/pkg/errors"
	"tgingest/pkg/models"
)

// MockClient writes a fixed payload per ref
type MockClient struct {
	downloadDelay   time.Duration
	downloadError   error
	failFirst       int32
	downloadCounter int32
}

func (m *MockClient) FetchMedia(ctx context.Context, ref models.MediaRef, w io.Writer) error {
	n := atomic.AddInt32(&m.downloadCounter, 1)
	if m.downloadDelay > 0 {
		time.Sleep(m.downloadDelay)
	}
	if m.downloadError != nil {
		return m.downloadError
	}
	if n <= m.failFirst {
		return errs.Transient("fetch_media", fmt.Errorf("connection reset"))
	}
	_, err := fmt.Fprintf(w, "photo-%d", ref.MessageID)
	return err
}

func (m *MockClient) GetDownloadCount() int {
	return int(atomic.LoadInt32(&m.downloadCounter))
}

// MockAssets reports a fixed set of stored assets
type MockAssets struct {
	mu     sync.Mutex
	stored map[int64]bool
}

func (m *MockAssets) HasAsset(channel string, messageID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stored[messageID]
}

// retryGate retries transient errors once, like a very small controller
type retryGate struct {
	calls int32
}

func (g *retryGate) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	atomic.AddInt32(&g.calls, 1)
	err := fn(ctx)
	if errs.Is(err, errs.ErrorTypeTransient) {
		err = fn(ctx)
	}
	return err
}

func jobs(n int) []Job {
	out := make([]Job, n)
	for i := range out {
		out[i] = Job{Ref: models.MediaRef{Channel: "a", MessageID: int64(i + 1)}}
	}
	return out
}

func TestWorkerPoolBasicFunctionality(t *testing.T) {
	client := &MockClient{downloadDelay: 10 * time.Millisecond}
	gate := &retryGate{}
	pool := NewWorkerPool(3, client, &MockAssets{}, gate, nil)

	results := pool.Fetch(context.Background(), jobs(10))

	if len(results) != 10 {
		t.Fatalf("Expected 10 results, got %d", len(results))
	}
	for i, r := range results {
		if r.Error != nil {
			t.Errorf("job %d failed: %v", i, r.Error)
		}
		want := fmt.Sprintf("photo-%d", i+1)
		if string(r.Data) != want {
			t.Errorf("job %d: expected %q, got %q", i, want, r.Data)
		}
	}
	if client.GetDownloadCount() != 10 {
		t.Errorf("Expected 10 download calls, got %d", client.GetDownloadCount())
	}
	if atomic.LoadInt32(&gate.calls) != 10 {
		t.Errorf("Expected every download to pass the gate, got %d", gate.calls)
	}
}

func TestWorkerPoolWithErrors(t *testing.T) {
	client := &MockClient{downloadError: errs.Access("fetch_media", "a", fmt.Errorf("private"))}
	pool := NewWorkerPool(2, client, nil, &retryGate{}, nil)

	results := pool.Fetch(context.Background(), jobs(5))
	for _, r := range results {
		if r.Error == nil {
			t.Error("Expected error in result")
		}
		if r.Data != nil {
			t.Error("Expected no data for a failed job")
		}
	}
}

func TestWorkerPoolRetriesThroughGate(t *testing.T) {
	client := &MockClient{failFirst: 1}
	pool := NewWorkerPool(1, client, nil, &retryGate{}, nil)

	results := pool.Fetch(context.Background(), jobs(1))
	if results[0].Error != nil {
		t.Fatalf("Expected retry to succeed, got %v", results[0].Error)
	}
	if string(results[0].Data) != "photo-1" {
		t.Errorf("Expected a clean payload after retry, got %q", results[0].Data)
	}
}

func TestWorkerPoolConcurrency(t *testing.T) {
	client := &MockClient{downloadDelay: 100 * time.Millisecond}
	pool := NewWorkerPool(5, client, nil, &retryGate{}, nil)

	start := time.Now()
	results := pool.Fetch(context.Background(), jobs(10))
	elapsed := time.Since(start)

	// 10 jobs of 100ms on 5 workers take ~200ms
	if elapsed > 400*time.Millisecond {
		t.Errorf("Downloads took too long: %v", elapsed)
	}
	if len(results) != 10 {
		t.Errorf("Expected 10 results, got %d", len(results))
	}
}

func TestWorkerPoolDuplicateDetection(t *testing.T) {
	client := &MockClient{}
	assets := &MockAssets{stored: map[int64]bool{2: true, 4: true}}
	pool := NewWorkerPool(2, client, assets, &retryGate{}, nil)

	results := pool.Fetch(context.Background(), jobs(4))

	if client.GetDownloadCount() != 2 {
		t.Errorf("Expected 2 downloads, got %d", client.GetDownloadCount())
	}
	for _, r := range results {
		stored := r.Job.Ref.MessageID == 2 || r.Job.Ref.MessageID == 4
		if r.Skipped != stored {
			t.Errorf("message %d: skipped=%v", r.Job.Ref.MessageID, r.Skipped)
		}
	}
}

func TestWorkerPoolCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := &MockClient{}
	pool := NewWorkerPool(2, client, nil, &retryGate{}, nil)
	results := pool.Fetch(ctx, jobs(3))

	for _, r := range results {
		if r.Error != context.Canceled {
			t.Errorf("Expected context.Canceled, got %v", r.Error)
		}
	}
	if client.GetDownloadCount() != 0 {
		t.Errorf("Expected no downloads after cancel, got %d", client.GetDownloadCount())
	}
}

func TestWorkerPoolEmpty(t *testing.T) {
	pool := NewWorkerPool(0, &MockClient{}, nil, &retryGate{}, nil)
	if pool.Workers() != 1 {
		t.Errorf("Expected worker count to be clamped to 1, got %d", pool.Workers())
	}
	if got := pool.Fetch(context.Background(), nil); len(got) != 0 {
		t.Errorf("Expected no results, got %d", len(got))
	}
}

// panickingClient panics for one message id and serves the rest
type panickingClient struct {
	MockClient
	panicOn int64
}

func (p *panickingClient) FetchMedia(ctx context.Context, ref models.MediaRef, w io.Writer) error {
	if ref.MessageID == p.panicOn {
		var m map[int64]bool
		m[ref.MessageID] = true
	}
	return p.MockClient.FetchMedia(ctx, ref, w)
}

func TestWorkerPoolRecoversFromPanic(t *testing.T) {
	client := &panickingClient{panicOn: 2}
	pool := NewWorkerPool(2, client, nil, &retryGate{}, nil)

	results := pool.Fetch(context.Background(), jobs(3))

	for _, r := range results {
		id := r.Job.Ref.MessageID
		if id == 2 {
			if !errs.Is(r.Error, errs.ErrorTypeUnknown) {
				t.Errorf("message 2: expected unknown error, got %v", r.Error)
			}
			if r.Data != nil {
				t.Error("message 2: expected no data")
			}
			continue
		}
		if r.Error != nil {
			t.Errorf("message %d failed: %v", id, r.Error)
		}
	}
}
