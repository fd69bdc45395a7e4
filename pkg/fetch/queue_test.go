package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	errs "artex/pkg/errors"
	"artex/pkg/proxy"
	"artex/pkg/retry"
)

// fakeFetcher routes Fetch calls through configurable hooks
type fakeFetcher struct {
	fetch    func(ctx context.Context, url string, hdr http.Header) ([]byte, error)
	fetchVia func(ctx context.Context, url string, route proxy.Route, hdr http.Header) ([]byte, error)
	calls    atomic.Int64
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string, hdr http.Header) ([]byte, error) {
	f.calls.Add(1)
	return f.fetch(ctx, url, hdr)
}

func (f *fakeFetcher) FetchVia(ctx context.Context, url string, route proxy.Route, hdr http.Header) ([]byte, error) {
	if f.fetchVia == nil {
		return f.Fetch(ctx, url, hdr)
	}
	return f.fetchVia(ctx, url, route, hdr)
}

// fakeCreds serves a switchable cookie header
type fakeCreds struct {
	mu     sync.Mutex
	cookie string
	token  string
	err    error
}

func (c *fakeCreds) CookieHeader(authKey string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cookie, c.err
}

func (c *fakeCreds) Token(authKey string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, c.err
}

func (c *fakeCreds) set(cookie string) {
	c.mu.Lock()
	c.cookie = cookie
	c.mu.Unlock()
}

// memSink stores persisted blobs in memory
type memSink struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newMemSink() *memSink {
	return &memSink{blobs: make(map[string][]byte)}
}

func (s *memSink) Persist(kind, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[kind+":"+key] = data
	return nil
}

func (s *memSink) Has(kind, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blobs[kind+":"+key]
	return ok
}

func (s *memSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}

func testQueueConfig(workers int) Config {
	return Config{
		Workers:        workers,
		MaxAttempts:    3,
		AttemptTimeout: time.Second,
		Backoff:        &retry.ConstantBackoff{Delay: time.Millisecond},
	}
}

func startQueue(t *testing.T, cfg Config, fetcher Fetcher, creds CredentialSource, sink Sink, routes *proxy.Manager) *Queue {
	t.Helper()
	q := NewQueue(cfg, fetcher, creds, sink, routes, nil, nil)
	q.Start()
	t.Cleanup(q.Stop)
	return q
}

func TestBatchCompletes(t *testing.T) {
	fetcher := &fakeFetcher{
		fetch: func(ctx context.Context, url string, hdr http.Header) ([]byte, error) {
			return []byte("payload-" + url), nil
		},
	}
	sink := newMemSink()
	q := startQueue(t, testQueueConfig(2), fetcher, &fakeCreds{cookie: "s=1"}, sink, nil)

	b := q.NewBatch("alice")
	for _, id := range []string{"a", "b", "c"} {
		if _, err := b.Enqueue(KindContent, "http://x/"+id, id); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	if err := b.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if sink.count() != 3 {
		t.Errorf("expected 3 persisted blobs, got %d", sink.count())
	}
	if !sink.Has("content", "a") {
		t.Error("blob 'a' missing from sink")
	}
}

func TestConcurrencyCeiling(t *testing.T) {
	const workers = 2

	var inFlight, maxSeen atomic.Int64
	fetcher := &fakeFetcher{
		fetch: func(ctx context.Context, url string, hdr http.Header) ([]byte, error) {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				m := maxSeen.Load()
				if n <= m || maxSeen.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			return []byte("ok"), nil
		},
	}
	sink := newMemSink()
	q := startQueue(t, testQueueConfig(workers), fetcher, &fakeCreds{}, sink, nil)

	b := q.NewBatch("alice")
	for i := 0; i < 12; i++ {
		if _, err := b.Enqueue(KindContent, "http://x", string(rune('a'+i))); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
	if err := b.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	if got := maxSeen.Load(); got > workers {
		t.Errorf("concurrency ceiling violated: saw %d in flight with %d workers", got, workers)
	}
}

func TestRetryRecoversFromTransientErrors(t *testing.T) {
	var calls atomic.Int64
	fetcher := &fakeFetcher{
		fetch: func(ctx context.Context, url string, hdr http.Header) ([]byte, error) {
			if calls.Add(1) < 3 {
				return nil, errs.New(errs.ErrorTypeNetwork, "connection reset", 0)
			}
			return []byte("ok"), nil
		},
	}
	sink := newMemSink()
	q := startQueue(t, testQueueConfig(1), fetcher, &fakeCreds{}, sink, nil)

	b := q.NewBatch("alice")
	if _, err := b.Enqueue(KindContent, "http://x", "a"); err != nil {
		t.Fatal(err)
	}
	if err := b.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestRetryExhaustionFailsJob(t *testing.T) {
	fetcher := &fakeFetcher{
		fetch: func(ctx context.Context, url string, hdr http.Header) ([]byte, error) {
			return nil, errs.New(errs.ErrorTypeServerError, "bad gateway", 502)
		},
	}
	sink := newMemSink()
	q := startQueue(t, testQueueConfig(1), fetcher, &fakeCreds{}, sink, nil)

	b := q.NewBatch("alice")
	if _, err := b.Enqueue(KindContent, "http://x", "a"); err != nil {
		t.Fatal(err)
	}

	err := b.Wait(context.Background())
	if err == nil {
		t.Fatal("expected Wait to report failure")
	}
	if fetcher.calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", fetcher.calls.Load())
	}
	if len(b.Failures()) != 1 {
		t.Errorf("expected 1 failure, got %d", len(b.Failures()))
	}
	if sink.count() != 0 {
		t.Errorf("failed job must not persist, sink has %d blobs", sink.count())
	}
}

func TestSessionExpiredPausesAndResumes(t *testing.T) {
	creds := &fakeCreds{cookie: "session=old"}
	fetcher := &fakeFetcher{
		fetch: func(ctx context.Context, url string, hdr http.Header) ([]byte, error) {
			if hdr.Get("Cookie") == "session=old" {
				return nil, errs.New(errs.ErrorTypeSessionExpired, "session expired", 401)
			}
			return []byte("ok"), nil
		},
	}
	sink := newMemSink()
	q := startQueue(t, testQueueConfig(1), fetcher, creds, sink, nil)

	b := q.NewBatch("alice")
	for _, id := range []string{"a", "b", "c"} {
		if _, err := b.Enqueue(KindContent, "http://x/"+id, id); err != nil {
			t.Fatal(err)
		}
	}

	err := b.Wait(context.Background())
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}

	// Session expiry is terminal for the triggering job, never retried
	if got := fetcher.calls.Load(); got > 3 {
		t.Errorf("expired session must not be retried per job, saw %d calls", got)
	}

	// Refresh the credential and resume dispatch
	creds.set("session=new")
	q.ResumeCredential("alice")

	deadline := time.After(2 * time.Second)
	for sink.count() < 2 {
		select {
		case <-deadline:
			t.Fatalf("parked jobs did not complete after resume, sink has %d", sink.count())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestCancelDiscardsResults(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 16)
	fetcher := &fakeFetcher{
		fetch: func(ctx context.Context, url string, hdr http.Header) ([]byte, error) {
			started <- struct{}{}
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return []byte("ok"), nil
		},
	}
	sink := newMemSink()
	q := startQueue(t, testQueueConfig(1), fetcher, &fakeCreds{}, sink, nil)

	b := q.NewBatch("alice")
	for _, id := range []string{"a", "b", "c"} {
		if _, err := b.Enqueue(KindContent, "http://x/"+id, id); err != nil {
			t.Fatal(err)
		}
	}

	// Cancel while the first fetch is in flight
	<-started
	b.Cancel()
	close(release)

	err := b.Wait(context.Background())
	if !errors.Is(err, ErrBatchCanceled) {
		t.Fatalf("expected ErrBatchCanceled, got %v", err)
	}
	if sink.count() != 0 {
		t.Errorf("canceled batch must not persist results, sink has %d", sink.count())
	}
}

func TestStoredBlobSkipsFetch(t *testing.T) {
	fetcher := &fakeFetcher{
		fetch: func(ctx context.Context, url string, hdr http.Header) ([]byte, error) {
			return []byte("ok"), nil
		},
	}
	sink := newMemSink()
	_ = sink.Persist("content", "a", []byte("cached"))

	q := startQueue(t, testQueueConfig(1), fetcher, &fakeCreds{}, sink, nil)

	b := q.NewBatch("alice")
	if _, err := b.Enqueue(KindContent, "http://x/a", "a"); err != nil {
		t.Fatal(err)
	}
	if err := b.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if fetcher.calls.Load() != 0 {
		t.Errorf("stored blob must not be fetched again, saw %d calls", fetcher.calls.Load())
	}
}

func TestResourceFailsOverToProxy(t *testing.T) {
	routes, err := proxy.NewManager([]string{"http://proxy-a:8080"})
	if err != nil {
		t.Fatal(err)
	}

	var viaRoute string
	fetcher := &fakeFetcher{
		fetch: func(ctx context.Context, url string, hdr http.Header) ([]byte, error) {
			return nil, errs.New(errs.ErrorTypeAuth, "blocked", 403)
		},
		fetchVia: func(ctx context.Context, url string, route proxy.Route, hdr http.Header) ([]byte, error) {
			viaRoute = route.Name
			return []byte("resource-bytes"), nil
		},
	}
	sink := newMemSink()
	q := startQueue(t, testQueueConfig(1), fetcher, &fakeCreds{}, sink, routes)

	b := q.NewBatch("alice")
	if _, err := b.Enqueue(KindResource, "http://cdn/img.png", "rk1"); err != nil {
		t.Fatal(err)
	}
	if err := b.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if viaRoute != "proxy-1" {
		t.Errorf("expected failover to proxy-1, got %q", viaRoute)
	}
	if !sink.Has("resource", "rk1") {
		t.Error("resource not persisted after failover")
	}
}

func TestResourceJobsCarryNoSession(t *testing.T) {
	var sawCookie string
	fetcher := &fakeFetcher{
		fetch: func(ctx context.Context, url string, hdr http.Header) ([]byte, error) {
			sawCookie = hdr.Get("Cookie")
			return []byte("ok"), nil
		},
	}
	sink := newMemSink()
	q := startQueue(t, testQueueConfig(1), fetcher, &fakeCreds{cookie: "session=secret"}, sink, nil)

	b := q.NewBatch("alice")
	if _, err := b.Enqueue(KindResource, "http://cdn/a.css", "rk"); err != nil {
		t.Fatal(err)
	}
	if err := b.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if sawCookie != "" {
		t.Errorf("resource fetch leaked session cookie: %q", sawCookie)
	}
}

func TestEventsLifecycle(t *testing.T) {
	fetcher := &fakeFetcher{
		fetch: func(ctx context.Context, url string, hdr http.Header) ([]byte, error) {
			return []byte("ok"), nil
		},
	}
	sink := newMemSink()
	q := startQueue(t, testQueueConfig(1), fetcher, &fakeCreds{}, sink, nil)

	b := q.NewBatch("alice")
	events := b.Events()

	if _, err := b.Enqueue(KindContent, "http://x/a", "a"); err != nil {
		t.Fatal(err)
	}
	if err := b.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}

	var types []EventType
	for ev := range events {
		types = append(types, ev.Type)
	}

	want := []EventType{EventQueued, EventStarted, EventSucceeded}
	if len(types) != len(want) {
		t.Fatalf("expected %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], types[i])
		}
	}
}

func TestConcurrentSettlementWithSubscribers(t *testing.T) {
	// Workers settling sibling jobs of the same batch race its final
	// event against the subscriber channel close. Hammer that window.
	fetcher := &fakeFetcher{
		fetch: func(ctx context.Context, url string, hdr http.Header) ([]byte, error) {
			return []byte("ok"), nil
		},
	}
	q := startQueue(t, testQueueConfig(4), fetcher, &fakeCreds{}, newMemSink(), nil)

	for i := 0; i < 200; i++ {
		b := q.NewBatch("alice")
		events := b.Events()
		go func() {
			for range events {
			}
		}()

		for j := 0; j < 4; j++ {
			key := fmt.Sprintf("k-%d-%d", i, j)
			if _, err := b.Enqueue(KindContent, "http://x/"+key, key); err != nil {
				t.Fatalf("Enqueue failed: %v", err)
			}
		}
		if err := b.Wait(context.Background()); err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
	}
}

func TestEnqueueAfterWaitIsRejected(t *testing.T) {
	fetcher := &fakeFetcher{
		fetch: func(ctx context.Context, url string, hdr http.Header) ([]byte, error) {
			return []byte("ok"), nil
		},
	}
	q := startQueue(t, testQueueConfig(1), fetcher, &fakeCreds{}, newMemSink(), nil)

	b := q.NewBatch("alice")
	if err := b.Wait(context.Background()); err != nil {
		t.Fatalf("empty batch Wait failed: %v", err)
	}

	if _, err := b.Enqueue(KindContent, "http://x", "a"); !errors.Is(err, ErrBatchSealed) {
		t.Errorf("expected ErrBatchSealed, got %v", err)
	}
}
