package fetch

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	errs "artex/pkg/errors"
	"artex/pkg/logger"
	"artex/pkg/proxy"
	"artex/pkg/ratelimit"
	"artex/pkg/retry"
)

// job carries a Job through the pipeline together with its batch
type job struct {
	Job
	batch *Batch
}

// Queue dispatches fetch jobs to a fixed pool of workers. The worker
// count is the hard ceiling on concurrent upstream requests.
type Queue struct {
	cfg     Config
	fetcher Fetcher
	creds   CredentialSource
	sink    Sink
	routes  *proxy.Manager
	limiter ratelimit.Limiter
	log     logger.Logger

	jobs   chan *job
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	running atomic.Int64

	mu     sync.Mutex
	paused map[string]bool
	held   map[string][]*job
}

// NewQueue creates a fetch queue. The routes manager and rate limiter
// are optional.
func NewQueue(
	cfg Config,
	fetcher Fetcher,
	creds CredentialSource,
	sink Sink,
	routes *proxy.Manager,
	limiter ratelimit.Limiter,
	log logger.Logger,
) *Queue {
	if log == nil {
		log = logger.GetLogger()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultConfig().AttemptTimeout
	}
	if cfg.Backoff == nil {
		cfg.Backoff = retry.DefaultExponentialBackoff()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Queue{
		cfg:     cfg,
		fetcher: fetcher,
		creds:   creds,
		sink:    sink,
		routes:  routes,
		limiter: limiter,
		log:     log,
		jobs:    make(chan *job, cfg.Workers*2), // Buffer size = 2x workers
		ctx:     ctx,
		cancel:  cancel,
		paused:  make(map[string]bool),
		held:    make(map[string][]*job),
	}
}

// Start launches the worker pool
func (q *Queue) Start() {
	q.log.InfoWithFields("starting fetch queue", map[string]interface{}{
		"workers": q.cfg.Workers,
	})

	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
}

// Stop shuts down the worker pool. Jobs still queued or parked are
// settled as discarded.
func (q *Queue) Stop() {
	q.log.Info("stopping fetch queue")

	q.cancel()
	q.wg.Wait()

	// Settle whatever never reached a worker
	for {
		select {
		case j := <-q.jobs:
			j.batch.settle(j, Event{Type: EventDiscarded, JobID: j.ID, Kind: j.Kind, StoreKey: j.StoreKey})
		default:
			q.discardHeld()
			q.log.Info("fetch queue stopped")
			return
		}
	}
}

// NewBatch creates an empty batch bound to the given credential
func (q *Queue) NewBatch(authKey string) *Batch {
	return newBatch(q, authKey)
}

// Running returns the number of fetches currently in flight
func (q *Queue) Running() int64 {
	return q.running.Load()
}

// ResumeCredential lifts the dispatch pause for authKey after its
// credential was refreshed, re-queueing any parked jobs.
func (q *Queue) ResumeCredential(authKey string) {
	q.mu.Lock()
	delete(q.paused, authKey)
	parked := q.held[authKey]
	delete(q.held, authKey)
	q.mu.Unlock()

	if len(parked) == 0 {
		return
	}

	q.log.InfoWithFields("resuming credential", map[string]interface{}{
		"auth_key":    authKey,
		"parked_jobs": len(parked),
	})

	go func() {
		for _, j := range parked {
			if err := q.submit(j); err != nil {
				j.batch.settle(j, Event{Type: EventDiscarded, JobID: j.ID, Kind: j.Kind, StoreKey: j.StoreKey})
			}
		}
	}()
}

// submit hands a job to the worker pool
func (q *Queue) submit(j *job) error {
	select {
	case q.jobs <- j:
		return nil
	case <-q.ctx.Done():
		return ErrQueueStopped
	}
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()

	q.log.DebugWithFields("worker started", map[string]interface{}{
		"worker_id": id,
	})

	for {
		select {
		case <-q.ctx.Done():
			return
		case j := <-q.jobs:
			q.process(j, id)
		}
	}
}

// process runs one job to a terminal state
func (q *Queue) process(j *job, workerID int) {
	b := j.batch

	if b.Canceled() {
		b.settle(j, Event{Type: EventDiscarded, JobID: j.ID, Kind: j.Kind, StoreKey: j.StoreKey})
		return
	}

	// Dispatch for a dead session stays parked until the credential
	// is refreshed or the batch is canceled
	if j.Kind.Authenticated() && q.isPaused(j.AuthKey) {
		q.park(j)
		return
	}

	hdr := http.Header{}
	if j.Kind.Authenticated() {
		cookie, err := q.creds.CookieHeader(j.AuthKey)
		if err != nil {
			b.settle(j, Event{
				Type: EventFailed, JobID: j.ID, Kind: j.Kind, StoreKey: j.StoreKey,
				Err: errs.New(errs.ErrorTypeAuth, fmt.Sprintf("no usable credential for %s: %v", j.AuthKey, err), 0),
			})
			return
		}
		if cookie != "" {
			hdr.Set("Cookie", cookie)
		}
		if token, err := q.creds.Token(j.AuthKey); err == nil && token != "" {
			hdr.Set("Authorization", "Bearer "+token)
		}
	}

	b.emit(Event{Type: EventStarted, JobID: j.ID, Kind: j.Kind, StoreKey: j.StoreKey})

	// Already stored, nothing to fetch
	if q.sink.Has(string(j.Kind), j.StoreKey) {
		q.log.DebugWithFields("blob already stored, skipping fetch", map[string]interface{}{
			"worker_id": workerID,
			"kind":      string(j.Kind),
			"store_key": j.StoreKey,
		})
		b.settle(j, Event{Type: EventSucceeded, JobID: j.ID, Kind: j.Kind, StoreKey: j.StoreKey})
		return
	}

	if q.limiter != nil {
		if err := q.limiter.Wait(q.ctx); err != nil {
			b.settle(j, Event{Type: EventDiscarded, JobID: j.ID, Kind: j.Kind, StoreKey: j.StoreKey})
			return
		}
	}

	q.running.Add(1)
	data, attempts, err := q.fetchWithRetry(j, hdr)
	q.running.Add(-1)

	if err != nil {
		if j.Kind.Authenticated() && errs.TypeOf(err) == errs.ErrorTypeSessionExpired {
			q.pauseCredential(j.AuthKey)
			b.markSessionExpired(Event{
				Type: EventSessionExpired, JobID: j.ID, Kind: j.Kind, StoreKey: j.StoreKey,
				Attempt: attempts, Err: err,
			})
		}
		b.settle(j, Event{
			Type: EventFailed, JobID: j.ID, Kind: j.Kind, StoreKey: j.StoreKey,
			Attempt: attempts, Err: err,
		})
		return
	}

	// The batch may have been canceled while the fetch was in flight;
	// its results are thrown away, not persisted
	if b.Canceled() {
		b.settle(j, Event{Type: EventDiscarded, JobID: j.ID, Kind: j.Kind, StoreKey: j.StoreKey, Attempt: attempts})
		return
	}

	if err := q.sink.Persist(string(j.Kind), j.StoreKey, data); err != nil {
		b.settle(j, Event{
			Type: EventFailed, JobID: j.ID, Kind: j.Kind, StoreKey: j.StoreKey,
			Attempt: attempts, Err: fmt.Errorf("persist failed: %w", err),
		})
		return
	}

	b.settle(j, Event{Type: EventSucceeded, JobID: j.ID, Kind: j.Kind, StoreKey: j.StoreKey, Attempt: attempts})
}

// fetchWithRetry runs the fetch with backoff between transient failures.
// The worker stays occupied during backoff, so the concurrency ceiling
// holds across retries.
func (q *Queue) fetchWithRetry(j *job, hdr http.Header) ([]byte, int, error) {
	attempts := 0

	data, err := retry.DoWithResult(func() ([]byte, error) {
		attempts++

		ctx, cancel := context.WithTimeout(q.ctx, q.cfg.AttemptTimeout)
		defer cancel()

		data, err := q.fetcher.Fetch(ctx, j.URL, hdr)

		// A resource host refusing the direct route gets the proxy
		// failover chain; platform requests never do
		if err != nil && j.Kind == KindResource && q.routes != nil && errs.TypeOf(err) == errs.ErrorTypeAuth {
			return q.fetchViaRoutes(ctx, j, hdr)
		}
		return data, err
	}, &retry.Config{
		MaxAttempts: q.cfg.MaxAttempts,
		Backoff:     q.cfg.Backoff,
		RetryIf:     retry.DefaultRetryIf,
		Context:     q.ctx,
		Logger:      q.log,
	})

	return data, attempts, err
}

// fetchViaRoutes walks the egress routes in order until one serves the
// resource or the chain is exhausted
func (q *Queue) fetchViaRoutes(ctx context.Context, j *job, hdr http.Header) ([]byte, error) {
	tried := map[string]bool{proxy.DirectRouteName: true}
	q.routes.MarkFailure(proxy.DirectRouteName)

	var lastErr error
	for {
		route, err := q.routes.Select(tried)
		if err != nil {
			if lastErr != nil {
				return nil, errs.New(errs.ErrorTypeRouting,
					fmt.Sprintf("all egress routes exhausted for %s: %v", j.URL, lastErr), 0)
			}
			return nil, errs.New(errs.ErrorTypeRouting,
				fmt.Sprintf("all egress routes exhausted for %s", j.URL), 0)
		}
		tried[route.Name] = true

		data, err := q.fetcher.FetchVia(ctx, j.URL, route, hdr)
		if err == nil {
			return data, nil
		}

		lastErr = err
		q.routes.MarkFailure(route.Name)
		q.log.WarnWithFields("egress route failed", map[string]interface{}{
			"route": route.Name,
			"url":   j.URL,
			"error": err.Error(),
		})

		// Only blocked fetches move down the chain
		if errs.TypeOf(err) != errs.ErrorTypeAuth {
			return nil, err
		}
	}
}

func (q *Queue) isPaused(authKey string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused[authKey]
}

func (q *Queue) pauseCredential(authKey string) {
	q.mu.Lock()
	already := q.paused[authKey]
	q.paused[authKey] = true
	q.mu.Unlock()

	if !already {
		q.log.WarnWithFields("pausing dispatch for credential", map[string]interface{}{
			"auth_key": authKey,
		})
	}
}

// park shelves a job whose credential is paused
func (q *Queue) park(j *job) {
	q.mu.Lock()
	q.held[j.AuthKey] = append(q.held[j.AuthKey], j)
	q.mu.Unlock()

	q.log.DebugWithFields("job parked, credential paused", map[string]interface{}{
		"auth_key":  j.AuthKey,
		"store_key": j.StoreKey,
	})
}

// releaseHeld settles the parked jobs of a canceled batch as discarded
func (q *Queue) releaseHeld(b *Batch) {
	var released []*job

	q.mu.Lock()
	for authKey, parked := range q.held {
		var keep []*job
		for _, j := range parked {
			if j.batch == b {
				released = append(released, j)
			} else {
				keep = append(keep, j)
			}
		}
		if len(keep) == 0 {
			delete(q.held, authKey)
		} else {
			q.held[authKey] = keep
		}
	}
	q.mu.Unlock()

	for _, j := range released {
		j.batch.settle(j, Event{Type: EventDiscarded, JobID: j.ID, Kind: j.Kind, StoreKey: j.StoreKey})
	}
}

// discardHeld settles every parked job during shutdown
func (q *Queue) discardHeld() {
	var released []*job

	q.mu.Lock()
	for _, parked := range q.held {
		released = append(released, parked...)
	}
	q.held = make(map[string][]*job)
	q.mu.Unlock()

	for _, j := range released {
		j.batch.settle(j, Event{Type: EventDiscarded, JobID: j.ID, Kind: j.Kind, StoreKey: j.StoreKey})
	}
}
