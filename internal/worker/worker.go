package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vnmchuo/dream-interpreter/internal/billing"
	"github.com/vnmchuo/dream-interpreter/internal/metrics"
)

// Sink accepts usage records without blocking the caller.
type Sink interface {
	Record(rec *billing.UsageRecord) bool
}

type Config struct {
	Workers      int
	Buffer       int
	WriteTimeout time.Duration
}

// Recorder writes usage records to a billing.Store from a fixed pool of
// workers. Records that do not fit in the queue are dropped, and records the
// store rejects are logged and dropped. Nothing is retried.
type Recorder struct {
	store   billing.Store
	metrics *metrics.Metrics
	timeout time.Duration
	queue   chan *billing.UsageRecord

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewRecorder(store billing.Store, cfg Config, m *metrics.Metrics) *Recorder {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	r := &Recorder{
		store:   store,
		metrics: m,
		timeout: cfg.WriteTimeout,
		queue:   make(chan *billing.UsageRecord, cfg.Buffer),
	}
	for i := 0; i < cfg.Workers; i++ {
		r.wg.Add(1)
		go r.run(i)
	}
	log.Info().Int("workers", cfg.Workers).Int("buffer", cfg.Buffer).Msg("usage recorder started")
	return r
}

// Record queues rec and reports whether it was accepted.
func (r *Recorder) Record(rec *billing.UsageRecord) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.metrics.UsageDropped()
		return false
	}
	select {
	case r.queue <- rec:
		return true
	default:
		r.metrics.UsageDropped()
		log.Warn().Str("request_id", rec.RequestID).Msg("usage queue full, dropping record")
		return false
	}
}

func (r *Recorder) run(id int) {
	defer r.wg.Done()
	for rec := range r.queue {
		r.write(id, rec)
	}
}

func (r *Recorder) write(id int, rec *billing.UsageRecord) {
	// The request that produced rec may be long gone, so its context is not used.
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.store.LogUsage(ctx, rec); err != nil {
		r.metrics.UsageFailed()
		log.Error().Err(err).
			Int("worker", id).
			Str("request_id", rec.RequestID).
			Str("endpoint", rec.Endpoint).
			Msg("failed to write usage record")
		return
	}
	r.metrics.UsageWritten()
}

// Close stops accepting records and waits for queued ones to be written,
// or for ctx to expire.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
