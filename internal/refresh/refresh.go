// Package refresh implements the background stale-while-revalidate
// scheduler: a ticker-driven sweep over the cache, an
// eligibility gate on remaining TTL and popularity, a bounded job queue, and
// a fixed worker pool that re-fetches eligible entries from upstream.
// Built around the wire/cache/transport packages.
package refresh

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"

	"github.com/resilientdns/resilientdns/internal/admission"
	"github.com/resilientdns/resilientdns/internal/cache"
	"github.com/resilientdns/resilientdns/internal/metrics"
	"github.com/resilientdns/resilientdns/internal/singleflight"
	"github.com/resilientdns/resilientdns/internal/transport"
	"github.com/resilientdns/resilientdns/internal/wire"
)

// JobState is the lifecycle of one refresh attempt.
type JobState int

const (
	Queued JobState = iota
	InFlight
	Success
	Fail
	Dropped
)

// Config bounds the sweep and worker pool.
type Config struct {
	SweepInterval       time.Duration
	RefreshAhead        time.Duration // eligible when remaining_ttl <= this
	PopularityThreshold uint32        // eligible when Hits >= this
	PopularityDecay     time.Duration // eligible only if now-LastHitAt <= this; 0 disables the decay check
	QueueMax            int
	Concurrency         int
	MinTTL              time.Duration
	MaxTTL              time.Duration
	NegativeTTL         time.Duration
	UpstreamTimeout     time.Duration
}

type job struct {
	key   wire.CacheKey
	qtype uint16
}

// Scheduler runs the sweep ticker and worker pool.
type Scheduler struct {
	cache     *cache.Cache
	upstream  transport.Upstream
	admission *admission.Limiter
	sf        *singleflight.Group
	cfg       Config
	log       *slog.Logger

	queue chan job

	mu       sync.Mutex
	inFlight map[wire.CacheKey]struct{}

	sweepStats *sweepStats
}

// New builds a Scheduler. adm and sf are the same admission limiter and
// singleflight group the foreground resolver uses, so a refresh job and a
// concurrent client miss for the same key never issue two upstream queries.
// Call Run to start the sweep loop and workers; Run blocks until ctx is
// canceled.
func New(c *cache.Cache, upstream transport.Upstream, adm *admission.Limiter, sf *singleflight.Group, cfg Config, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	queueMax := cfg.QueueMax
	if queueMax <= 0 {
		queueMax = 1
	}
	return &Scheduler{
		cache:      c,
		upstream:   upstream,
		admission:  adm,
		sf:         sf,
		cfg:        cfg,
		log:        log,
		queue:      make(chan job, queueMax),
		inFlight:   make(map[wire.CacheKey]struct{}),
		sweepStats: newSweepStats(24 * time.Hour),
	}
}

// Run starts the sweep ticker and a fixed pool of workers, returning when
// ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	concurrency := s.cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			s.worker(ctx)
			return nil
		})
	}

	g.Go(func() error {
		s.sweepLoop(ctx)
		return nil
	})

	return g.Wait()
}

func (s *Scheduler) sweepLoop(ctx context.Context) {
	if s.cfg.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep scans the cache for eligible entries (remaining_ttl in
// (0, refresh_ahead], Hits >= popularity_threshold, and, if PopularityDecay
// is set, a hit within the decay window) and enqueues a job for each,
// skipping entries already in flight and dropping (counted, not blocked)
// when the queue is full.
func (s *Scheduler) sweep() {
	now := time.Now()
	enqueued := 0
	s.cache.Scan(func(key wire.CacheKey, entry cache.CacheEntry) {
		remaining := entry.RemainingTTL(now)
		if remaining <= 0 || remaining > s.cfg.RefreshAhead {
			return
		}
		if entry.Hits < s.cfg.PopularityThreshold {
			return
		}
		if s.cfg.PopularityDecay > 0 && now.Sub(entry.LastHitAt) > s.cfg.PopularityDecay {
			return
		}
		if s.Submit(key, key.Qtype) {
			enqueued++
		}
	})
	s.sweepStats.record(enqueued)
}

// Submit enqueues a refresh job for key if not already in flight and the
// queue has room. Returns false otherwise; only a full queue is counted in
// refresh_skipped, a key already in flight is rejected without counting.
// Exported so the resolver's inline SWR trigger and the warmup loader share
// the same queue and dedup map.
func (s *Scheduler) Submit(key wire.CacheKey, qtype uint16) bool {
	s.mu.Lock()
	if _, busy := s.inFlight[key]; busy {
		s.mu.Unlock()
		return false
	}
	s.inFlight[key] = struct{}{}
	s.mu.Unlock()

	select {
	case s.queue <- job{key: key, qtype: qtype}:
		return true
	default:
		s.mu.Lock()
		delete(s.inFlight, key)
		s.mu.Unlock()
		metrics.RecordRefreshSkipped()
		return false
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.queue:
			s.runJob(ctx, j)
		}
	}
}

// runJob reuses the foreground resolver's admission-then-SingleFlight path:
// a refresh for a key in flight for a concurrent client miss (or vice versa)
// joins that call instead of issuing a second upstream query.
func (s *Scheduler) runJob(ctx context.Context, j job) {
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, j.key)
		s.mu.Unlock()
	}()

	release, ok := s.admission.TryAcquire()
	if !ok {
		metrics.RecordRefreshFail()
		s.log.Debug("refresh dropped: admission saturated", "key", j.key.String())
		return
	}
	defer release()

	timeout := s.cfg.UpstreamTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	result, _ := s.sf.Do(j.key.String(), func() (*dns.Msg, error) {
		jobCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		reply, err := s.upstream.Resolve(jobCtx, newQuery(j.key, j.qtype))
		if err != nil {
			return nil, err
		}
		ttl, class := wire.InsertTTL(reply, s.cfg.MinTTL, s.cfg.MaxTTL, s.cfg.NegativeTTL)
		s.cache.Put(j.key, reply, class, ttl)
		return reply, nil
	})

	if result.Err != nil {
		metrics.RecordRefreshFail()
		s.log.Debug("refresh failed", "key", j.key.String(), "error", result.Err)
		return
	}
	metrics.RecordRefreshSuccess()
}

// QueueDepth returns the number of jobs currently waiting in the queue.
func (s *Scheduler) QueueDepth() int {
	return len(s.queue)
}

// Stats returns a snapshot of sweep history.
func (s *Scheduler) Stats() Stats {
	return s.sweepStats.snapshot()
}
