// Package resolver implements the core request pipeline:
// parse, cache lookup, admission gate, singleflight-coalesced upstream
// exchange, cache population, reply, built around the
// wire/cache/admission/singleflight/transport packages. There is no
// automatic transport fallback and no retries.
package resolver

import (
	"context"
	"log/slog"
	"time"

	"github.com/miekg/dns"

	"github.com/resilientdns/resilientdns/internal/admission"
	"github.com/resilientdns/resilientdns/internal/cache"
	"github.com/resilientdns/resilientdns/internal/metrics"
	"github.com/resilientdns/resilientdns/internal/singleflight"
	"github.com/resilientdns/resilientdns/internal/transport"
	"github.com/resilientdns/resilientdns/internal/wire"
)

// Config holds the TTL and timeout policy applied to every query.
type Config struct {
	MinTTL          time.Duration
	MaxTTL          time.Duration
	NegativeTTL     time.Duration
	ServeStaleMax   time.Duration
	UpstreamTimeout time.Duration
	TransportName   string // label used on upstream_* metrics
}

// Resolver is the dns.Handler-shaped core of the service.
type Resolver struct {
	cache     *cache.Cache
	upstream  transport.Upstream
	admission *admission.Limiter
	sf        *singleflight.Group
	log       *slog.Logger
	cfg       Config

	onStale func(key wire.CacheKey, qtype uint16)
}

// New builds a Resolver. onStale, if non-nil, is invoked whenever a Stale
// cache hit is served, so the refresh scheduler can prioritize that key
// immediately as an inline stale-while-revalidate trigger rather than
// waiting for its next sweep.
func New(c *cache.Cache, upstream transport.Upstream, adm *admission.Limiter, sf *singleflight.Group, log *slog.Logger, cfg Config, onStale func(key wire.CacheKey, qtype uint16)) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		cache:     c,
		upstream:  upstream,
		admission: adm,
		sf:        sf,
		log:       log,
		cfg:       cfg,
		onStale:   onStale,
	}
}

// ServeDNS implements dns.Handler.
func (r *Resolver) ServeDNS(w dns.ResponseWriter, req *dns.Msg) {
	if req == nil || len(req.Question) == 0 {
		metrics.RecordDroppedMalformed()
		return
	}
	question := req.Question[0]
	key := wire.Key(question.Name, question.Qtype, question.Qclass)

	entry, state := r.cache.Get(key)
	switch state {
	case cache.Fresh:
		metrics.RecordCacheHitFresh()
		reply := wire.PrepareReply(entry.Payload, req.Id, entry.Age(time.Now()))
		r.write(w, reply)
		return
	case cache.Stale:
		metrics.RecordCacheHitStale()
		metrics.RecordSWRRefreshTriggered()
		reply := wire.PrepareReply(entry.Payload, req.Id, 0)
		r.write(w, reply)
		if r.onStale != nil {
			r.onStale(key, question.Qtype)
		}
		return
	}

	metrics.RecordCacheMiss()
	r.resolveMiss(w, req, key, question)
}

func (r *Resolver) resolveMiss(w dns.ResponseWriter, req *dns.Msg, key wire.CacheKey, question dns.Question) {
	release, ok := r.admission.TryAcquire()
	if !ok {
		metrics.RecordDroppedMaxInflight()
		dns.HandleFailed(w, req)
		return
	}
	defer release()

	query := req.Copy()
	result, shared := r.sf.Do(key.String(), func() (*dns.Msg, error) {
		ctx := context.Background()
		if r.cfg.UpstreamTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.cfg.UpstreamTimeout)
			defer cancel()
		}
		reply, err := r.upstream.Resolve(ctx, query)
		if err != nil {
			r.recordUpstreamError(err)
			return nil, err
		}
		ttl, class := wire.InsertTTL(reply, r.cfg.MinTTL, r.cfg.MaxTTL, r.cfg.NegativeTTL)
		r.cache.Put(key, reply, class, ttl)
		return reply, nil
	})
	if shared {
		metrics.RecordSingleflightDedup()
	}

	if result.Err != nil {
		// The failed call may have run concurrently with another goroutine's
		// successful refresh of this same key; re-check before giving up.
		if entry, state := r.cache.Get(key); state == cache.Stale {
			metrics.RecordCacheHitStale()
			reply := wire.PrepareReply(entry.Payload, req.Id, 0)
			r.write(w, reply)
			return
		}
		r.log.Debug("upstream exchange failed", "qname", question.Name, "qtype", question.Qtype, "error", result.Err)
		dns.HandleFailed(w, req)
		return
	}
	reply := wire.PrepareReply(result.Reply, req.Id, 0)
	r.write(w, reply)
}

func (r *Resolver) recordUpstreamError(err error) {
	if kind, ok := transport.KindOf(err); ok {
		metrics.RecordUpstreamError(r.cfg.TransportName, string(kind))
		switch kind {
		case transport.KindUDPTimeout, transport.KindTCPTimeout, transport.KindRelayTimeout:
			metrics.RecordUpstreamTimeout(r.cfg.TransportName)
		}
	}
}

func (r *Resolver) write(w dns.ResponseWriter, reply *dns.Msg) {
	if err := w.WriteMsg(reply); err != nil {
		r.log.Debug("failed to write response", "error", err)
	}
}
