// Package control serves the HTTP operational surface: health checks,
// Prometheus scraping, read-only cache/refresh stats, and a rate-limited,
// token-gated cache clear.
package control

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/resilientdns/resilientdns/internal/admission"
	"github.com/resilientdns/resilientdns/internal/cache"
	"github.com/resilientdns/resilientdns/internal/config"
	"github.com/resilientdns/resilientdns/internal/metrics"
	"github.com/resilientdns/resilientdns/internal/refresh"
)

// Config holds the dependencies exposed through the control server.
type Config struct {
	ControlCfg config.ControlConfig
	Cache      *cache.Cache
	Admission  *admission.Limiter
	Scheduler  *refresh.Scheduler
	Logger     *slog.Logger
}

// statsProvider adapts Cache/Admission/Scheduler to metrics.StatsProvider.
type statsProvider struct {
	cache     *cache.Cache
	admission *admission.Limiter
	scheduler *refresh.Scheduler
}

func (p *statsProvider) CacheEntries() int {
	if p.cache == nil {
		return 0
	}
	return p.cache.Stats().Size
}

func (p *statsProvider) AdmissionInflight() int64 {
	if p.admission == nil {
		return 0
	}
	return p.admission.InUse()
}

func (p *statsProvider) RefreshQueueDepth() int {
	if p.scheduler == nil {
		return 0
	}
	return p.scheduler.QueueDepth()
}

// Start builds the mux and starts the control HTTP server. Returns nil if
// control is disabled in configuration.
func Start(cfg Config) *http.Server {
	if cfg.ControlCfg.Enabled == nil || !*cfg.ControlCfg.Enabled {
		return nil
	}
	if cfg.ControlCfg.Listen == "" {
		if cfg.Logger != nil {
			cfg.Logger.Info("control server disabled: missing listen address")
		}
		return nil
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	token := strings.TrimSpace(cfg.ControlCfg.Token)
	stats := &statsProvider{cache: cfg.Cache, admission: cfg.Admission, scheduler: cfg.Scheduler}

	clearRate := cfg.ControlCfg.ClearRateLimitPerMin
	if clearRate <= 0 {
		clearRate = 2
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handleHealth)
	mux.Handle("/metrics", handleMetrics(stats))
	mux.HandleFunc("/cache/stats", handleCacheStats(cfg.Cache, token))
	mux.HandleFunc("/cache/refresh/stats", handleRefreshStats(cfg.Scheduler, token))
	mux.HandleFunc("/cache/clear", rateLimitHandler(handleCacheClear(cfg.Cache, token), rate.Limit(clearRate/60.0), 2))

	server := &http.Server{
		Addr:    cfg.ControlCfg.Listen,
		Handler: mux,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("control server error", "err", err)
		}
	}()
	log.Info("control server listening", "addr", cfg.ControlCfg.Listen)
	return server
}

// Shutdown stops a server returned by Start. A nil server is a no-op, since
// Start returns nil when control is disabled.
func Shutdown(ctx context.Context, server *http.Server) error {
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

// rateLimitHandler wraps h with a token-bucket limiter shared across all
// callers of that route.
func rateLimitHandler(h http.HandlerFunc, refill rate.Limit, burst int) http.HandlerFunc {
	limiter := rate.NewLimiter(refill, burst)
	return func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "rate limit exceeded"})
			return
		}
		h(w, r)
	}
}

// authorize checks the bearer token against tokenHash, a bcrypt hash of the
// configured control token (never the plaintext token). An empty tokenHash
// disables authorization entirely (open control surface).
func authorize(tokenHash string, r *http.Request) bool {
	if tokenHash == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return false
	}
	given := strings.TrimSpace(auth[len("bearer "):])
	if given == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(tokenHash), []byte(given)) == nil
}

func writeJSON(w http.ResponseWriter, status int, payload map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func handleMetrics(stats *statsProvider) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		metrics.UpdateGauges(stats)
		reg := metrics.Registry()
		if reg == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}

func handleCacheStats(c *cache.Cache, token string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !authorize(token, r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if c == nil {
			writeJSON(w, http.StatusOK, map[string]any{})
			return
		}
		stats := c.Stats()
		writeJSON(w, http.StatusOK, map[string]any{
			"size":            stats.Size,
			"max_entries":     stats.MaxEntries,
			"evictions_total": stats.EvictionsTotal,
			"cache_clears":    stats.CacheClears,
		})
	}
}

func handleRefreshStats(s *refresh.Scheduler, token string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !authorize(token, r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if s == nil {
			writeJSON(w, http.StatusOK, map[string]any{})
			return
		}
		stats := s.Stats()
		writeJSON(w, http.StatusOK, map[string]any{
			"last_sweep_time":     stats.LastSweepTime,
			"last_sweep_count":    stats.LastSweepCount,
			"sweeps_in_window":    stats.SweepsInWindow,
			"refreshed_in_window": stats.RefreshedInWindow,
			"average_per_sweep":   stats.AveragePerSweep,
			"queue_depth":         s.QueueDepth(),
		})
	}
}

func handleCacheClear(c *cache.Cache, token string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !authorize(token, r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if c != nil {
			c.Clear()
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}
