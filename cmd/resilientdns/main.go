// Command resilientdns runs the caching/forwarding DNS service: it accepts
// client queries over UDP/TCP, serves them from an in-memory TTL-aware
// cache with stale-while-revalidate, and forwards misses to exactly one
// configured upstream transport. Wiring order follows config -> cache ->
// resolver -> listeners -> control server -> signal-driven shutdown.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"github.com/resilientdns/resilientdns/internal/admission"
	"github.com/resilientdns/resilientdns/internal/cache"
	"github.com/resilientdns/resilientdns/internal/config"
	"github.com/resilientdns/resilientdns/internal/control"
	"github.com/resilientdns/resilientdns/internal/listener"
	"github.com/resilientdns/resilientdns/internal/logging"
	"github.com/resilientdns/resilientdns/internal/metrics"
	"github.com/resilientdns/resilientdns/internal/refresh"
	"github.com/resilientdns/resilientdns/internal/resolver"
	"github.com/resilientdns/resilientdns/internal/singleflight"
	"github.com/resilientdns/resilientdns/internal/transport"
	"github.com/resilientdns/resilientdns/internal/warmup"
	"github.com/resilientdns/resilientdns/internal/wire"
)

func main() {
	if len(os.Args) >= 2 && os.Args[1] == "set-control-token" {
		if err := runSetControlToken(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "set-control-token: %v\n", err)
			os.Exit(1)
		}
		return
	}

	metrics.Init()

	defaultConfig := os.Getenv("CONFIG_PATH")
	if defaultConfig == "" {
		defaultConfig = "config/config.yaml"
	}
	configPath := flag.String("config", defaultConfig, "Path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.NewLogger(os.Stdout, logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})

	c := cache.New(cfg.Cache.MaxEntries, cfg.Cache.ServeStaleMax.Duration, log)
	adm := admission.New(cfg.Admission.MaxInflight)
	sf := singleflight.New()

	upstream, transportName, err := buildUpstream(cfg.Upstream)
	if err != nil {
		log.Error("failed to build upstream", "error", err)
		os.Exit(1)
	}
	defer func() { _ = upstream.Close() }()

	if err := checkRelayStartup(upstream, cfg.Upstream, log); err != nil {
		log.Error("relay startup check failed", "error", err)
		os.Exit(1)
	}

	var scheduler *refresh.Scheduler
	onStale := func(key wire.CacheKey, qtype uint16) {
		if scheduler != nil {
			scheduler.Submit(key, qtype)
		}
	}

	res := resolver.New(c, upstream, adm, sf, log, resolver.Config{
		MinTTL:          cfg.Cache.MinTTL.Duration,
		MaxTTL:          cfg.Cache.MaxTTL.Duration,
		NegativeTTL:     cfg.Cache.NegativeTTL.Duration,
		ServeStaleMax:   cfg.Cache.ServeStaleMax.Duration,
		UpstreamTimeout: cfg.Upstream.Timeout.Duration,
		TransportName:   transportName,
	}, onStale)

	if config.BoolOr(cfg.Refresh.Enabled, true) {
		scheduler = refresh.New(c, upstream, adm, sf, refresh.Config{
			SweepInterval:       cfg.Refresh.SweepInterval.Duration,
			RefreshAhead:        cfg.Refresh.RefreshAhead.Duration,
			PopularityThreshold: uint32(cfg.Refresh.PopularityThreshold),
			PopularityDecay:     cfg.Refresh.PopularityDecay.Duration,
			QueueMax:            cfg.Refresh.QueueMax,
			Concurrency:         cfg.Refresh.Concurrency,
			MinTTL:              cfg.Cache.MinTTL.Duration,
			MaxTTL:              cfg.Cache.MaxTTL.Duration,
			NegativeTTL:         cfg.Cache.NegativeTTL.Duration,
			UpstreamTimeout:     cfg.Upstream.Timeout.Duration,
		}, log)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var group errgroup.Group
	if scheduler != nil {
		group.Go(func() error { return scheduler.Run(ctx) })
	}

	if cfg.Warmup.File != "" && scheduler != nil {
		loadWarmup(cfg.Warmup.File, scheduler, cfg.Warmup.Limit, log)
	}

	lg := listener.New(cfg.Server.Listen, cfg.Server.Protocols, res, cfg.Server.ReadTimeout.Duration, cfg.Server.WriteTimeout.Duration, log)
	listenErrCh := lg.Start(ctx)

	controlServer := control.Start(control.Config{
		ControlCfg: cfg.Control,
		Cache:      c,
		Admission:  adm,
		Scheduler:  scheduler,
		Logger:     log,
	})

	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case err := <-listenErrCh:
		log.Error("listener error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	lg.Shutdown(shutdownCtx)
	if err := control.Shutdown(shutdownCtx, controlServer); err != nil {
		log.Warn("control server shutdown error", "error", err)
	}
	stop()
	if err := group.Wait(); err != nil {
		log.Warn("scheduler stopped with error", "error", err)
	}
}

// buildUpstream selects the single configured upstream transport: one
// upstream path, no automatic fallback between transports.
func buildUpstream(cfg config.UpstreamConfig) (transport.Upstream, string, error) {
	switch strings.ToLower(cfg.Transport) {
	case "udp":
		return transport.NewUDP(cfg.Address, cfg.Timeout.Duration), "udp", nil
	case "tcp":
		validate := config.BoolOr(cfg.TCP.ValidateBeforeReuse, true)
		return transport.NewTCP(cfg.Address, cfg.Timeout.Duration, cfg.TCP.IdleTimeout.Duration, validate), "tcp", nil
	case "relay":
		return transport.NewRelay(transport.RelayConfig{
			BaseURL:             cfg.Relay.BaseURL,
			APIVersion:          cfg.Relay.APIVersion,
			BearerToken:         cfg.Relay.BearerToken,
			Timeout:             cfg.Timeout.Duration,
			RatePerSecond:       cfg.Relay.RatePerSecond,
			RateBurst:           cfg.Relay.RateBurst,
			MaxItems:            cfg.Relay.MaxItems,
			MaxRequestBytes:     cfg.Relay.MaxRequestBytes,
			MaxResponseBytes:    cfg.Relay.MaxResponseBytes,
			PerItemMaxWireBytes: cfg.Relay.PerItemMaxWireBytes,
			UseGzip:             config.BoolOr(cfg.Relay.UseGzip, true),
		}), "relay", nil
	default:
		return nil, "", fmt.Errorf("unsupported upstream transport %q", cfg.Transport)
	}
}

// checkRelayStartup runs the relay's GET /v{n}/info capability probe when
// the upstream transport is relay and relay_startup_check is not "off".
// "require" aborts startup on failure; "warn" logs and continues.
func checkRelayStartup(upstream transport.Upstream, cfg config.UpstreamConfig, log *slog.Logger) error {
	if strings.ToLower(cfg.Transport) != "relay" {
		return nil
	}
	mode := strings.ToLower(strings.TrimSpace(cfg.Relay.StartupCheck))
	if mode == "" || mode == "off" {
		return nil
	}
	relay, ok := upstream.(*transport.RelayUpstream)
	if !ok {
		return nil
	}
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	info, err := relay.CheckInfo(ctx)
	if err != nil {
		if mode == "require" {
			return err
		}
		log.Warn("relay startup check failed, continuing", "error", err)
		return nil
	}
	log.Info("relay startup check passed", "protocol_version", info.ProtocolVersion, "auth_required", info.AuthRequired)
	return nil
}

func loadWarmup(path string, sub warmup.Submitter, limit int, log *slog.Logger) {
	f, err := os.Open(path)
	if err != nil {
		log.Warn("failed to open warmup file", "path", path, "error", err)
		return
	}
	defer f.Close()
	loaded, skipped, invalid := warmup.Load(f, sub, limit)
	log.Info("warmup loaded", "loaded", loaded, "skipped", skipped, "invalid", invalid)
}

// runSetControlToken hashes a control-server bearer token with bcrypt and
// prints the hash to paste into control.token in the YAML config. The
// plaintext is never written to disk.
func runSetControlToken(args []string) error {
	var token string
	if len(args) >= 1 && args[0] != "" {
		token = strings.TrimSpace(args[0])
	}
	if token == "" {
		fmt.Print("Enter control token: ")
		scanner := bufio.NewScanner(os.Stdin)
		if !scanner.Scan() {
			return fmt.Errorf("no token provided")
		}
		token = strings.TrimSpace(scanner.Text())
		if token == "" {
			return fmt.Errorf("token cannot be empty")
		}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash token: %w", err)
	}
	fmt.Printf("control:\n  token: %q\n", string(hash))
	return nil
}
