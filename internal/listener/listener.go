// Package listener starts the UDP and TCP dns.Server instances sharing one
// dns.Handler.
package listener

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/miekg/dns"
)

// Group owns one *dns.Server per configured protocol and coordinates their
// startup and graceful shutdown.
type Group struct {
	servers []*dns.Server
	log     *slog.Logger
}

// New builds a Group listening on addr for each protocol in protocols
// ("udp", "tcp"), dispatching every query to handler.
func New(addr string, protocols []string, handler dns.Handler, readTimeout, writeTimeout time.Duration, log *slog.Logger) *Group {
	if log == nil {
		log = slog.Default()
	}
	servers := make([]*dns.Server, 0, len(protocols))
	for _, proto := range protocols {
		servers = append(servers, &dns.Server{
			Addr:         addr,
			Net:          proto,
			Handler:      handler,
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
		})
	}
	return &Group{servers: servers, log: log}
}

// Start launches every server's ListenAndServe in its own goroutine. errCh
// receives the first unexpected listener error (nil values from clean
// Shutdown are not sent).
func (g *Group) Start(ctx context.Context) <-chan error {
	errCh := make(chan error, len(g.servers))
	for _, srv := range g.servers {
		srv := srv
		startedCh := make(chan struct{})
		srv.NotifyStartedFunc = func() { close(startedCh) }
		go func() {
			if err := srv.ListenAndServe(); err != nil {
				select {
				case <-ctx.Done():
					return
				default:
					errCh <- fmt.Errorf("listener %s/%s: %w", srv.Addr, srv.Net, err)
				}
			}
		}()
		g.log.Info("dns listener starting", "addr", srv.Addr, "net", srv.Net)
	}
	return errCh
}

// Shutdown gracefully stops every server.
func (g *Group) Shutdown(ctx context.Context) {
	for _, srv := range g.servers {
		if err := srv.ShutdownContext(ctx); err != nil {
			g.log.Warn("listener shutdown error", "addr", srv.Addr, "net", srv.Net, "error", err)
		}
	}
}
