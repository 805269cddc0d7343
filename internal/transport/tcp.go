package transport

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/miekg/dns"

	"github.com/resilientdns/resilientdns/internal/metrics"
)

// TCPUpstream exchanges queries over TCP with RFC 7766 length-prefixed
// framing (handled internally by *dns.Client/*dns.Conn) and connection
// reuse via a per-address pool.
type TCPUpstream struct {
	Addr string

	client *dns.Client
	pool   *connPool
}

// NewTCP returns a TCP upstream adapter. idleTimeout bounds how long a
// pooled connection may sit unused before it is discarded instead of
// reused; validateBeforeReuse enables the peek-read liveness check.
func NewTCP(addr string, timeout, idleTimeout time.Duration, validateBeforeReuse bool) *TCPUpstream {
	client := &dns.Client{
		Net:          "tcp",
		Timeout:      timeout,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}
	return &TCPUpstream{
		Addr:   addr,
		client: client,
		pool:   newConnPool(client, addr, idleTimeout, validateBeforeReuse),
	}
}

func (t *TCPUpstream) Resolve(ctx context.Context, query *dns.Msg) (*dns.Msg, error) {
	conn, fromPool := t.pool.getConn(func(addr string) (*dns.Conn, error) {
		return t.client.DialContext(ctx, addr)
	})
	if conn == nil {
		return nil, NewError(KindTCPConnect, errors.New("dial failed"))
	}
	if fromPool {
		metrics.RecordUpstreamTCPReuse()
	}

	reply, _, err := t.client.ExchangeWithConnContext(ctx, query, conn)
	if err != nil {
		t.pool.putConn(conn, true)
		return nil, classifyTCPError(err, fromPool)
	}
	t.pool.putConn(conn, false)
	return reply, nil
}

func classifyTCPError(err error, fromPool bool) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewError(KindTCPTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindTCPTimeout, err)
	}
	return NewError(KindTCPProtocol, err)
}

func (t *TCPUpstream) Close() error {
	t.pool.drain()
	return nil
}
