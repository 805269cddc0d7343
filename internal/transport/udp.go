package transport

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/miekg/dns"
)

// UDPUpstream exchanges queries over plain UDP using a *dns.Client.
type UDPUpstream struct {
	Addr   string
	client *dns.Client
}

// NewUDP returns a UDP upstream adapter dialing addr ("host:port") with the
// given per-exchange timeout.
func NewUDP(addr string, timeout time.Duration) *UDPUpstream {
	return &UDPUpstream{
		Addr: addr,
		client: &dns.Client{
			Net:          "udp",
			Timeout:      timeout,
			DialTimeout:  timeout,
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		},
	}
}

func (u *UDPUpstream) Resolve(ctx context.Context, query *dns.Msg) (*dns.Msg, error) {
	reply, _, err := u.client.ExchangeContext(ctx, query, u.Addr)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, NewError(KindUDPTimeout, err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, NewError(KindUDPTimeout, err)
		}
		return nil, NewError(KindUDPError, err)
	}
	return reply, nil
}

func (u *UDPUpstream) Close() error { return nil }
