package listener

import (
	"context"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/resilientdns/resilientdns/internal/logging"
)

func TestGroupStartAndShutdown(t *testing.T) {
	handler := dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		reply := new(dns.Msg)
		reply.SetReply(r)
		w.WriteMsg(reply)
	})

	g := New("127.0.0.1:0", []string{"udp", "tcp"}, handler, 2*time.Second, 2*time.Second, logging.NewDiscardLogger())
	errCh := g.Start(context.Background())

	select {
	case err := <-errCh:
		t.Fatalf("unexpected listener error: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	g.Shutdown(ctx)
}
