package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
)

func startTestUDPServer(t *testing.T, handler dns.HandlerFunc) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &dns.Server{PacketConn: pc, Handler: handler}
	go srv.ActivateAndServe()
	t.Cleanup(func() { srv.Shutdown() })
	return pc.LocalAddr().String()
}

func TestUDPResolveSuccess(t *testing.T) {
	addr := startTestUDPServer(t, func(w dns.ResponseWriter, r *dns.Msg) {
		reply := new(dns.Msg)
		reply.SetReply(r)
		reply.Answer = []dns.RR{&dns.A{
			Hdr: dns.RR_Header{Name: r.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
			A:   []byte{1, 2, 3, 4},
		}}
		w.WriteMsg(reply)
	})

	u := NewUDP(addr, 2*time.Second)
	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	reply, err := u.Resolve(context.Background(), q)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(reply.Answer) != 1 {
		t.Fatalf("expected 1 answer, got %d", len(reply.Answer))
	}
}

func TestUDPResolveTimeout(t *testing.T) {
	addr := startTestUDPServer(t, func(w dns.ResponseWriter, r *dns.Msg) {
		// never responds
	})
	u := NewUDP(addr, 50*time.Millisecond)
	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	_, err := u.Resolve(context.Background(), q)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if kind, ok := KindOf(err); !ok || kind != KindUDPTimeout {
		t.Fatalf("expected KindUDPTimeout, got %v (%v)", kind, err)
	}
}
