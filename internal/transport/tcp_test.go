package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
)

func startTestTCPServer(t *testing.T, handler dns.HandlerFunc) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &dns.Server{Listener: ln, Handler: handler}
	go srv.ActivateAndServe()
	t.Cleanup(func() { srv.Shutdown() })
	return ln.Addr().String()
}

func TestTCPResolveSuccess(t *testing.T) {
	addr := startTestTCPServer(t, func(w dns.ResponseWriter, r *dns.Msg) {
		reply := new(dns.Msg)
		reply.SetReply(r)
		reply.Answer = []dns.RR{&dns.A{
			Hdr: dns.RR_Header{Name: r.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
			A:   []byte{5, 6, 7, 8},
		}}
		w.WriteMsg(reply)
	})

	tr := NewTCP(addr, 2*time.Second, time.Minute, false)
	defer tr.Close()

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	reply, err := tr.Resolve(context.Background(), q)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(reply.Answer) != 1 {
		t.Fatalf("expected 1 answer, got %d", len(reply.Answer))
	}
}

func TestTCPResolveReusesPooledConnection(t *testing.T) {
	addr := startTestTCPServer(t, func(w dns.ResponseWriter, r *dns.Msg) {
		reply := new(dns.Msg)
		reply.SetReply(r)
		w.WriteMsg(reply)
	})

	tr := NewTCP(addr, 2*time.Second, time.Minute, false)
	defer tr.Close()

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)

	if _, err := tr.Resolve(context.Background(), q); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if _, err := tr.Resolve(context.Background(), q); err != nil {
		t.Fatalf("second resolve: %v", err)
	}
}

func TestTCPResolveConnectFailure(t *testing.T) {
	tr := NewTCP("127.0.0.1:1", 50*time.Millisecond, time.Minute, false)
	defer tr.Close()
	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	_, err := tr.Resolve(context.Background(), q)
	if err == nil {
		t.Fatal("expected connect error")
	}
}
