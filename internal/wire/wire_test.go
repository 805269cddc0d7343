package wire

import (
	"testing"
	"time"

	"github.com/miekg/dns"
)

func TestKeyCanonicalizesCase(t *testing.T) {
	a := Key("Example.COM.", dns.TypeA, dns.ClassINET)
	b := Key("example.com.", dns.TypeA, dns.ClassINET)
	if a != b {
		t.Fatalf("expected canonicalized keys to match: %v vs %v", a, b)
	}
}

func TestDecodeQueryRejectsMalformed(t *testing.T) {
	_, _, err := DecodeQuery([]byte{0x00, 0x01, 0x02})
	if err == nil {
		t.Fatal("expected error for malformed query")
	}
}

func TestDecodeQueryRejectsNoQuestion(t *testing.T) {
	msg := new(dns.Msg)
	msg.Id = 42
	raw, err := msg.Pack()
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	_, _, err = DecodeQuery(raw)
	if err == nil {
		t.Fatal("expected error for query with no question section")
	}
}

func TestPrepareReplyFloorsAtOneSecond(t *testing.T) {
	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeA)
	msg.Answer = []dns.RR{&dns.A{
		Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
		A:   []byte{93, 184, 216, 34},
	}}

	reply := PrepareReply(msg, 7, 10*time.Second)
	if reply.Id != 7 {
		t.Fatalf("expected id rewritten to 7, got %d", reply.Id)
	}
	if got := reply.Answer[0].Header().Ttl; got != 290 {
		t.Fatalf("expected TTL 290, got %d", got)
	}

	reply = PrepareReply(msg, 7, 400*time.Second)
	if got := reply.Answer[0].Header().Ttl; got != 1 {
		t.Fatalf("expected TTL floored at 1, got %d", got)
	}
}

func TestPrepareReplyDoesNotMutateStored(t *testing.T) {
	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeA)
	msg.Answer = []dns.RR{&dns.A{
		Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
		A:   []byte{93, 184, 216, 34},
	}}
	_ = PrepareReply(msg, 99, 250*time.Second)
	if msg.Answer[0].Header().Ttl != 300 {
		t.Fatalf("expected stored message untouched, got TTL %d", msg.Answer[0].Header().Ttl)
	}
}

func TestInsertTTLPositiveClampsToRange(t *testing.T) {
	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeA)
	msg.Answer = []dns.RR{
		&dns.A{Hdr: dns.RR_Header{Ttl: 10}, A: []byte{1, 2, 3, 4}},
		&dns.A{Hdr: dns.RR_Header{Ttl: 5000}, A: []byte{1, 2, 3, 5}},
	}
	ttl, class := InsertTTL(msg, 30*time.Second, 3600*time.Second, 60*time.Second)
	if class != ClassPositive {
		t.Fatalf("expected positive class, got %v", class)
	}
	if ttl != 30*time.Second {
		t.Fatalf("expected min RR TTL 10s clamped up to min_ttl 30s, got %v", ttl)
	}
}

func TestInsertTTLNegativeUsesSOAMinimum(t *testing.T) {
	msg := new(dns.Msg)
	msg.SetQuestion("nx.example.com.", dns.TypeA)
	msg.Rcode = dns.RcodeNameError
	msg.Ns = []dns.RR{&dns.SOA{
		Hdr:    dns.RR_Header{Rrtype: dns.TypeSOA},
		Minttl: 120,
	}}
	ttl, class := InsertTTL(msg, 0, 0, 300*time.Second)
	if class != ClassNegative {
		t.Fatalf("expected negative class, got %v", class)
	}
	if ttl != 120*time.Second {
		t.Fatalf("expected SOA minimum 120s, got %v", ttl)
	}
}

func TestInsertTTLNegativeClampedByNegativeTTL(t *testing.T) {
	msg := new(dns.Msg)
	msg.SetQuestion("nx.example.com.", dns.TypeA)
	msg.Rcode = dns.RcodeNameError
	msg.Ns = []dns.RR{&dns.SOA{
		Hdr:    dns.RR_Header{Rrtype: dns.TypeSOA},
		Minttl: 5000,
	}}
	ttl, _ := InsertTTL(msg, 0, 0, 60*time.Second)
	if ttl != 60*time.Second {
		t.Fatalf("expected clamp to negative_ttl 60s, got %v", ttl)
	}
}

func TestInsertTTLEmptyNoErrorUsesNegativeTTL(t *testing.T) {
	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeA)
	ttl, class := InsertTTL(msg, 0, 0, 45*time.Second)
	if class != ClassNegative {
		t.Fatalf("expected NODATA classified as negative, got %v", class)
	}
	if ttl != 45*time.Second {
		t.Fatalf("expected negative_ttl applied, got %v", ttl)
	}
}
