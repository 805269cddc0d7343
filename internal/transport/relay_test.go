package transport

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/miekg/dns"
)

func newTestQuery() *dns.Msg {
	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	return q
}

func TestRelayResolveSuccess(t *testing.T) {
	reply := new(dns.Msg)
	reply.SetQuestion("example.com.", dns.TypeA)
	reply.Answer = []dns.RR{&dns.A{
		Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
		A:   []byte{1, 2, 3, 4},
	}}
	rawReply, err := reply.Pack()
	if err != nil {
		t.Fatalf("pack: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("expected bearer token header, got %q", got)
		}
		if r.URL.Path != "/v1/dns" {
			t.Errorf("expected /v1/dns, got %q", r.URL.Path)
		}
		var req relayBatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.V != 1 || req.ID == "" || len(req.Items) != 1 {
			t.Fatalf("malformed request envelope: %+v", req)
		}
		resp := relayBatchResponse{
			V:  1,
			ID: req.ID,
			Items: []relayResponseItem{{
				ID: req.Items[0].ID,
				OK: true,
				A:  base64.StdEncoding.EncodeToString(rawReply),
			}},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	r := NewRelay(RelayConfig{BaseURL: srv.URL, BearerToken: "tok", Timeout: 2 * time.Second})
	got, err := r.Resolve(t.Context(), newTestQuery())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got.Answer) != 1 {
		t.Fatalf("expected 1 answer RR, got %d", len(got.Answer))
	}
}

func TestRelayVersionedURLStripsTrailingSlash(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		resp := relayBatchResponse{V: 1, Items: []relayResponseItem{{ID: "1", OK: false, Err: "internal_error"}}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	r := NewRelay(RelayConfig{BaseURL: srv.URL + "/", APIVersion: 2, Timeout: 2 * time.Second})
	_, _ = r.Resolve(t.Context(), newTestQuery())
	if gotPath != "/v2/dns" {
		t.Fatalf("expected /v2/dns, got %q", gotPath)
	}
}

func TestRelayResolveUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	r := NewRelay(RelayConfig{BaseURL: srv.URL, Timeout: 2 * time.Second})
	_, err := r.Resolve(t.Context(), newTestQuery())
	if err == nil {
		t.Fatal("expected error")
	}
	if kind, ok := KindOf(err); !ok || kind != KindRelayUnauthorized {
		t.Fatalf("expected KindRelayUnauthorized, got %v", kind)
	}
}

func TestRelayResolveOtherClientErrorIsClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	r := NewRelay(RelayConfig{BaseURL: srv.URL, Timeout: 2 * time.Second})
	_, err := r.Resolve(t.Context(), newTestQuery())
	if kind, ok := KindOf(err); !ok || kind != KindRelayClientError {
		t.Fatalf("expected KindRelayClientError, got %v", kind)
	}
}

func TestRelayResolveItemErrorMapping(t *testing.T) {
	cases := []struct {
		code string
		kind ErrorKind
	}{
		{"bad_request", KindRelayProtocolErr},
		{"protocol_error", KindRelayProtocolErr},
		{"unauthorized", KindRelayUnauthorized},
		{"too_large", KindRelayTooLarge},
		{"timeout", KindRelayTimeout},
		{"upstream_error", KindRelayUpstreamErr},
		{"rate_limited", KindRelayRateLimited},
		{"internal_error", KindRelayInternalErr},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			resp := relayBatchResponse{V: 1, Items: []relayResponseItem{{ID: "1", OK: false, Err: tc.code}}}
			json.NewEncoder(w).Encode(resp)
		}))
		r := NewRelay(RelayConfig{BaseURL: srv.URL, Timeout: 2 * time.Second})
		_, err := r.Resolve(t.Context(), newTestQuery())
		if kind, ok := KindOf(err); !ok || kind != tc.kind {
			t.Errorf("code %q: expected %v, got %v", tc.code, tc.kind, kind)
		}
		srv.Close()
	}
}

func TestRelayResolveOKWithUndecodableAnswerIsProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := relayBatchResponse{V: 1, Items: []relayResponseItem{{ID: "1", OK: true, A: "not-valid-base64!!"}}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	r := NewRelay(RelayConfig{BaseURL: srv.URL, Timeout: 2 * time.Second})
	_, err := r.Resolve(t.Context(), newTestQuery())
	if kind, ok := KindOf(err); !ok || kind != KindRelayProtocolErr {
		t.Fatalf("expected KindRelayProtocolErr, got %v", kind)
	}
}

func TestRelayResolveClientSideRateLimit(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		reply := newTestQuery()
		raw, _ := reply.Pack()
		resp := relayBatchResponse{V: 1, Items: []relayResponseItem{{ID: "1", OK: true, A: base64.StdEncoding.EncodeToString(raw)}}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	r := NewRelay(RelayConfig{BaseURL: srv.URL, Timeout: 2 * time.Second, RatePerSecond: 1, RateBurst: 1})
	_, err1 := r.Resolve(t.Context(), newTestQuery())
	_, err2 := r.Resolve(t.Context(), newTestQuery())
	if err1 != nil {
		t.Fatalf("expected first call to succeed, got %v", err1)
	}
	if kind, ok := KindOf(err2); !ok || kind != KindRelayRateLimited {
		t.Fatalf("expected second call client-rate-limited, got %v", err2)
	}
	if hits != 1 {
		t.Fatalf("expected server to see exactly 1 request, got %d", hits)
	}
}

func TestRelayPerItemWireSizeGuard(t *testing.T) {
	r := NewRelay(RelayConfig{BaseURL: "http://unused.invalid", PerItemMaxWireBytes: 4})
	_, err := r.Resolve(t.Context(), newTestQuery())
	if kind, ok := KindOf(err); !ok || kind != KindRelayTooLarge {
		t.Fatalf("expected KindRelayTooLarge, got %v", err)
	}
}

func TestCheckInfoValidatesProtocolVersion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/info" {
			t.Errorf("expected /v1/info, got %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(InfoResponse{ProtocolVersion: 2})
	}))
	defer srv.Close()

	r := NewRelay(RelayConfig{BaseURL: srv.URL, Timeout: 2 * time.Second})
	_, err := r.CheckInfo(t.Context())
	if kind, ok := KindOf(err); !ok || kind != KindRelayProtocolErr {
		t.Fatalf("expected KindRelayProtocolErr on version mismatch, got %v", err)
	}
}

func TestCheckInfoRejectsLimitsBelowConfigured(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(InfoResponse{
			ProtocolVersion: 1,
			Limits:          relayLimits{MaxItems: 1, MaxRequestBytes: 100},
		})
	}))
	defer srv.Close()

	r := NewRelay(RelayConfig{BaseURL: srv.URL, Timeout: 2 * time.Second, MaxRequestBytes: 1000})
	_, err := r.CheckInfo(t.Context())
	if kind, ok := KindOf(err); !ok || kind != KindRelayProtocolErr {
		t.Fatalf("expected KindRelayProtocolErr when relay limit is below configured, got %v", err)
	}
}

func TestCheckInfoAcceptsSufficientLimits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(InfoResponse{
			ProtocolVersion: 1,
			Limits:          relayLimits{MaxItems: 10, MaxRequestBytes: 10000},
			AuthRequired:    true,
		})
	}))
	defer srv.Close()

	r := NewRelay(RelayConfig{BaseURL: srv.URL, Timeout: 2 * time.Second, MaxRequestBytes: 1000})
	info, err := r.CheckInfo(t.Context())
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if !info.AuthRequired {
		t.Fatal("expected AuthRequired true")
	}
}
