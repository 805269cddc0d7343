package transport

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/miekg/dns"
	"golang.org/x/time/rate"
)

var relayJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// RelayConfig configures a Relay upstream: a versioned HTTPS JSON batch
// protocol fronting one or more real DNS resolvers (bearer auth,
// rate.Limiter, http.Client with timeout, json-iterator/go codec).
type RelayConfig struct {
	BaseURL             string
	APIVersion          int // appended as /v{n}/dns, /v{n}/info; defaults to 1
	BearerToken         string
	Timeout             time.Duration
	RatePerSecond       float64
	RateBurst           int
	MaxItems            int
	MaxRequestBytes     int
	MaxResponseBytes    int
	PerItemMaxWireBytes int
	UseGzip             bool
}

// RelayUpstream forwards single-query lookups as one-item batches to a
// Relay-protocol endpoint.
type RelayUpstream struct {
	cfg     RelayConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewRelay returns a Relay upstream adapter. If cfg.RatePerSecond is
// positive, a call beyond that rate (after RateBurst) fails immediately with
// KindRelayRateLimited instead of waiting; if it is non-positive, no
// client-side rate limit applies.
func NewRelay(cfg RelayConfig) *RelayUpstream {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.APIVersion <= 0 {
		cfg.APIVersion = 1
	}
	r := &RelayUpstream{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return r
}

type relayRequestItem struct {
	ID string `json:"id"`
	Q  string `json:"q"`
}

type relayBatchRequest struct {
	V     int                `json:"v"`
	ID    string             `json:"id"`
	Items []relayRequestItem `json:"items"`
}

type relayResponseItem struct {
	ID  string `json:"id"`
	OK  bool   `json:"ok"`
	A   string `json:"a,omitempty"`
	Err string `json:"err,omitempty"`
}

type relayBatchResponse struct {
	V     int                 `json:"v"`
	ID    string              `json:"id"`
	Items []relayResponseItem `json:"items"`
}

// relayLimits is the capability block of GET /v{n}/info.
type relayLimits struct {
	MaxItems            int `json:"max_items"`
	MaxRequestBytes     int `json:"max_request_bytes"`
	PerItemMaxWireBytes int `json:"per_item_max_wire_bytes"`
	MaxResponseBytes    int `json:"max_response_bytes"`
}

// InfoResponse is the result of a GET /v{n}/info startup capability check.
type InfoResponse struct {
	ProtocolVersion int         `json:"v"`
	Limits          relayLimits `json:"limits"`
	AuthRequired    bool        `json:"auth_required"`
}

// CheckInfo performs the startup GET /v{n}/info probe: HTTP 2xx, the
// reported protocol version matches the configured one, and the relay's
// advertised limits are at least as large as this adapter's configured
// limits. Callers decide whether a failure here is fatal (require),
// logged-only (warn), or ignored (off) per the relay_startup_check
// config tri-state.
func (r *RelayUpstream) CheckInfo(ctx context.Context) (*InfoResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.versionedURL("info"), nil)
	if err != nil {
		return nil, NewError(KindRelayInternalErr, err)
	}
	r.setAuth(req)
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, classifyRelayTransportError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyRelayStatus(resp.StatusCode)
	}
	var info InfoResponse
	if err := relayJSON.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, NewError(KindRelayClientError, err)
	}
	if info.ProtocolVersion != r.cfg.APIVersion {
		return nil, NewError(KindRelayProtocolErr, fmt.Errorf("relay reports protocol version %d, configured %d", info.ProtocolVersion, r.cfg.APIVersion))
	}
	if err := checkLimit("max_items", r.cfg.MaxItems, info.Limits.MaxItems); err != nil {
		return nil, err
	}
	if err := checkLimit("max_request_bytes", r.cfg.MaxRequestBytes, info.Limits.MaxRequestBytes); err != nil {
		return nil, err
	}
	if err := checkLimit("per_item_max_wire_bytes", r.cfg.PerItemMaxWireBytes, info.Limits.PerItemMaxWireBytes); err != nil {
		return nil, err
	}
	if err := checkLimit("max_response_bytes", r.cfg.MaxResponseBytes, info.Limits.MaxResponseBytes); err != nil {
		return nil, err
	}
	return &info, nil
}

// checkLimit fails if the relay's advertised limit is positive but smaller
// than what this adapter is configured to send/accept. A zero configured
// limit means "no local limit", so it is never a mismatch.
func checkLimit(name string, configured, advertised int) error {
	if configured <= 0 || advertised <= 0 {
		return nil
	}
	if advertised < configured {
		return NewError(KindRelayProtocolErr, fmt.Errorf("relay %s %d below configured %d", name, advertised, configured))
	}
	return nil
}

func (r *RelayUpstream) setAuth(req *http.Request) {
	if r.cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.BearerToken)
	}
}

// versionedURL strips any trailing slash from the configured base URL and
// appends /v{version}/{path}.
func (r *RelayUpstream) versionedURL(path string) string {
	base := strings.TrimRight(r.cfg.BaseURL, "/")
	return fmt.Sprintf("%s/v%d/%s", base, r.cfg.APIVersion, path)
}

func newRelayRequestID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// Resolve sends query as a single-item batch and unpacks the corresponding
// reply. The wire-format query/reply are transported base64-encoded inside
// the JSON envelope.
func (r *RelayUpstream) Resolve(ctx context.Context, query *dns.Msg) (*dns.Msg, error) {
	if r.limiter != nil {
		if !r.limiter.Allow() {
			return nil, NewError(KindRelayRateLimited, errors.New("relay client-side rate limit exceeded"))
		}
	}

	raw, err := query.Pack()
	if err != nil {
		return nil, NewError(KindRelayInternalErr, err)
	}
	if r.cfg.PerItemMaxWireBytes > 0 && len(raw) > r.cfg.PerItemMaxWireBytes {
		return nil, NewError(KindRelayTooLarge, fmt.Errorf("query %d bytes exceeds per-item limit %d", len(raw), r.cfg.PerItemMaxWireBytes))
	}

	batch := relayBatchRequest{
		V:  r.cfg.APIVersion,
		ID: newRelayRequestID(),
		Items: []relayRequestItem{{
			ID: "1",
			Q:  base64.StdEncoding.EncodeToString(raw),
		}},
	}
	body, err := relayJSON.Marshal(batch)
	if err != nil {
		return nil, NewError(KindRelayInternalErr, err)
	}
	if r.cfg.MaxRequestBytes > 0 && len(body) > r.cfg.MaxRequestBytes {
		return nil, NewError(KindRelayTooLarge, fmt.Errorf("request %d bytes exceeds max_request_bytes %d", len(body), r.cfg.MaxRequestBytes))
	}

	reqBody := io.Reader(bytes.NewReader(body))
	var contentEncoding string
	if r.cfg.UseGzip {
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(body); err != nil {
			return nil, NewError(KindRelayInternalErr, err)
		}
		if err := gw.Close(); err != nil {
			return nil, NewError(KindRelayInternalErr, err)
		}
		reqBody = &buf
		contentEncoding = "gzip"
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.versionedURL("dns"), reqBody)
	if err != nil {
		return nil, NewError(KindRelayInternalErr, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if contentEncoding != "" {
		httpReq.Header.Set("Content-Encoding", contentEncoding)
	}
	r.setAuth(httpReq)

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, classifyRelayTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyRelayStatus(resp.StatusCode)
	}

	var bodyReader io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		gzr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, NewError(KindRelayClientError, err)
		}
		defer gzr.Close()
		bodyReader = gzr
	}
	if r.cfg.MaxResponseBytes > 0 {
		bodyReader = io.LimitReader(bodyReader, int64(r.cfg.MaxResponseBytes)+1)
	}
	respBody, err := io.ReadAll(bodyReader)
	if err != nil {
		return nil, NewError(KindRelayClientError, err)
	}
	if r.cfg.MaxResponseBytes > 0 && len(respBody) > r.cfg.MaxResponseBytes {
		return nil, NewError(KindRelayTooLarge, fmt.Errorf("response exceeds max_response_bytes %d", r.cfg.MaxResponseBytes))
	}

	var batchResp relayBatchResponse
	if err := relayJSON.Unmarshal(respBody, &batchResp); err != nil {
		return nil, NewError(KindRelayClientError, err)
	}
	if len(batchResp.Items) != 1 {
		return nil, NewError(KindRelayClientError, fmt.Errorf("expected 1 reply item, got %d", len(batchResp.Items)))
	}
	item := batchResp.Items[0]
	if !item.OK {
		return nil, mapRelayItemError(item.Err)
	}
	rawReply, err := base64.StdEncoding.DecodeString(item.A)
	if err != nil {
		// ok=true with a non-decodable payload is a protocol violation, not
		// a success, even though the HTTP/JSON envelope was well formed.
		return nil, NewError(KindRelayProtocolErr, err)
	}
	reply := new(dns.Msg)
	if err := reply.Unpack(rawReply); err != nil {
		return nil, NewError(KindRelayProtocolErr, err)
	}
	return reply, nil
}

func (r *RelayUpstream) Close() error { return nil }

// mapRelayItemError maps an item-level err enum value to its error kind.
func mapRelayItemError(code string) error {
	base := fmt.Errorf("relay item error %q", code)
	switch code {
	case "bad_request", "protocol_error":
		return NewError(KindRelayProtocolErr, base)
	case "unauthorized":
		return NewError(KindRelayUnauthorized, base)
	case "too_large":
		return NewError(KindRelayTooLarge, base)
	case "timeout":
		return NewError(KindRelayTimeout, base)
	case "upstream_error":
		return NewError(KindRelayUpstreamErr, base)
	case "rate_limited":
		return NewError(KindRelayRateLimited, base)
	case "internal_error":
		return NewError(KindRelayInternalErr, base)
	default:
		return NewError(KindRelayProtocolErr, fmt.Errorf("relay item error unknown %q", code))
	}
}

// classifyRelayTransportError maps any failure to reach the relay at all
// (timeout or otherwise) to RelayTimeout, per the relay wire contract.
func classifyRelayTransportError(err error) error {
	return NewError(KindRelayTimeout, err)
}

func classifyRelayStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return NewError(KindRelayUnauthorized, fmt.Errorf("status %d", status))
	case status >= 400 && status < 500:
		return NewError(KindRelayClientError, fmt.Errorf("status %d", status))
	case status >= 500:
		return NewError(KindRelayUpstreamErr, fmt.Errorf("status %d", status))
	default:
		return NewError(KindRelayClientError, fmt.Errorf("unexpected status %d", status))
	}
}
