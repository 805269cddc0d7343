// Package transport implements the upstream resolution adapters:
// UDP, TCP (with RFC 7766 length-prefixed framing and connection reuse), and
// Relay (an HTTPS JSON batch protocol).
package transport

import (
	"context"
	"errors"

	"github.com/miekg/dns"
)

// ErrorKind classifies an upstream failure for metrics and SERVFAIL logging
// (a shared error taxonomy).
type ErrorKind string

const (
	KindUDPTimeout        ErrorKind = "udp_timeout"
	KindUDPError          ErrorKind = "udp_error"
	KindTCPTimeout        ErrorKind = "tcp_timeout"
	KindTCPConnect        ErrorKind = "tcp_connect"
	KindTCPProtocol       ErrorKind = "tcp_protocol"
	KindRelayTimeout      ErrorKind = "relay_timeout"
	KindRelayUnauthorized ErrorKind = "relay_unauthorized"
	KindRelayClientError  ErrorKind = "relay_client_error"
	KindRelayUpstreamErr  ErrorKind = "relay_upstream_error"
	KindRelayProtocolErr  ErrorKind = "relay_protocol_error"
	KindRelayTooLarge     ErrorKind = "relay_too_large"
	KindRelayRateLimited  ErrorKind = "relay_rate_limited"
	KindRelayInternalErr  ErrorKind = "relay_internal_error"
)

// Error wraps an upstream failure with its classification.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with kind, or returns nil if err is nil.
func NewError(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the ErrorKind from err, if it is (or wraps) a *Error.
func KindOf(err error) (ErrorKind, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return "", false
}

// Upstream resolves a single query against one upstream resolution path.
// Implementations must not retry internally (no automatic
// fallback or retries at the transport layer; that policy belongs one layer
// up, if anywhere).
type Upstream interface {
	Resolve(ctx context.Context, query *dns.Msg) (*dns.Msg, error)
	Close() error
}
