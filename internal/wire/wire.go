// Package wire parses and synthesizes DNS messages: cache-key derivation,
// reply TTL rewriting, and insert-TTL computation.
package wire

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// ErrMalformed is returned when a query cannot be decoded. Callers must not
// mutate cache state when this error is returned.
var ErrMalformed = errors.New("wire: malformed message")

// RcodeClass classifies a cached reply as positive or negative.
type RcodeClass int

const (
	// ClassPositive is any reply that is not negative, e.g. NOERROR with
	// at least one answer record.
	ClassPositive RcodeClass = iota
	// ClassNegative is NXDOMAIN or NODATA.
	ClassNegative
)

func (c RcodeClass) String() string {
	if c == ClassNegative {
		return "negative"
	}
	return "positive"
}

// CacheKey is the canonical (qname, qtype, qclass) triple used to index the
// cache and the single-flight map.
type CacheKey struct {
	Name   string
	Qtype  uint16
	Qclass uint16
}

// String renders the key as a stable string suitable for use as a map key
// or for logging.
func (k CacheKey) String() string {
	return fmt.Sprintf("%s:%d:%d", k.Name, k.Qtype, k.Qclass)
}

// Key canonicalizes name and returns the CacheKey for (name, qtype, qclass).
// Name casing is normalized (lowercased) and the trailing root dot is kept
// via dns.CanonicalName so equality is stable regardless of client casing.
func Key(name string, qtype, qclass uint16) CacheKey {
	return CacheKey{
		Name:   dns.CanonicalName(name),
		Qtype:  qtype,
		Qclass: qclass,
	}
}

// DecodeQuery unpacks a raw DNS query. The listeners do not call it: they
// rely on dns.Server's own decoding. On any decode failure or query with no
// question section, it returns ErrMalformed and the caller must not touch
// cache state.
func DecodeQuery(raw []byte) (*dns.Msg, CacheKey, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(raw); err != nil {
		return nil, CacheKey{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(msg.Question) == 0 {
		return nil, CacheKey{}, fmt.Errorf("%w: no question section", ErrMalformed)
	}
	q := msg.Question[0]
	return msg, Key(q.Name, q.Qtype, q.Qclass), nil
}

// PrepareReply returns a copy of stored rewritten for a new client: the
// transaction id is replaced and every RR's TTL is decremented by age,
// floored at 1 second.
//
// Entries whose remaining TTL would be <= 0 must only be served under
// serve-stale; callers are responsible for that decision before calling
// PrepareReply.
func PrepareReply(stored *dns.Msg, id uint16, age time.Duration) *dns.Msg {
	reply := stored.Copy()
	reply.Id = id

	ageSeconds := uint32(age.Seconds())
	rewrite := func(rrs []dns.RR) {
		for _, rr := range rrs {
			hdr := rr.Header()
			if hdr.Ttl <= ageSeconds {
				hdr.Ttl = 1
				continue
			}
			hdr.Ttl -= ageSeconds
			if hdr.Ttl < 1 {
				hdr.Ttl = 1
			}
		}
	}
	rewrite(reply.Answer)
	rewrite(reply.Ns)
	rewrite(reply.Extra)
	return reply
}

// InsertTTL computes the TTL to record on cache insert for msg: the minimum
// RR TTL across answer+authority for positive replies clamped to [minTTL,
// maxTTL]; the SOA minimum (RFC 2308) clamped by negativeTTL for negative
// replies. The returned RcodeClass records which rule applied.
func InsertTTL(msg *dns.Msg, minTTL, maxTTL, negativeTTL time.Duration) (time.Duration, RcodeClass) {
	if msg == nil {
		return 0, ClassPositive
	}
	if isNegative(msg) {
		return negativeTTLFor(msg, negativeTTL), ClassNegative
	}
	return clamp(minRRTTL(msg.Answer, msg.Ns), minTTL, maxTTL), ClassPositive
}

func isNegative(msg *dns.Msg) bool {
	if msg.Rcode == dns.RcodeNameError {
		return true
	}
	return msg.Rcode == dns.RcodeSuccess && len(msg.Answer) == 0
}

func negativeTTLFor(msg *dns.Msg, negativeTTL time.Duration) time.Duration {
	for _, rr := range msg.Ns {
		if soa, ok := rr.(*dns.SOA); ok && soa.Minttl > 0 {
			ttl := time.Duration(soa.Minttl) * time.Second
			if negativeTTL > 0 && ttl > negativeTTL {
				return negativeTTL
			}
			return ttl
		}
	}
	return negativeTTL
}

func minRRTTL(sections ...[]dns.RR) time.Duration {
	var minTTL uint32
	found := false
	for _, rrs := range sections {
		for _, rr := range rrs {
			ttl := rr.Header().Ttl
			if !found || ttl < minTTL {
				minTTL = ttl
				found = true
			}
		}
	}
	if !found {
		return 0
	}
	return time.Duration(minTTL) * time.Second
}

func clamp(ttl, minTTL, maxTTL time.Duration) time.Duration {
	if minTTL > 0 && ttl < minTTL {
		ttl = minTTL
	}
	if maxTTL > 0 && ttl > maxTTL {
		ttl = maxTTL
	}
	return ttl
}

// NormalizeName lowercases a query name and makes it fully qualified
// (trailing dot) the way the resolver
// compares cache keys, without requiring a full dns.Msg round-trip.
func NormalizeName(name string) string {
	return strings.ToLower(dns.Fqdn(name))
}
