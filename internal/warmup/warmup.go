// Package warmup loads a fixed list of queries to pre-populate the cache at
// startup, feeding them into the same refresh queue the
// scheduler uses so a cold start doesn't need a separate worker pool.
// Uses the usual bufio.Scanner line-scanning idiom ("#"-comment and
// blank-line skipping).
package warmup

import (
	"bufio"
	"io"
	"strings"

	"github.com/miekg/dns"

	"github.com/resilientdns/resilientdns/internal/metrics"
	"github.com/resilientdns/resilientdns/internal/wire"
)

// Entry is one parsed warmup line: a qname/qtype pair to submit for refresh.
type Entry struct {
	Key   wire.CacheKey
	Qtype uint16
}

// Submitter is the subset of the refresh scheduler's API warmup needs,
// letting warmup share the scheduler's queue and in-flight dedup map
// without importing the full refresh package.
type Submitter interface {
	Submit(key wire.CacheKey, qtype uint16) bool
}

// ParseFile reads qname/qtype lines (one per line, "#"-comments and blank
// lines skipped) and returns the entries successfully parsed. invalid
// counts lines that could not be parsed (unknown qtype, missing field).
func ParseFile(r io.Reader) (entries []Entry, invalid int) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 || len(fields) > 2 {
			invalid++
			continue
		}
		name := dns.Fqdn(fields[0])
		qtype := uint16(dns.TypeA)
		if len(fields) == 2 {
			t, ok := dns.StringToType[strings.ToUpper(fields[1])]
			if !ok {
				invalid++
				continue
			}
			qtype = t
		}
		entries = append(entries, Entry{
			Key:   wire.Key(name, qtype, dns.ClassINET),
			Qtype: qtype,
		})
	}
	return entries, invalid
}

// Load parses r and submits up to limit entries to sub (limit <= 0 means
// unlimited), recording warmup_loaded_total / warmup_invalid_total.
func Load(r io.Reader, sub Submitter, limit int) (loaded, skipped, invalid int) {
	entries, invalidCount := ParseFile(r)
	invalid = invalidCount
	metrics.RecordWarmupInvalid(invalid)

	for i, e := range entries {
		if limit > 0 && i >= limit {
			skipped = len(entries) - i
			break
		}
		if sub.Submit(e.Key, e.Qtype) {
			loaded++
		} else {
			skipped++
		}
	}
	metrics.RecordWarmupLoaded(loaded)
	return loaded, skipped, invalid
}
