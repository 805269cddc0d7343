package refresh

import (
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/resilientdns/resilientdns/internal/wire"
)

func newQuery(key wire.CacheKey, qtype uint16) *dns.Msg {
	msg := new(dns.Msg)
	msg.SetQuestion(key.Name, qtype)
	if len(msg.Question) > 0 {
		msg.Question[0].Qclass = key.Qclass
	}
	return msg
}

type sweepRecord struct {
	at    time.Time
	count int
}

// sweepStats tracks a rolling window of sweep outcomes.
type sweepStats struct {
	mu        sync.Mutex
	window    time.Duration
	lastSweep time.Time
	lastCount int
	history   []sweepRecord
}

func newSweepStats(window time.Duration) *sweepStats {
	return &sweepStats{window: window}
}

func (s *sweepStats) record(count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.lastSweep = now
	s.lastCount = count
	s.history = append(s.history, sweepRecord{at: now, count: count})
	cutoff := now.Add(-s.window)
	pruned := s.history[:0]
	for _, rec := range s.history {
		if rec.at.After(cutoff) {
			pruned = append(pruned, rec)
		}
	}
	s.history = pruned
}

// Stats is a point-in-time snapshot of the sweep history.
type Stats struct {
	LastSweepTime  time.Time
	LastSweepCount int
	SweepsInWindow int
	RefreshedInWindow int
	AveragePerSweep   float64
}

func (s *sweepStats) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) == 0 {
		return Stats{LastSweepTime: s.lastSweep, LastSweepCount: s.lastCount}
	}
	total := 0
	for _, rec := range s.history {
		total += rec.count
	}
	return Stats{
		LastSweepTime:     s.lastSweep,
		LastSweepCount:    s.lastCount,
		SweepsInWindow:    len(s.history),
		RefreshedInWindow: total,
		AveragePerSweep:   float64(total) / float64(len(s.history)),
	}
}
