package singleflight

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
)

func TestDoRunsOnceForConcurrentCallers(t *testing.T) {
	g := New()
	var calls int32
	release := make(chan struct{})

	fn := func() (*dns.Msg, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		msg := new(dns.Msg)
		msg.SetQuestion("example.com.", dns.TypeA)
		return msg, nil
	}

	const n = 10
	var wg sync.WaitGroup
	sharedCount := int32(0)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, shared := g.Do("example.com.|A|IN", fn)
			if shared {
				atomic.AddInt32(&sharedCount, 1)
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected fn invoked exactly once, got %d", got)
	}
	if sharedCount == 0 {
		t.Fatalf("expected at least one caller to observe shared=true")
	}
}

func TestDoPropagatesError(t *testing.T) {
	g := New()
	wantErr := errors.New("upstream failure")
	res, _ := g.Do("k", func() (*dns.Msg, error) {
		return nil, wantErr
	})
	if res.Err != wantErr {
		t.Fatalf("expected error propagated, got %v", res.Err)
	}
	if res.Reply != nil {
		t.Fatalf("expected nil reply alongside error, got %v", res.Reply)
	}
}

func TestDoSequentialCallsAreIndependent(t *testing.T) {
	g := New()
	var calls int32
	fn := func() (*dns.Msg, error) {
		atomic.AddInt32(&calls, 1)
		return new(dns.Msg), nil
	}
	g.Do("k", fn)
	g.Do("k", fn)
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected two independent (non-overlapping) calls to both run fn, got %d", got)
	}
}
