package admission

import (
	"sync"
	"testing"
)

func TestTryAcquireFailsFastAtCapacity(t *testing.T) {
	l := New(2)

	_, ok1 := l.TryAcquire()
	_, ok2 := l.TryAcquire()
	_, ok3 := l.TryAcquire()

	if !ok1 || !ok2 {
		t.Fatalf("expected first two acquires to succeed: ok1=%v ok2=%v", ok1, ok2)
	}
	if ok3 {
		t.Fatalf("expected third acquire to fail fast at capacity")
	}
	if l.Rejections() != 1 {
		t.Fatalf("expected 1 rejection recorded, got %d", l.Rejections())
	}
}

func TestReleaseFreesSlot(t *testing.T) {
	l := New(1)
	release, ok := l.TryAcquire()
	if !ok {
		t.Fatal("expected first acquire to succeed")
	}
	if _, ok := l.TryAcquire(); ok {
		t.Fatal("expected second acquire to fail before release")
	}
	release()
	if _, ok := l.TryAcquire(); !ok {
		t.Fatal("expected acquire to succeed after release")
	}
}

func TestZeroDisablesGate(t *testing.T) {
	l := New(0)
	for i := 0; i < 100; i++ {
		if _, ok := l.TryAcquire(); !ok {
			t.Fatalf("expected disabled gate to never reject, failed at %d", i)
		}
	}
}

func TestConcurrentAcquireNeverExceedsCapacity(t *testing.T) {
	l := New(4)
	var wg sync.WaitGroup
	var mu sync.Mutex
	maxObserved := int64(0)

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, ok := l.TryAcquire()
			if !ok {
				return
			}
			defer release()
			mu.Lock()
			if in := l.InUse(); in > maxObserved {
				maxObserved = in
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if maxObserved > 4 {
		t.Fatalf("expected InUse to never exceed capacity 4, observed %d", maxObserved)
	}
}
