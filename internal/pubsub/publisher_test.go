package pubsub

import (
	"sync"
	"testing"
)

func TestPublisherSingleThreaded(t *testing.T) {
	p := NewPublisher(func() int { return 0 })

	if p.LockNewValue() {
		t.Fatal("LockNewValue should return false before any post")
	}

	*p.StartNewValue() = 42
	p.PostNewValue()

	if !p.LockNewValue() {
		t.Fatal("LockNewValue should return true after a post")
	}
	if got := *p.GetLockedValue(); got != 42 {
		t.Fatalf("GetLockedValue() = %d, want 42", got)
	}

	if p.LockNewValue() {
		t.Fatal("LockNewValue should return false with nothing new posted")
	}
}

func TestPublisherNeverOverwritesLockedSlot(t *testing.T) {
	p := NewPublisher(func() int { return -1 })

	*p.StartNewValue() = 1
	p.PostNewValue()
	p.LockNewValue()
	locked := p.GetLockedValue()

	// Post several more values; the slot the reader is locked onto must
	// never change out from under it.
	for i := 2; i <= 10; i++ {
		*p.StartNewValue() = i
		p.PostNewValue()
		if got := *locked; got != 1 {
			t.Fatalf("locked slot mutated to %d while still held", got)
		}
	}
}

func TestPublisherLivenessUnderConcurrency(t *testing.T) {
	p := NewPublisher(func() int { return 0 })
	const n = 10000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= n; i++ {
			*p.StartNewValue() = i
			p.PostNewValue()
		}
	}()

	last := 0
	for {
		if p.LockNewValue() {
			v := *p.GetLockedValue()
			if v < last {
				t.Errorf("reader observed value go backwards: %d after %d", v, last)
			}
			last = v
			if v == n {
				break
			}
		}
	}
	wg.Wait()

	if last != n {
		t.Fatalf("reader never observed final value; last = %d, want %d", last, n)
	}
}
