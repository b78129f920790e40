package spatial

import (
	"sync"
	"testing"
)

func TestLockFreeQueueFIFO(t *testing.T) {
	q := NewLockFreeQueue[int](8)
	for i := 0; i < 5; i++ {
		if !q.TryPush(i) {
			t.Fatalf("TryPush(%d) failed", i)
		}
	}
	for i := 0; i < 5; i++ {
		item, ok := q.TryPop()
		if !ok || item != i {
			t.Fatalf("TryPop() = %d, %v, want %d, true", item, ok, i)
		}
	}
}

func TestLockFreeQueueFullRejectsPush(t *testing.T) {
	q := NewLockFreeQueue[int](4)
	for i := 0; i < 4; i++ {
		if !q.TryPush(i) {
			t.Fatalf("TryPush(%d) should have succeeded", i)
		}
	}
	if q.TryPush(99) {
		t.Fatal("TryPush on a full queue should fail")
	}
}

func TestLockFreeQueueDrainPreservesOrder(t *testing.T) {
	q := NewLockFreeQueue[int](16)
	for i := 0; i < 10; i++ {
		q.TryPush(i)
	}
	got := q.Drain(100)
	if len(got) != 10 {
		t.Fatalf("Drain returned %d items, want 10", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("Drain()[%d] = %d, want %d", i, v, i)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("Len() = %d after full drain, want 0", q.Len())
	}
}

func TestLockFreeQueueConcurrentProducers(t *testing.T) {
	q := NewLockFreeQueue[int](1 << 16)
	const producers = 8
	const perProducer = 1000

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				for !q.TryPush(base + i) {
				}
			}
		}(p * perProducer)
	}
	wg.Wait()

	if q.Len() != producers*perProducer {
		t.Fatalf("Len() = %d, want %d", q.Len(), producers*perProducer)
	}

	drained := q.Drain(producers * perProducer)
	if len(drained) != producers*perProducer {
		t.Fatalf("Drain() returned %d items, want %d", len(drained), producers*perProducer)
	}
}
