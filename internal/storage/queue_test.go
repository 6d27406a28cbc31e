package storage

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestQueueFIFOPerKey(t *testing.T) {
	q := NewQueue()

	var mu sync.Mutex
	var order []int
	for i := 0; i < 200; i++ {
		i := i
		q.Enqueue("same-file", func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	q.Wait()

	if len(order) != 200 {
		t.Fatalf("ran %d functions, want 200", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("out of order at %d: got %d", i, v)
		}
	}
}

func TestQueueWaitCoversAllKeys(t *testing.T) {
	q := NewQueue()

	var done atomic.Int64
	keys := []string{"a", "b", "c", "d"}
	for _, k := range keys {
		for i := 0; i < 50; i++ {
			q.Enqueue(k, func() { done.Add(1) })
		}
	}
	q.Wait()

	if got := done.Load(); got != 200 {
		t.Errorf("completed %d, want 200", got)
	}
}

func TestQueueWorkerRetiresAndRespawns(t *testing.T) {
	q := NewQueue()

	ran := false
	q.Enqueue("k", func() { ran = true })
	q.Wait()
	if !ran {
		t.Fatal("first round did not run")
	}

	q.mu.Lock()
	live := len(q.workers)
	q.mu.Unlock()
	if live != 0 {
		t.Errorf("%d workers still registered after drain", live)
	}

	again := false
	q.Enqueue("k", func() { again = true })
	q.Wait()
	if !again {
		t.Error("respawned worker did not run")
	}
}

func TestQueueConcurrentEnqueue(t *testing.T) {
	q := NewQueue()

	var done atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				key := string(rune('a' + g%3))
				q.Enqueue(key, func() { done.Add(1) })
			}
		}(g)
	}
	wg.Wait()
	q.Wait()

	if got := done.Load(); got != 800 {
		t.Errorf("completed %d, want 800", got)
	}
}
