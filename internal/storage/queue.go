package storage

import "sync"

// queueBuffer bounds how many writes can sit unprocessed per path before
// Enqueue applies backpressure.
const queueBuffer = 64

// Queue serialises work per key. Functions enqueued under the same key run
// one at a time in FIFO order on a dedicated goroutine; different keys run
// independently. Workers spawn on first use and retire once their backlog
// drains, so an idle Queue holds no goroutines.
type Queue struct {
	mu      sync.Mutex
	workers map[string]*queueWorker
	wg      sync.WaitGroup
}

type queueWorker struct {
	ch      chan func()
	pending int
}

// NewQueue returns an empty Queue.
func NewQueue() *Queue {
	return &Queue{workers: make(map[string]*queueWorker)}
}

// Enqueue schedules fn to run after every function previously enqueued
// under key. It blocks only when the key's backlog is full.
func (q *Queue) Enqueue(key string, fn func()) {
	q.mu.Lock()
	w, ok := q.workers[key]
	if !ok {
		w = &queueWorker{ch: make(chan func(), queueBuffer)}
		q.workers[key] = w
		go q.drain(key, w)
	}
	w.pending++
	q.wg.Add(1)
	q.mu.Unlock()

	w.ch <- fn
}

// Wait blocks until every function enqueued so far has finished.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// drain runs a worker until its backlog empties. The pending count is
// raised under the queue lock before the corresponding send, so a zero
// count means no sender is in flight and the worker can retire safely.
// Retirement happens before the final wg.Done so Wait observes a fully
// quiescent queue.
func (q *Queue) drain(key string, w *queueWorker) {
	for fn := range w.ch {
		fn()

		q.mu.Lock()
		w.pending--
		retire := w.pending == 0
		if retire {
			delete(q.workers, key)
		}
		q.mu.Unlock()

		q.wg.Done()
		if retire {
			return
		}
	}
}
