package exact

import (
	"context"
	"sync"
)

// SettleQueue serializes every transaction signed with the facilitator
// key. A single worker goroutine owns the span from simulation to final
// confirmation, so two settlements can never race on the key's account
// nonce. Jobs run in FIFO order.
//
// The queue is process-local. Running multiple replicas against one key
// needs an external lock or per-replica keys; see the deployment notes.
type SettleQueue struct {
	requests chan settleJob

	closeOnce sync.Once
	closed    chan struct{}
	drained   chan struct{}
}

type settleJob struct {
	run  func()
	done chan struct{}
}

// NewSettleQueue starts the worker.
func NewSettleQueue() *SettleQueue {
	q := &SettleQueue{
		requests: make(chan settleJob),
		closed:   make(chan struct{}),
		drained:  make(chan struct{}),
	}
	go q.worker()
	return q
}

func (q *SettleQueue) worker() {
	defer close(q.drained)
	for {
		select {
		case job := <-q.requests:
			job.run()
			close(job.done)
		case <-q.closed:
			// Drain anything already enqueued, then stop.
			for {
				select {
				case job := <-q.requests:
					job.run()
					close(job.done)
				default:
					return
				}
			}
		}
	}
}

// Execute runs fn on the settlement worker and waits for it to finish.
// ctx bounds only the wait to enter the queue: once fn starts it always
// runs to completion, because a client disconnect must not abandon the
// bookkeeping for an already-submitted transaction.
func (q *SettleQueue) Execute(ctx context.Context, fn func()) error {
	job := settleJob{run: fn, done: make(chan struct{})}
	select {
	case q.requests <- job:
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closed:
		return context.Canceled
	}
	<-job.done
	return nil
}

// Close stops accepting work and waits for in-flight jobs to finish.
func (q *SettleQueue) Close() {
	q.closeOnce.Do(func() { close(q.closed) })
	<-q.drained
}
