// Package sequencer implements the write sequencer: a dedicated goroutine
// that collects completed write clones in a sector-ordered structure and
// drains them, in ascending-sector order, to the underlying device on
// each wakeup.
//
// Asynchronous crypto completions arrive in whatever order the cipher
// engines finish in, not sector order; re-sorting them here reduces
// random-write amplification on the lower device and preserves whatever
// locality the upper layer's own I/O pattern had.
package sequencer

import (
	"container/heap"
	"sync"
)

// Clone is a completed write ready for submission to the underlying
// device, ordered by Sector.
type Clone struct {
	Sector uint64
	Data   interface{} // opaque to the sequencer; carries the mapping's I/O-context-specific clone
}

// Submitter submits one drained clone to the underlying device.
type Submitter interface {
	Submit(c *Clone) error
}

// BatchSubmitter additionally brackets a whole drain cycle in a
// batched-submission region (e.g. io_uring SQE linking, or a single
// syscall batch). Sequencers that don't need batching can implement only
// Submitter.
type BatchSubmitter interface {
	Submitter
	BeginBatch()
	EndBatch() error
}

// cloneHeap is a min-heap keyed by logical sector; any ordered container
// supporting "take minimum, erase" works, and Go's container/heap is the
// idiomatic choice here.
type cloneHeap []*Clone

func (h cloneHeap) Len() int            { return len(h) }
func (h cloneHeap) Less(i, j int) bool  { return h[i].Sector < h[j].Sector }
func (h cloneHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *cloneHeap) Push(x interface{}) { *h = append(*h, x.(*Clone)) }
func (h *cloneHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Sequencer owns the drain goroutine. One Sequencer per mapping.
type Sequencer struct {
	submitter Submitter

	mu      sync.Mutex // guards only pending's insert/swap-out
	pending cloneHeap

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	onError func(sector uint64, err error)
}

// New constructs a Sequencer that drains onto submitter. onError, if
// non-nil, is called for every clone whose Submit fails; the drain
// continues with the remaining clones regardless (no retries
// are issued from the core; errors are sticky on the I/O context, which
// onError's caller is responsible for latching).
func New(submitter Submitter, onError func(sector uint64, err error)) *Sequencer {
	return &Sequencer{
		submitter: submitter,
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		onError:   onError,
	}
}

// Start launches the drain goroutine.
func (s *Sequencer) Start() {
	go s.run()
}

// Stop signals the drain goroutine to finish its current cycle and exit,
// then blocks until it has ( "destroy stops the sequencer
// thread").
func (s *Sequencer) Stop() {
	close(s.stop)
	<-s.done
}

// Enqueue inserts a completed write clone and wakes the drain goroutine.
// Safe to call concurrently from any number of crypt-stage workers.
func (s *Sequencer) Enqueue(c *Clone) {
	s.mu.Lock()
	heap.Push(&s.pending, c)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of clones currently queued, for tests and
// diagnostics.
func (s *Sequencer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Sequencer) run() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			s.drainOnce()
			return
		case <-s.wake:
			s.drainOnce()
		}
	}
}

// drainOnce swaps out the live heap under the lock, then walks the stolen
// copy without holding it, freeing each node (popping it off the heap) as
// its clone is submitted — so submission, which may synchronously free the
// I/O context enclosing the clone, never races a concurrent Enqueue into
// the same structure.
func (s *Sequencer) drainOnce() {
	s.mu.Lock()
	stolen := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(stolen) == 0 {
		return
	}
	heap.Init(&stolen)

	batcher, batched := s.submitter.(BatchSubmitter)
	if batched {
		batcher.BeginBatch()
	}
	for stolen.Len() > 0 {
		c := heap.Pop(&stolen).(*Clone)
		if err := s.submitter.Submit(c); err != nil && s.onError != nil {
			s.onError(c.Sector, err)
		}
	}
	if batched {
		if err := batcher.EndBatch(); err != nil && s.onError != nil {
			s.onError(0, err)
		}
	}
}
