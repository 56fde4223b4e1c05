package sequencer

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingSubmitter struct {
	mu    sync.Mutex
	order []uint64
}

func (r *recordingSubmitter) Submit(c *Clone) error {
	r.mu.Lock()
	r.order = append(r.order, c.Sector)
	r.mu.Unlock()
	return nil
}

func TestOutOfOrderCompletionsSubmitInAscendingSectorOrder(t *testing.T) {
	sub := &recordingSubmitter{}
	seq := New(sub, nil)

	// Enqueue sector 17 before sector 2, emulating out-of-order crypto
	// completion. Both are queued before the drain goroutine starts, so
	// they land in the same pending batch.
	seq.Enqueue(&Clone{Sector: 17})
	seq.Enqueue(&Clone{Sector: 2})
	seq.Start()
	defer seq.Stop()

	require.Eventually(t, func() bool {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		return len(sub.order) == 2
	}, time.Second, time.Millisecond)

	sub.mu.Lock()
	defer sub.mu.Unlock()
	require.Equal(t, []uint64{2, 17}, sub.order)
}

func TestManyOutOfOrderCompletionsSortedPerDrain(t *testing.T) {
	sub := &recordingSubmitter{}
	seq := New(sub, nil)

	// All clones are queued before the drain goroutine starts, so they
	// form a single drain.
	sectors := []uint64{40, 1, 23, 7, 99, 2, 0}
	for _, s := range sectors {
		seq.Enqueue(&Clone{Sector: s})
	}
	seq.Start()
	defer seq.Stop()

	require.Eventually(t, func() bool {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		return len(sub.order) == len(sectors)
	}, time.Second, time.Millisecond)

	sub.mu.Lock()
	defer sub.mu.Unlock()
	for i := 1; i < len(sub.order); i++ {
		require.LessOrEqual(t, sub.order[i-1], sub.order[i])
	}
}

type errSubmitter struct{}

func (errSubmitter) Submit(c *Clone) error { return fmt.Errorf("boom %d", c.Sector) }

func TestSubmitErrorsReachOnError(t *testing.T) {
	var mu sync.Mutex
	var failed []uint64
	seq := New(errSubmitter{}, func(sector uint64, err error) {
		mu.Lock()
		failed = append(failed, sector)
		mu.Unlock()
	})
	seq.Start()
	defer seq.Stop()

	seq.Enqueue(&Clone{Sector: 5})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(failed) == 1
	}, time.Second, time.Millisecond)
}
