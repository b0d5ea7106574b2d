package queue

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRun_ImmediateExecutesInline(t *testing.T) {
	q := New(1)
	ran := false
	err := q.Run(ModeImmediate, func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, ran)
	require.Equal(t, 0, q.Running())
}

func TestRun_QueuedRespectsConcurrencyCeiling(t *testing.T) {
	const concurrency = 3
	const jobs = 10
	q := New(concurrency)

	var active, peak int32
	var wg sync.WaitGroup
	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := q.Run(ModeQueued, func() error {
				n := atomic.AddInt32(&active, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, atomic.LoadInt32(&peak), int32(concurrency))
	require.Positive(t, atomic.LoadInt32(&peak))
}

func TestRun_QueuedDispatchOrderIsFIFO(t *testing.T) {
	// One worker: dispatch order is fully observable as execution order.
	q := New(1)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	gate := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = q.Run(ModeQueued, func() error {
			<-gate
			return nil
		})
	}()
	// Let the blocker occupy the single slot before submitting the rest.
	time.Sleep(10 * time.Millisecond)

	for i := 1; i <= 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Run(ModeQueued, func() error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		// Space out submissions so FIFO insertion order is deterministic.
		time.Sleep(10 * time.Millisecond)
	}
	close(gate)
	wg.Wait()

	require.Equal(t, []int{1, 2, 3, 4, 5}, order)
}

func TestRun_QueuedDeliversJobError(t *testing.T) {
	q := New(2)
	boom := errors.New("boom")

	err := q.Run(ModeQueued, func() error { return boom })
	require.ErrorIs(t, err, boom)

	// Scheduler stays healthy after a failure.
	err = q.Run(ModeQueued, func() error { return nil })
	require.NoError(t, err)
	require.Equal(t, 0, q.Running())
}

func TestRun_QueuedCatchesPanic(t *testing.T) {
	q := New(1)

	err := q.Run(ModeQueued, func() error { panic("bad job") })
	require.Error(t, err)
	require.Contains(t, err.Error(), "bad job")

	err = q.Run(ModeQueued, func() error { return nil })
	require.NoError(t, err)
}

func TestParseMode(t *testing.T) {
	require.Equal(t, ModeQueued, ParseMode("queued"))
	require.Equal(t, ModeQueued, ParseMode("queue"))
	require.Equal(t, ModeImmediate, ParseMode("immediate"))
	require.Equal(t, ModeImmediate, ParseMode("sync"))
	require.Equal(t, ModeImmediate, ParseMode(""))
	require.Equal(t, ModeImmediate, ParseMode("nonsense"))
}
