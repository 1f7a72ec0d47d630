package queue_test

import (
	"sync"
	"testing"
	"time"

	"demuxd/internal/models"
	"demuxd/internal/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func group(seq int64) models.FragmentGroup {
	return models.FragmentGroup{Sequence: seq, Duration: time.Second}
}

func TestQueueFIFO(t *testing.T) {
	q := queue.New()
	for seq := int64(0); seq < 5; seq++ {
		require.NoError(t, q.Push(group(seq)))
	}
	assert.Equal(t, 5, q.Len())
	assert.Equal(t, 5*time.Second, q.Duration())

	for seq := int64(0); seq < 5; seq++ {
		g, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, seq, g.Sequence)
	}
	_, ok := q.Pop()
	assert.False(t, ok)
}

func TestQueueFlushAndClose(t *testing.T) {
	q := queue.New()
	require.NoError(t, q.Push(group(1)))
	require.NoError(t, q.Push(group(2)))
	assert.Equal(t, 2, q.Flush())
	assert.Zero(t, q.Len())

	require.NoError(t, q.Push(group(3)))
	q.Close()
	assert.ErrorIs(t, q.Push(group(4)), queue.ErrClosed)
	g, ok := q.Pop()
	require.True(t, ok, "closing keeps queued groups")
	assert.Equal(t, int64(3), g.Sequence)
}

func TestQueueChangedWakesOnPush(t *testing.T) {
	q := queue.New()
	changed := q.Changed()
	woke := make(chan struct{})
	go func() {
		<-changed
		close(woke)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Push(group(1)))

	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by push")
	}

	select {
	case <-q.Changed():
		t.Fatal("a fresh changed channel must stay open until the next change")
	default:
	}
}

func TestQueueSignalWakesEveryWaiter(t *testing.T) {
	q := queue.New()
	changed := q.Changed()
	q.Signal()
	select {
	case <-changed:
	default:
		t.Fatal("signal did not close the changed channel")
	}
	assert.Zero(t, q.Len())
}

func TestQueueConcurrentProducerConsumer(t *testing.T) {
	q := queue.New()
	const total = 500

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for seq := int64(0); seq < total; seq++ {
			_ = q.Push(group(seq))
		}
	}()

	next := int64(0)
	deadline := time.After(5 * time.Second)
	for next < total {
		if g, ok := q.Pop(); ok {
			assert.Equal(t, next, g.Sequence, "groups keep their order")
			next++
			continue
		}
		select {
		case <-q.Changed():
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatal("consumer did not receive every group")
		}
	}
	wg.Wait()
}
