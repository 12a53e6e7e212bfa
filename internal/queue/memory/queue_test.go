package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue[string]()
	result := make(chan string, 1)
	errCh := make(chan error, 1)

	go func() {
		item, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- item
	}()

	time.Sleep(10 * time.Millisecond) // allow goroutine to start
	require.NoError(t, q.Enqueue("q-1"))
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		require.Equal(t, "q-1", got)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return item")
	}
}

func TestQueuePreservesOrder(t *testing.T) {
	t.Parallel()

	q := NewQueue[int]()
	for i := range 100 {
		require.NoError(t, q.Enqueue(i))
	}
	require.Equal(t, 100, q.Len())

	for i := range 100 {
		got, err := q.Dequeue(context.Background())
		require.NoError(t, err)
		require.Equal(t, i, got)
	}
	require.Zero(t, q.Len())
}

func TestQueueConcurrentProducer(t *testing.T) {
	t.Parallel()

	q := NewQueue[int]()
	const total = 500
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range total {
			_ = q.Enqueue(i)
		}
		q.Close()
	}()

	var got []int
	for {
		item, err := q.Dequeue(context.Background())
		if errors.Is(err, ErrClosed) {
			break
		}
		require.NoError(t, err)
		got = append(got, item)
	}
	wg.Wait()

	require.Len(t, got, total)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestQueueCancelation(t *testing.T) {
	t.Parallel()

	q := NewQueue[string]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.EqualError(t, err, "dequeue canceled: context canceled")
}

func TestQueueClear(t *testing.T) {
	t.Parallel()

	q := NewQueue[string]()
	require.NoError(t, q.Enqueue("a"))
	require.NoError(t, q.Enqueue("b"))
	require.Equal(t, 2, q.Clear())
	require.Zero(t, q.Len())

	require.NoError(t, q.Enqueue("c"))
	got, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "c", got)
}

func TestQueueCloseDrainsBufferedItems(t *testing.T) {
	t.Parallel()

	q := NewQueue[string]()
	require.NoError(t, q.Enqueue("a"))
	q.Close()
	q.Close()
	require.ErrorIs(t, q.Enqueue("b"), ErrClosed)

	got, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "a", got)

	_, err = q.Dequeue(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}
