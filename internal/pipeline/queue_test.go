package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/neighbor/internal/source"
)

func rec(msg string) source.LogRecord {
	return source.NewRecord(time.Now(), "kernel", source.SeverityInfo, msg, nil)
}

func TestQueue_DropsOldest(t *testing.T) {
	drops := 0
	q := NewQueue(3, func() { drops++ })

	for _, m := range []string{"a", "b", "c"} {
		assert.False(t, q.Push(rec(m)))
	}
	assert.True(t, q.Push(rec("d")))
	assert.True(t, q.Push(rec("e")))
	assert.Equal(t, 2, drops)
	assert.Equal(t, 3, q.Len())

	ctx := context.Background()
	for _, want := range []string{"c", "d", "e"} {
		got, err := q.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got.Message)
	}
	assert.Equal(t, 0, q.Len())
}

func TestQueue_PopWaitsForPush(t *testing.T) {
	q := NewQueue(4, nil)
	got := make(chan string, 1)
	go func() {
		r, err := q.Pop(context.Background())
		if err == nil {
			got <- r.Message
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Push(rec("late"))

	select {
	case m := <-got:
		assert.Equal(t, "late", m)
	case <-time.After(2 * time.Second):
		t.Fatal("Pop never returned")
	}
}

func TestQueue_CloseDrainsThenErrors(t *testing.T) {
	q := NewQueue(4, nil)
	q.Push(rec("x"))
	q.Close()
	assert.False(t, q.Push(rec("ignored")))

	r, err := q.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "x", r.Message)

	_, err = q.Pop(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestQueue_PopHonoursContext(t *testing.T) {
	q := NewQueue(4, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_PushNeverBlocks(t *testing.T) {
	q := NewQueue(1, nil)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			q.Push(rec("flood"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Push blocked")
	}
	assert.Equal(t, 1, q.Len())
}
