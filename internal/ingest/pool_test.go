package ingest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_RunsTasks(t *testing.T) {
	p := NewPool(3, 10)
	defer p.Close()

	var wg sync.WaitGroup
	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		require.True(t, p.TrySubmit(func(context.Context) {
			defer wg.Done()
			ran.Add(1)
		}))
	}
	wg.Wait()
	assert.Equal(t, int32(10), ran.Load())
}

func TestPool_TrySubmitFull(t *testing.T) {
	p := NewPool(1, 1)
	defer p.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	require.True(t, p.TrySubmit(func(context.Context) {
		close(started)
		<-release
	}))
	<-started

	require.True(t, p.TrySubmit(func(context.Context) {}), "one slot in the queue")
	assert.False(t, p.TrySubmit(func(context.Context) {}), "queue is full")
	close(release)
}

func TestPool_Close(t *testing.T) {
	p := NewPool(2, 4)

	observed := make(chan error, 1)
	started := make(chan struct{})
	require.True(t, p.TrySubmit(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		observed <- ctx.Err()
	}))
	<-started

	done := make(chan struct{})
	go func() {
		p.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	assert.ErrorIs(t, <-observed, context.Canceled)
	assert.False(t, p.TrySubmit(func(context.Context) {}))

	p.Close()
}
