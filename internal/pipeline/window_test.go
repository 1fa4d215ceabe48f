package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowAcquireRelease(t *testing.T) {
	w := NewWindow(2)
	ctx := context.Background()

	require.NoError(t, w.Acquire(ctx))
	require.NoError(t, w.Acquire(ctx))
	assert.Equal(t, 2, w.InFlight())

	w.Release()
	assert.Equal(t, 1, w.InFlight())
	require.NoError(t, w.Acquire(ctx))
}

func TestWindowBlocksAtLimit(t *testing.T) {
	w := NewWindow(1)
	require.NoError(t, w.Acquire(context.Background()))

	acquired := make(chan error, 1)
	go func() { acquired <- w.Acquire(context.Background()) }()

	select {
	case <-acquired:
		t.Fatal("acquire must block while the window is full")
	case <-time.After(50 * time.Millisecond):
	}

	w.Release()
	select {
	case err := <-acquired:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("release must wake a blocked acquirer")
	}
}

func TestWindowAcquireCancellation(t *testing.T) {
	w := NewWindow(1)
	require.NoError(t, w.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- w.Acquire(ctx) }()

	cancel()
	select {
	case err := <-result:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancellation must unblock a waiting acquirer")
	}
	assert.Equal(t, 1, w.InFlight(), "a cancelled acquire takes no permit")
}

func TestWindowResize(t *testing.T) {
	w := NewWindow(1)
	require.NoError(t, w.Acquire(context.Background()))

	// growing the window admits a blocked waiter
	admitted := make(chan error, 1)
	go func() { admitted <- w.Acquire(context.Background()) }()
	w.Resize(2)
	select {
	case err := <-admitted:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("resize up must wake waiters")
	}

	// shrinking below in-flight stops new admissions without revoking
	w.Resize(1)
	assert.Equal(t, 1, w.Limit())
	assert.Equal(t, 2, w.InFlight())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, w.Acquire(ctx))

	// floor of one
	w.Resize(0)
	assert.Equal(t, 1, w.Limit())
}
