package exchange

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dreamware/spine/internal/cluster"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// TestAwaitSignalled verifies the caller wakes as soon as the answer arrives.
func TestAwaitSignalled(t *testing.T) {
	ex := New[string](5 * time.Second)

	start := time.Now()
	v, ok, err := ex.Await(context.Background(), func(context.Context) error {
		go func() {
			time.Sleep(20 * time.Millisecond)
			ex.Signal("granted")
		}()
		return nil
	})

	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "granted", v)
	assert.Less(t, time.Since(start), time.Second)
}

// TestAwaitTimeout verifies an unanswered exchange returns not-notified after
// its patience, without an error.
func TestAwaitTimeout(t *testing.T) {
	ex := New[int](50 * time.Millisecond)

	start := time.Now()
	v, ok, err := ex.Await(context.Background(), func(context.Context) error { return nil })

	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, v)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

// TestSignalBeforeAwait verifies an answer that races ahead of the wait is
// not lost.
func TestSignalBeforeAwait(t *testing.T) {
	ex := New[int](time.Second)
	assert.True(t, ex.Signal(7))
	assert.False(t, ex.Signal(8))

	v, ok, err := ex.Await(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 7, v)
}

// TestAwaitSendError verifies send failures surface without waiting.
func TestAwaitSendError(t *testing.T) {
	ex := New[int](time.Second)
	boom := errors.New("publish failed")

	_, ok, err := ex.Await(context.Background(), func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, ok)
}

// TestAwaitContextCancel verifies the wait ends with the context.
func TestAwaitContextCancel(t *testing.T) {
	ex := New[int](time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, ok, err := ex.Await(ctx, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, ok)
}

// TestAwaitRetries verifies one exchange can gate several send attempts and
// the answer to any attempt ends the loop.
func TestAwaitRetries(t *testing.T) {
	ex := New[bool](20 * time.Millisecond)
	var sends atomic.Int32

	send := func(context.Context) error {
		if sends.Add(1) == 3 {
			go ex.Signal(true)
		}
		return nil
	}

	var ok bool
	for attempt := 0; attempt < 10 && !ok; attempt++ {
		var err error
		_, ok, err = ex.Await(context.Background(), send)
		require.NoError(t, err)
	}
	assert.True(t, ok)
	assert.Equal(t, int32(3), sends.Load())
}

// TestTableRouting verifies responses reach the exchange with the matching
// correlation id only.
func TestTableRouting(t *testing.T) {
	table := NewTable[string]()
	a := cluster.CorrelationID{Origin: "r1", Seq: -1}
	b := cluster.CorrelationID{Origin: "r1", Seq: -2}

	exA := table.Open(a, time.Second)
	exB := table.Open(b, time.Second)
	assert.Equal(t, 2, table.Len())

	assert.True(t, table.Signal(b, "for-b"))
	assert.False(t, table.Signal(cluster.CorrelationID{Origin: "r2", Seq: -1}, "stray"))

	_, okA := exA.Result()
	vB, okB := exB.Result()
	assert.False(t, okA)
	assert.True(t, okB)
	assert.Equal(t, "for-b", vB)

	table.Close(a)
	table.Close(b)
	assert.Equal(t, 0, table.Len())
	assert.False(t, table.Signal(a, "late"))
}
