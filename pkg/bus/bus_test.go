package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSend_DeliversInOrder(t *testing.T) {
	ResetSuppression()
	b := New()

	require.NoError(t, b.Send(State("alpha", StateStarting, 100)))
	require.NoError(t, b.Send(State("alpha", StateRunning, 100)))

	ev := <-b.Events()
	assert.Equal(t, StateStarting, ev.State)
	assert.Equal(t, "alpha", ev.Entity)
	assert.Equal(t, 100, ev.PID)
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Timestamp.IsZero())

	ev = <-b.Events()
	assert.Equal(t, StateRunning, ev.State)
}

func TestSend_FullBusFailsFast(t *testing.T) {
	ResetSuppression()
	b := NewWithCapacity(2)

	require.NoError(t, b.Send(LogRotate("a")))
	require.NoError(t, b.Send(LogRotate("a")))

	err := b.Send(LogRotate("a"))
	assert.ErrorIs(t, err, ErrNotDraining)
}

func TestSend_ClosedBusFails(t *testing.T) {
	ResetSuppression()
	b := New()
	b.Close()

	assert.ErrorIs(t, b.Send(Fatal("a", "boom")), ErrClosed)
}

func TestClose_Idempotent(t *testing.T) {
	ResetSuppression()
	b := New()
	b.Close()
	b.Close()
}

func TestTrySend_FullBusDropsSilently(t *testing.T) {
	ResetSuppression()
	b := NewWithCapacity(1)

	b.TrySend(Health("a", true))
	b.TrySend(Health("a", true))
	b.TrySend(Health("a", true))

	assert.Equal(t, uint64(2), b.Dropped())
	assert.False(t, suppressed.Load(), "full bus must not suppress")

	// The one enqueued event is still delivered.
	ev := <-b.Events()
	assert.Equal(t, TypeHealth, ev.Type)
}

func TestTrySend_ClosedBusSuppressesOnce(t *testing.T) {
	ResetSuppression()
	t.Cleanup(ResetSuppression)

	b := New()
	warnings := 0
	b.OnSuppress(func() { warnings++ })
	b.Close()

	b.TrySend(Health("a", true))
	b.TrySend(Health("a", true))
	b.TrySend(Health("a", true))

	assert.Equal(t, 1, warnings, "exactly one subscriber-gone warning")
	assert.True(t, suppressed.Load())
}

func TestTrySend_SuppressionIsProcessWide(t *testing.T) {
	ResetSuppression()
	t.Cleanup(ResetSuppression)

	dead := New()
	dead.Close()
	dead.TrySend(Health("a", true))

	// A different live bus still refuses best-effort sends.
	live := New()
	live.TrySend(Health("b", true))

	select {
	case <-live.Events():
		t.Fatal("suppressed send must not enqueue")
	default:
	}

	// Critical sends are unaffected by suppression.
	assert.NoError(t, live.Send(State("b", StateStarting, 0)))
}

func TestEventConstructors(t *testing.T) {
	ev := Fatal("worker-1", "spawn failed")
	assert.Equal(t, TypeFatal, ev.Type)
	assert.Equal(t, "spawn failed", ev.Msg)

	ev = LogRotate("manager")
	assert.Equal(t, TypeLogRotate, ev.Type)
	assert.Equal(t, "manager", ev.Entity)

	h := Health("w", false)
	assert.Equal(t, TypeHealth, h.Type)
	assert.False(t, h.Healthy)
}
