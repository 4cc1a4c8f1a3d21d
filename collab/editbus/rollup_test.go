package editbus

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

func TestRollupCancelBeforeExpiry(t *testing.T) {
	mock := clock.NewMock()
	c := newRollupCoordinator(mock, time.Minute)

	var fired atomic.Int32
	c.schedule("token-1", "doc", func() { fired.Add(1) })

	assert.True(t, c.cancel("token-1"))
	mock.Add(2 * time.Minute)

	assert.Never(t, func() bool { return fired.Load() > 0 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Zero(t, c.pendingCount())
}

func TestRollupFiresOnceAndLateCancelLoses(t *testing.T) {
	mock := clock.NewMock()
	c := newRollupCoordinator(mock, time.Minute)

	var fired atomic.Int32
	c.schedule("token-1", "doc", func() { fired.Add(1) })

	mock.Add(time.Minute)
	assert.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)

	assert.False(t, c.cancel("token-1"), "cancel after the timer claimed the token must lose")
	mock.Add(time.Minute)
	assert.Never(t, func() bool { return fired.Load() > 1 }, 50*time.Millisecond, 10*time.Millisecond)
}

func TestRollupUnknownTokenCancel(t *testing.T) {
	c := newRollupCoordinator(clock.NewMock(), time.Minute)
	assert.False(t, c.cancel("missing"))
}

func TestRollupStopDropsPending(t *testing.T) {
	mock := clock.NewMock()
	c := newRollupCoordinator(mock, time.Minute)

	var fired atomic.Int32
	c.schedule("a", "doc-a", func() { fired.Add(1) })
	c.schedule("b", "doc-b", func() { fired.Add(1) })
	assert.Equal(t, 2, c.pendingCount())

	c.stop()
	mock.Add(time.Hour)

	assert.Zero(t, c.pendingCount())
	assert.Never(t, func() bool { return fired.Load() > 0 }, 50*time.Millisecond, 10*time.Millisecond)
}
