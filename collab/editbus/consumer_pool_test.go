package editbus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsumerPoolResize(t *testing.T) {
	var running atomic.Int32
	pool := newConsumerPool(func(ctx context.Context, _ int) {
		running.Add(1)
		defer running.Add(-1)
		<-ctx.Done()
	})

	pool.Resize(3)
	assert.Equal(t, 3, pool.Size())
	require.Eventually(t, func() bool { return running.Load() == 3 }, time.Second, 5*time.Millisecond)

	pool.Resize(1)
	assert.Equal(t, 1, pool.Size())
	require.Eventually(t, func() bool { return running.Load() == 1 }, time.Second, 5*time.Millisecond)

	pool.Stop()
	assert.Zero(t, running.Load())
	assert.Zero(t, pool.Size())

	pool.Resize(2)
	assert.Zero(t, pool.Size(), "a stopped pool stays stopped")
}

func TestMemoryHubWithoutSelfDelivery(t *testing.T) {
	hub := NewMemoryHub(WithoutSelfDelivery())
	a, b := hub.Transport(), hub.Transport()
	defer a.Close()
	defer b.Close()

	var gotA, gotB atomic.Int32
	ctx := context.Background()
	require.NoError(t, a.Subscribe(ctx, "doc", func(context.Context, []byte) { gotA.Add(1) }))
	require.NoError(t, b.Subscribe(ctx, "doc", func(context.Context, []byte) { gotB.Add(1) }))
	assert.Equal(t, 2, hub.Subscribers("doc"))

	require.NoError(t, a.Publish(ctx, "doc", []byte("x")))
	require.Eventually(t, func() bool { return gotB.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, gotA.Load())

	require.NoError(t, b.Unsubscribe(ctx, "doc"))
	assert.Equal(t, 1, hub.Subscribers("doc"))
}
