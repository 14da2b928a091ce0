//go:build integration

package invalidation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/turetske/etpelican/pkg/testutil/containers"
)

func TestRedisInvalidate(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	rc := containers.NewRedisContainer(t)
	inv := NewRedis(rc.Client)

	// A reconciler holds a cached collection and subscribes for staleness.
	require.NoError(t, rc.Client.Set(ctx, NamespacesKey, `["/foo"]`, 0).Err())

	sub := rc.Client.Subscribe(ctx, Channel(NamespacesKey))
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, inv.Invalidate(ctx, NamespacesKey))

	// The cached value is gone before the signal arrives.
	exists, err := rc.Client.Exists(ctx, NamespacesKey).Result()
	require.NoError(t, err)
	require.Zero(t, exists)

	select {
	case msg := <-sub.Channel():
		require.Equal(t, NamespacesKey, msg.Payload)
	case <-time.After(5 * time.Second):
		t.Fatal("no invalidation signal received")
	}
}
