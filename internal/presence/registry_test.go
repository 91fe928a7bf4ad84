package presence

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registries(t *testing.T) map[string]func() Registry {
	return map[string]func() Registry{
		"memory": func() Registry { return NewMemoryRegistry() },
		"redis": func() Registry {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return NewRedisRegistry(client, "test:presence:", "node-1")
		},
	}
}

func TestRegistry_FirstAndLastEdges(t *testing.T) {
	for name, build := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := build()

			first, err := r.Add(ctx, "alice", "c1")
			require.NoError(t, err)
			assert.True(t, first)

			first, err = r.Add(ctx, "alice", "c2")
			require.NoError(t, err)
			assert.False(t, first)

			// Re-adding a known connection is not a new first.
			first, err = r.Add(ctx, "alice", "c2")
			require.NoError(t, err)
			assert.False(t, first)

			conns, err := r.Connections(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, []string{"c1", "c2"}, conns)

			last, err := r.Remove(ctx, "alice", "c1")
			require.NoError(t, err)
			assert.False(t, last)

			online, err := r.Online(ctx, "alice")
			require.NoError(t, err)
			assert.True(t, online)

			last, err = r.Remove(ctx, "alice", "c2")
			require.NoError(t, err)
			assert.True(t, last)

			// Removing twice must not report a second offline edge.
			last, err = r.Remove(ctx, "alice", "c2")
			require.NoError(t, err)
			assert.False(t, last)

			online, err = r.Online(ctx, "alice")
			require.NoError(t, err)
			assert.False(t, online)

			conns, err = r.Connections(ctx, "alice")
			require.NoError(t, err)
			assert.Empty(t, conns)
		})
	}
}

func TestRegistry_Clear(t *testing.T) {
	for name, build := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := build()

			_, err := r.Add(ctx, "alice", "c1")
			require.NoError(t, err)
			_, err = r.Add(ctx, "bob", "c2")
			require.NoError(t, err)

			require.NoError(t, r.Clear(ctx))

			for _, u := range []string{"alice", "bob"} {
				online, err := r.Online(ctx, u)
				require.NoError(t, err)
				assert.False(t, online, u)
			}
		})
	}
}

func TestRegistry_ConcurrentEdgesAreExact(t *testing.T) {
	for name, build := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := build()

			var mu sync.Mutex
			firsts, lasts := 0, 0
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(id string) {
					defer wg.Done()
					first, err := r.Add(ctx, "carol", id)
					assert.NoError(t, err)
					last, err := r.Remove(ctx, "carol", id)
					assert.NoError(t, err)
					mu.Lock()
					if first {
						firsts++
					}
					if last {
						lasts++
					}
					mu.Unlock()
				}(string(rune('a' + i)))
			}
			wg.Wait()

			assert.Equal(t, firsts, lasts)
			assert.GreaterOrEqual(t, firsts, 1)
			online, err := r.Online(ctx, "carol")
			require.NoError(t, err)
			assert.False(t, online)
		})
	}
}

func TestRedisRegistry_ClearKeepsOtherNodes(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	a := NewRedisRegistry(client, "p:", "node-a")
	b := NewRedisRegistry(client, "p:", "node-b")

	_, err := a.Add(ctx, "alice", "c1")
	require.NoError(t, err)
	first, err := b.Add(ctx, "alice", "c2")
	require.NoError(t, err)
	assert.False(t, first)

	require.NoError(t, a.Clear(ctx))

	conns, err := b.Connections(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"c2"}, conns)
}

func TestDialRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := DialRedis(context.Background(), mr.Addr(), "", 0)
	require.NoError(t, err)
	_ = client.Close()

	mr.Close()
	_, err = DialRedis(context.Background(), mr.Addr(), "", 0)
	assert.Error(t, err)
}
