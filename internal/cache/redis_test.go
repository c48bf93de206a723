package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kosarica/marketplace-service/internal/categories"
)

var _ categories.SubtreeCache = (*Subtree)(nil)
var _ categories.SubtreeCache = (*GuardedSubtree)(nil)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err, "Failed to start redis container")
	t.Cleanup(func() { testcontainers.TerminateContainer(container) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client, err := Connect(ctx, Config{URL: "redis://" + endpoint + "/0", DialTimeout: 5 * time.Second})
	require.NoError(t, err, "Failed to connect to redis")
	t.Cleanup(func() { client.Close() })
	return client
}

func TestSubtree_RoundTripAndInvalidate(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()
	c := NewSubtree(client, time.Minute)

	_, ok, err := c.GetDescendants(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	gen, err := c.Generation(ctx)
	require.NoError(t, err)
	assert.Zero(t, gen)

	stored, err := c.SetDescendants(ctx, gen, 1, []int64{2, 3, 4})
	require.NoError(t, err)
	assert.True(t, stored)
	_, err = c.SetDescendants(ctx, gen, 4, nil)
	require.NoError(t, err)

	ids, ok, err := c.GetDescendants(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []int64{2, 3, 4}, ids)

	ids, ok, err = c.GetDescendants(ctx, 4)
	require.NoError(t, err)
	assert.True(t, ok, "empty subtrees are cached too")
	assert.Empty(t, ids)

	ttl, err := client.TTL(ctx, DefaultKey).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, c.Invalidate(ctx))
	_, ok, err = c.GetDescendants(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	next, err := c.Generation(ctx)
	require.NoError(t, err)
	assert.Equal(t, gen+1, next)
}

func TestSubtree_StaleGenerationWriteDropped(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()
	c := NewSubtree(client, time.Minute)

	// reader captures the generation, a mutation invalidates, then the
	// reader writes the subtree it loaded before the mutation
	gen, err := c.Generation(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Invalidate(ctx))

	stored, err := c.SetDescendants(ctx, gen, 1, []int64{2, 3})
	require.NoError(t, err)
	assert.False(t, stored)

	_, ok, err := c.GetDescendants(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	current, err := c.Generation(ctx)
	require.NoError(t, err)
	stored, err = c.SetDescendants(ctx, current, 1, []int64{2})
	require.NoError(t, err)
	assert.True(t, stored)
}

func TestSubtree_SeparateKeys(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()
	a := NewSubtree(client, 0).WithKey("test:a")
	b := a.WithKey("test:b")

	_, err := a.SetDescendants(ctx, 0, 1, []int64{9})
	require.NoError(t, err)
	require.NoError(t, b.Invalidate(ctx))

	ids, ok, err := a.GetDescendants(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []int64{9}, ids)
}

func TestConnect_BadURL(t *testing.T) {
	_, err := Connect(context.Background(), Config{URL: "not-a-url"})
	assert.Error(t, err)
}
