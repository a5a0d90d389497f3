package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMiniredis(t *testing.T) *redis.Client {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestPublishJSONToStream(t *testing.T) {
	client := setupMiniredis(t)
	ctx := context.Background()

	id, err := PublishJSONToStream(ctx, client, "queue:events", 0,
		map[string]int{"ticket_id": 7}, map[string]interface{}{"type": "ticket_admitted", "token": int64(3)})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs, err := ReadRange(ctx, client, "queue:events", "-", "+")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, `{"ticket_id":7}`, msgs[0].Values["data"])
	assert.Equal(t, "ticket_admitted", msgs[0].Values["type"])
	assert.Equal(t, "3", msgs[0].Values["token"])
}

func TestReadRange_Empty(t *testing.T) {
	client := setupMiniredis(t)

	msgs, err := ReadRange(context.Background(), client, "missing", "-", "+")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestReadRangeN(t *testing.T) {
	client := setupMiniredis(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := PublishToStream(ctx, client, "queue:events", 0, map[string]interface{}{"n": i})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	first, err := ReadRangeN(ctx, client, "queue:events", "-", "+", 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, ids[0], first[0].ID)

	next, err := ReadRangeN(ctx, client, "queue:events", ids[3], "+", 10)
	require.NoError(t, err)
	require.Len(t, next, 2)
	assert.Equal(t, ids[3], next[0].ID)
	assert.Equal(t, "4", next[1].Values["n"])
}
