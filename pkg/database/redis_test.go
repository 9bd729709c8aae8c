package database

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRedis(t *testing.T) *Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisWithClient(client)
}

func TestRedis_PublishSubscribe(t *testing.T) {
	r := testRedis(t)
	ctx := context.Background()

	sub := r.Subscribe(ctx, "killmails")
	defer sub.Close()

	// Wait for the subscription before publishing.
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, r.Publish(ctx, "killmails", []byte(`{"killmail_id":1}`)))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, "killmails", msg.Channel)
		assert.JSONEq(t, `{"killmail_id":1}`, msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("message not received")
	}
}

func TestRedis_SetGetJSON(t *testing.T) {
	r := testRedis(t)
	ctx := context.Background()

	type doc struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	}

	require.NoError(t, r.SetJSON(ctx, "doc:1", doc{ID: 1, Name: "Jita"}, time.Minute))

	var got doc
	require.NoError(t, r.GetJSON(ctx, "doc:1", &got))
	assert.Equal(t, doc{ID: 1, Name: "Jita"}, got)
}

func TestRedis_GetMissingKey(t *testing.T) {
	r := testRedis(t)

	_, err := r.Get(context.Background(), "nope")
	assert.Error(t, err)
}
