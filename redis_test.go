package cobot_us

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisTransformSinkNames(t *testing.T) {
	sink := NewRedisTransformSink(nil, RedisConfig{})
	assert.Equal(t, "cobot_us:transform:ProbeHolderToRobotBase", sink.Key(ProbeHolderToRobotBaseName))
	assert.Equal(t, "cobot_us:transforms", sink.Channel())

	sink = NewRedisTransformSink(nil, RedisConfig{KeyPrefix: "lab"})
	assert.Equal(t, "lab:transform:x", sink.Key("x"))
}

func TestRedisTransformSink(t *testing.T) {
	addr := os.Getenv("COBOT_US_TEST_REDIS")
	if addr == "" {
		t.Skip("COBOT_US_TEST_REDIS not set")
	}
	ctx := context.Background()

	client, err := NewRedisClient(ctx, RedisConfig{Addr: addr})
	require.NoError(t, err)
	defer client.Close()

	sink := NewRedisTransformSink(client, RedisConfig{KeyPrefix: "cobot_us_test"})
	sub := client.Subscribe(ctx, sink.Channel())
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	u := TransformUpdate{Name: "TestTransform", Matrix: IdentityMatrix(), Seq: 9}
	defer client.Del(ctx, sink.Key(u.Name))
	require.NoError(t, sink.PublishTransform(ctx, u))

	raw, err := client.Get(ctx, sink.Key(u.Name)).Bytes()
	require.NoError(t, err)
	var cached TransformMessage
	require.NoError(t, json.Unmarshal(raw, &cached))
	assert.Equal(t, uint64(9), cached.Seq)

	ttl, err := client.TTL(ctx, sink.Key(u.Name)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Hour)

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, string(raw), msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("no announcement on the transforms channel")
	}
}
