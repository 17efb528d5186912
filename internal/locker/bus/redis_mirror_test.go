package bus_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lockerhub/lockerd/internal/locker/bus"
	"github.com/lockerhub/lockerd/internal/locker/types"
)

func TestRedisMirror_ForwardsEventsToStreams(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	snapshot := func(ctx context.Context, topic string) ([]types.Event, error) {
		if topic == types.TopicLockers {
			return []types.Event{lockerEvent("A1")}, nil
		}
		return nil, nil
	}
	b := bus.New(zap.NewNop(), snapshot, 16)

	mirror := bus.NewRedisMirror(client, b, "testmirror", zap.NewNop())
	require.NoError(t, mirror.Start(context.Background()))
	defer mirror.Stop()

	b.Publish([]types.Event{lockerEvent("A2")})

	ctx := context.Background()
	require.Eventually(t, func() bool {
		n, err := client.XLen(ctx, "testmirror:lockers").Result()
		return err == nil && n == 2
	}, 2*time.Second, 10*time.Millisecond, "snapshot + delta should land on the stream")

	msgs, err := client.XRange(ctx, "testmirror:lockers", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, "A1", msgs[0].Values["id"])
	assert.Equal(t, "A2", msgs[1].Values["id"])

	var ev types.Event
	require.NoError(t, json.Unmarshal([]byte(msgs[1].Values["data"].(string)), &ev))
	assert.Equal(t, types.TopicLockers, ev.Topic)
	require.NotNil(t, ev.Locker)
	assert.Equal(t, "A2", ev.Locker.ID)
}

func TestRedisMirror_CoversAllTopics(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	b := bus.New(zap.NewNop(), nil, 16)
	mirror := bus.NewRedisMirror(client, b, "testmirror", zap.NewNop())
	require.NoError(t, mirror.Start(context.Background()))
	defer mirror.Stop()

	u := types.User{ID: "u1"}
	entry := types.LogEntry{Seq: 7, Action: types.ActionAssigned}
	b.Publish([]types.Event{
		{Topic: types.TopicUsers, ID: "u1", User: &u},
		{Topic: types.TopicLogs, ID: "7", Log: &entry},
	})

	ctx := context.Background()
	require.Eventually(t, func() bool {
		users, _ := client.XLen(ctx, "testmirror:users").Result()
		logs, _ := client.XLen(ctx, "testmirror:logs").Result()
		return users == 1 && logs == 1
	}, 2*time.Second, 10*time.Millisecond)
}
