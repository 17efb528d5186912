package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/lockerhub/lockerd/internal/locker/types"
)

// RedisMirror republishes every bus event onto Redis Streams, one stream per
// topic, for consumers outside this process (ops tooling, other services).
// Delivery is best effort: a failed XADD is logged and skipped, since the
// authoritative state lives in the store and subscribers can resnapshot.
type RedisMirror struct {
	client *redis.Client
	bus    *Bus
	log    *zap.Logger
	prefix string

	cancel context.CancelFunc
	done   chan struct{}
}

func NewRedisMirror(client *redis.Client, b *Bus, prefix string, log *zap.Logger) *RedisMirror {
	if prefix == "" {
		prefix = "lockerd"
	}
	return &RedisMirror{
		client: client,
		bus:    b,
		log:    log,
		prefix: prefix,
		done:   make(chan struct{}),
	}
}

// Start subscribes to all topics and begins mirroring.  The initial
// snapshot of each topic is mirrored too, so a freshly started consumer
// sees current state before deltas.
func (m *RedisMirror) Start(ctx context.Context) error {
	ctx, m.cancel = context.WithCancel(ctx)

	topics := []string{types.TopicLockers, types.TopicUsers, types.TopicLogs}
	subs := make([]*Subscription, 0, len(topics))
	for _, topic := range topics {
		sub, err := m.bus.Subscribe(ctx, topic)
		if err != nil {
			for _, s := range subs {
				s.Close()
			}
			return fmt.Errorf("mirror subscribe %s: %w", topic, err)
		}
		subs = append(subs, sub)
	}

	go m.loop(ctx, subs)
	return nil
}

// Stop halts mirroring and waits for the loop to exit.
func (m *RedisMirror) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	<-m.done
}

func (m *RedisMirror) loop(ctx context.Context, subs []*Subscription) {
	defer close(m.done)
	defer func() {
		for _, s := range subs {
			s.Close()
		}
	}()

	// Per-topic forwarders; the parent waits for ctx.
	forward := func(sub *Subscription) {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				m.publish(ctx, ev)
			}
		}
	}

	doneCh := make(chan struct{}, len(subs))
	for _, sub := range subs {
		sub := sub
		go func() {
			forward(sub)
			doneCh <- struct{}{}
		}()
	}
	for range subs {
		<-doneCh
	}
}

func (m *RedisMirror) publish(ctx context.Context, ev types.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		m.log.Error("mirror marshal", zap.Error(err))
		return
	}

	stream := m.prefix + ":" + ev.Topic
	err = m.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"id":   ev.ID,
			"data": string(data),
		},
	}).Err()
	if err != nil && ctx.Err() == nil {
		m.log.Warn("mirror xadd failed",
			zap.String("stream", stream),
			zap.String("id", ev.ID),
			zap.Error(err))
	}
}
