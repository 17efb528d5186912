package bus

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lockerhub/lockerd/internal/locker/store"
	"github.com/lockerhub/lockerd/internal/locker/types"
)

// SnapshotFunc returns the current contents of one topic, used to prime a
// new subscription before live deltas start flowing.
type SnapshotFunc func(ctx context.Context, topic string) ([]types.Event, error)

// Bus fans committed store deltas out to subscribers.  Each subscription is
// independent: it gets an initial snapshot of its topic followed by every
// delta, in commit order.  A subscriber that stops draining its channel is
// evicted (its channel is closed); clients recover by resubscribing, which
// yields a fresh snapshot.
type Bus struct {
	log      *zap.Logger
	snapshot SnapshotFunc
	buffer   int

	mu   sync.Mutex
	subs map[string]map[string]*Subscription // topic → subscription id
}

const defaultBuffer = 256

func New(log *zap.Logger, snapshot SnapshotFunc, buffer int) *Bus {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Bus{
		log:      log,
		snapshot: snapshot,
		buffer:   buffer,
		subs:     make(map[string]map[string]*Subscription),
	}
}

// Subscription is a live stream of events for one topic.  Events delivers
// the snapshot first, then deltas.  The channel is closed on Close or on
// eviction.
type Subscription struct {
	id    string
	topic string
	bus   *Bus
	ch    chan types.Event
	once  sync.Once
}

func (s *Subscription) Topic() string              { return s.topic }
func (s *Subscription) Events() <-chan types.Event { return s.ch }

// Close unsubscribes.  No further events are delivered and the Events
// channel is closed.  Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	if m, ok := s.bus.subs[s.topic]; ok {
		delete(m, s.id)
	}
	s.bus.mu.Unlock()
	s.once.Do(func() { close(s.ch) })
}

// Subscribe registers a subscription for topic.  The snapshot is taken and
// enqueued under the bus lock, so no delta committed after the snapshot can
// be missed; at worst a concurrent commit is seen twice, which is harmless
// because deltas carry full records.
func (b *Bus) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	switch topic {
	case types.TopicLockers, types.TopicUsers, types.TopicLogs:
	default:
		return nil, fmt.Errorf("unknown topic %q", topic)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var snap []types.Event
	if b.snapshot != nil {
		var err error
		snap, err = b.snapshot(ctx, topic)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", topic, err)
		}
	}

	sub := &Subscription{
		id:    uuid.NewString(),
		topic: topic,
		bus:   b,
		ch:    make(chan types.Event, b.buffer+len(snap)),
	}
	for _, ev := range snap {
		sub.ch <- ev
	}

	if b.subs[topic] == nil {
		b.subs[topic] = make(map[string]*Subscription)
	}
	b.subs[topic][sub.id] = sub
	return sub, nil
}

// Publish delivers events to every matching subscription without blocking.
// Implements store.Notifier.
func (b *Bus) Publish(events []types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ev := range events {
		for id, sub := range b.subs[ev.Topic] {
			select {
			case sub.ch <- ev:
			default:
				// Subscriber stopped draining; evict it.
				delete(b.subs[ev.Topic], id)
				sub.once.Do(func() { close(sub.ch) })
				b.log.Warn("evicted slow subscriber",
					zap.String("topic", ev.Topic),
					zap.String("subscription_id", id))
			}
		}
	}
}

// StoreSnapshot builds a SnapshotFunc over st.  Locker and user snapshots
// are ordered by id; the log snapshot carries the last logLimit entries,
// oldest first, so appending deltas preserves time order on the client.
func StoreSnapshot(st store.Store, logLimit int) SnapshotFunc {
	if logLimit <= 0 {
		logLimit = 30
	}
	return func(ctx context.Context, topic string) ([]types.Event, error) {
		switch topic {
		case types.TopicLockers:
			lockers, err := st.Lockers(ctx)
			if err != nil {
				return nil, err
			}
			ids := make([]string, 0, len(lockers))
			for id := range lockers {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			out := make([]types.Event, 0, len(ids))
			for _, id := range ids {
				l := lockers[id]
				out = append(out, types.Event{Topic: topic, ID: id, Locker: &l})
			}
			return out, nil

		case types.TopicUsers:
			users, err := st.Users(ctx)
			if err != nil {
				return nil, err
			}
			ids := make([]string, 0, len(users))
			for id := range users {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			out := make([]types.Event, 0, len(ids))
			for _, id := range ids {
				u := users[id]
				out = append(out, types.Event{Topic: topic, ID: id, User: &u})
			}
			return out, nil

		case types.TopicLogs:
			logs, err := st.RecentLogs(ctx, logLimit)
			if err != nil {
				return nil, err
			}
			out := make([]types.Event, 0, len(logs))
			for i := len(logs) - 1; i >= 0; i-- { // newest-first → oldest-first
				e := logs[i]
				out = append(out, types.Event{Topic: topic, ID: fmt.Sprintf("%d", e.Seq), Log: &e})
			}
			return out, nil
		}
		return nil, fmt.Errorf("unknown topic %q", topic)
	}
}
