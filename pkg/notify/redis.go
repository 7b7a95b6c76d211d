package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/plansync/pkg/entitlement"
)

// RedisBus distributes changes across processes with Redis Pub/Sub, one
// channel per user.
type RedisBus struct {
	client redis.UniversalClient
	logger entitlement.Logger
}

// NewRedisBus creates a Redis-backed bus. logger may be nil.
func NewRedisBus(client redis.UniversalClient, logger entitlement.Logger) *RedisBus {
	if logger == nil {
		logger = &entitlement.NoopLogger{}
	}
	return &RedisBus{client: client, logger: logger}
}

func (b *RedisBus) Publish(ctx context.Context, change Change) error {
	data, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}
	if err := b.client.Publish(ctx, Channel(change.UserID), data).Err(); err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	b.logger.Debug("entitlement change published",
		entitlement.Field{Key: "user_id", Value: change.UserID},
		entitlement.Field{Key: "plan", Value: change.Plan.String()},
	)
	return nil
}

// Subscribe returns once Redis has confirmed the subscription, so no change
// published afterwards is missed.
func (b *RedisBus) Subscribe(ctx context.Context, userID string) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, Channel(userID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", Channel(userID), err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &redisSubscription{
		pubsub: pubsub,
		cancel: cancel,
		ch:     make(chan Change, defaultBuffer),
		done:   make(chan struct{}),
	}
	go s.run(ctx, b.logger)
	return s, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
	ch     chan Change
	done   chan struct{}
	once   sync.Once
	err    error
}

func (s *redisSubscription) C() <-chan Change { return s.ch }

func (s *redisSubscription) Close() error {
	s.shutdown()
	<-s.done
	return s.err
}

func (s *redisSubscription) shutdown() {
	s.once.Do(func() {
		s.cancel()
		s.err = s.pubsub.Close()
	})
}

func (s *redisSubscription) run(ctx context.Context, logger entitlement.Logger) {
	defer close(s.done)
	defer close(s.ch)
	defer s.shutdown()

	msgs := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var change Change
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				logger.Warn("malformed entitlement change dropped",
					entitlement.Field{Key: "channel", Value: msg.Channel},
					entitlement.Field{Key: "error", Value: err},
				)
				continue
			}
			select {
			case s.ch <- change:
			case <-ctx.Done():
				return
			}
		}
	}
}
