package notify

import (
	"context"
	"time"

	"github.com/mihaimyh/plansync/pkg/entitlement"
)

// PublishingStore decorates an entitlement.Store and publishes the record
// after every write that changed it. Changes can reach subscribers out of
// order; their At version lets readers discard older ones. Publish failures
// are logged; the write has already succeeded.
type PublishingStore struct {
	entitlement.Store
	publisher Publisher
	logger    entitlement.Logger
}

// NewPublishingStore wraps store. logger may be nil.
func NewPublishingStore(store entitlement.Store, publisher Publisher, logger entitlement.Logger) *PublishingStore {
	if logger == nil {
		logger = &entitlement.NoopLogger{}
	}
	return &PublishingStore{Store: store, publisher: publisher, logger: logger}
}

func (s *PublishingStore) CreateIfAbsent(ctx context.Context, rec *entitlement.Record) (*entitlement.Record, bool, error) {
	stored, created, err := s.Store.CreateIfAbsent(ctx, rec)
	if err == nil && created {
		s.publish(ctx, stored)
	}
	return stored, created, err
}

func (s *PublishingStore) ApplySubscription(ctx context.Context, upd *entitlement.SubscriptionUpdate) (*entitlement.Record, error) {
	rec, err := s.Store.ApplySubscription(ctx, upd)
	if err == nil {
		s.publish(ctx, rec)
	}
	return rec, err
}

func (s *PublishingStore) ConsumeCredits(ctx context.Context, userID string, amount, budget int) (int, error) {
	used, err := s.Store.ConsumeCredits(ctx, userID, amount, budget)
	if err == nil {
		s.publishUser(ctx, userID)
	}
	return used, err
}

func (s *PublishingStore) ResetCredits(ctx context.Context, userID string, cycleStart time.Time) (bool, error) {
	reset, err := s.Store.ResetCredits(ctx, userID, cycleStart)
	if err == nil && reset {
		s.publishUser(ctx, userID)
	}
	return reset, err
}

func (s *PublishingStore) publishUser(ctx context.Context, userID string) {
	rec, err := s.Store.Get(ctx, userID)
	if err != nil {
		s.logger.Warn("read back for change notification failed",
			entitlement.Field{Key: "user_id", Value: userID},
			entitlement.Field{Key: "error", Value: err},
		)
		return
	}
	s.publish(ctx, rec)
}

func (s *PublishingStore) publish(ctx context.Context, rec *entitlement.Record) {
	if err := s.publisher.Publish(ctx, ChangeOf(rec)); err != nil {
		s.logger.Warn("entitlement change not published",
			entitlement.Field{Key: "user_id", Value: rec.UserID},
			entitlement.Field{Key: "error", Value: err},
		)
	}
}
