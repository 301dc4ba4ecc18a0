package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ambetz/vipgate/internal/models"
	"github.com/ambetz/vipgate/pkg/tool"
	"github.com/ambetz/vipgate/pkg/types"
)

// ErrVersionConflict is returned when a replace lost the compare-and-swap on
// the subscription's version column; callers re-read and retry the transition.
var ErrVersionConflict = errors.New("subscription version conflict")

// Service is the persistence layer for subscriber and subscription documents.
// It is the single source of truth; every component reads before it writes.
type Service struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func New(db *gorm.DB, log *zap.SugaredLogger) *Service {
	return &Service{db: db, log: log}
}

func (s *Service) GetUser(ctx context.Context, chatID int64) (*models.Subscriber, error) {
	var u models.Subscriber
	err := s.db.WithContext(ctx).Where("chat_id = ?", chatID).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user %d: %w", chatID, err)
	}
	return &u, nil
}

// UpsertUser creates or refreshes a subscriber profile and bumps last_activity.
func (s *Service) UpsertUser(ctx context.Context, u *models.Subscriber) error {
	u.LastActivity = time.Now().UTC()
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "chat_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"username", "first_name", "last_name", "last_activity", "updated_at",
		}),
	}).Create(u).Error
	if err != nil {
		return fmt.Errorf("failed to upsert user %d: %w", u.ChatID, err)
	}
	return nil
}

func (s *Service) GetSubscription(ctx context.Context, chatID int64) (*models.Subscription, error) {
	return s.getSubscription(ctx, "chat_id = ?", chatID)
}

func (s *Service) GetSubscriptionBySessionID(ctx context.Context, sessionID string) (*models.Subscription, error) {
	return s.getSubscription(ctx, "stripe_session_id = ?", sessionID)
}

func (s *Service) GetSubscriptionByCustomerID(ctx context.Context, customerID string) (*models.Subscription, error) {
	return s.getSubscription(ctx, "stripe_customer_id = ?", customerID)
}

func (s *Service) getSubscription(ctx context.Context, query string, arg any) (*models.Subscription, error) {
	var sub models.Subscription
	err := s.db.WithContext(ctx).Where(query, arg).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription (%s %v): %w", query, arg, err)
	}
	return &sub, nil
}

// ReplaceSubscription fully replaces the subscription document for
// sub.ChatID. A replace over an existing document compares-and-swaps on the
// version the caller read; a lost race returns ErrVersionConflict. Full
// replacement (never a partial merge) keeps stale fields from an old
// subscription out of a resubscription.
func (s *Service) ReplaceSubscription(ctx context.Context, sub *models.Subscription) error {
	cur, err := s.GetSubscription(ctx, sub.ChatID)
	if err != nil {
		return err
	}

	if cur == nil {
		if sub.ID == "" {
			sub.ID = tool.GenerateUUIDV7()
		}
		sub.Version = 1
		if err := s.db.WithContext(ctx).Create(sub).Error; err != nil {
			// A concurrent first write trips the unique chat_id index.
			return fmt.Errorf("%w: %v", ErrVersionConflict, err)
		}
		return nil
	}

	sub.ID = cur.ID
	sub.CreatedAt = cur.CreatedAt
	// Swap against the version the caller read; a document built without one
	// swaps against the row as it stands now.
	expected := sub.Version
	if expected == 0 {
		expected = cur.Version
	}
	sub.Version = expected + 1
	res := s.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("id = ? AND version = ?", cur.ID, expected).
		Select("*").Omit("id", "created_at").
		Updates(sub)
	if res.Error != nil {
		return fmt.Errorf("failed to replace subscription for %d: %w", sub.ChatID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

// MarkExpired flips a subscription to expired without touching the rest of
// the document.
func (s *Service) MarkExpired(ctx context.Context, chatID int64) error {
	res := s.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("chat_id = ?", chatID).
		Updates(map[string]any{
			"status":     types.SubscriptionStatusExpired,
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to mark subscription expired for %d: %w", chatID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("no subscription to expire for %d", chatID)
	}
	return nil
}

// FindExpired returns active subscriptions whose expiry_date is in the past.
// Rows carrying a recurring subscription id are skipped while still inside
// the grace window, absorbing the race between a renewal webhook and the
// sweep firing first.
func (s *Service) FindExpired(ctx context.Context, now time.Time, grace time.Duration) ([]*models.Subscription, error) {
	var rows []*models.Subscription
	err := s.db.WithContext(ctx).
		Where("status = ? AND expiry_date < ?", types.SubscriptionStatusActive, now).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query expired subscriptions: %w", err)
	}

	expired := lo.Filter(rows, func(sub *models.Subscription, _ int) bool {
		if sub.StripeSubscriptionID == "" {
			return true
		}
		if now.Before(sub.ExpiryDate.Add(grace)) {
			s.log.Infow("skipping recurring subscription within grace window",
				"chat_id", sub.ChatID, "expiry_date", sub.ExpiryDate)
			return false
		}
		s.log.Warnw("recurring subscription expired past grace window, may need manual check",
			"chat_id", sub.ChatID, "stripe_subscription_id", sub.StripeSubscriptionID)
		return true
	})
	return expired, nil
}

func (s *Service) CountByStatus(ctx context.Context, status types.SubscriptionStatus) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("status = ?", status).Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count subscriptions: %w", err)
	}
	return n, nil
}
