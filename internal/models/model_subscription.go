package models

import (
	"time"

	"gorm.io/datatypes"

	"github.com/ambetz/vipgate/pkg/types"
)

// Subscription is the time-boxed access grant for one subscriber. At most one
// row exists per chat_id; writes fully replace the document so no field from
// an earlier subscription can leak into a resubscription.
type Subscription struct {
	ID     string                   `gorm:"column:id;type:uuid;primary_key" json:"id"`
	ChatID int64                    `gorm:"column:chat_id;not null;uniqueIndex" json:"chat_id"`
	Status types.SubscriptionStatus `gorm:"column:status;type:varchar(32);not null" json:"status"`
	// SubscriptionType is a free-form tag (trial, basic, premium, test, ...).
	SubscriptionType string    `gorm:"column:subscription_type;type:varchar(64)" json:"subscription_type"`
	StartDate        time.Time `gorm:"column:start_date" json:"start_date"`
	// ExpiryDate is the sole authority for whether access is still valid.
	ExpiryDate time.Time `gorm:"column:expiry_date;index" json:"expiry_date"`
	// Correlation keys into the payment ledger.
	StripeCustomerID string `gorm:"column:stripe_customer_id;type:varchar(128);index" json:"stripe_customer_id"`
	StripeSessionID  string `gorm:"column:stripe_session_id;type:varchar(128);index" json:"stripe_session_id"`
	// StripeSubscriptionID is set for auto-renewing purchases; its presence
	// grants the grace window during the expiry sweep.
	StripeSubscriptionID string `gorm:"column:stripe_subscription_id;type:varchar(128)" json:"stripe_subscription_id"`
	// AmountPaid is the last payment in decimal currency units.
	AmountPaid float64            `gorm:"column:amount_paid" json:"amount_paid"`
	Currency   string             `gorm:"column:currency;type:varchar(16)" json:"currency"`
	Metadata   datatypes.JSONMap  `gorm:"column:metadata" json:"metadata"`
	// Version increments on every replace; writers compare-and-swap on it so
	// concurrent webhook deliveries for the same chat_id cannot interleave.
	Version   int64     `gorm:"column:version;not null;default:0" json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Subscription) TableName() string {
	return "subscriptions"
}

// Valid reports whether the subscription currently grants access.
func (s *Subscription) Valid() bool {
	return s.ValidAt(time.Now())
}

func (s *Subscription) ValidAt(t time.Time) bool {
	return s != nil &&
		s.Status == types.SubscriptionStatusActive &&
		s.ExpiryDate.After(t)
}

func (s *Subscription) MetaBool(key string) bool {
	if s == nil || s.Metadata == nil {
		return false
	}
	v, ok := s.Metadata[key].(bool)
	return ok && v
}

func (s *Subscription) MetaString(key string) string {
	if s == nil || s.Metadata == nil {
		return ""
	}
	v, _ := s.Metadata[key].(string)
	return v
}
