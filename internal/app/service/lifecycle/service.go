package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v79"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/ambetz/vipgate/internal/app/service/store"
	"github.com/ambetz/vipgate/internal/app/service/validator"
	"github.com/ambetz/vipgate/internal/models"
	"github.com/ambetz/vipgate/internal/platform/stripegw"
	"github.com/ambetz/vipgate/pkg/config"
	"github.com/ambetz/vipgate/pkg/metrics"
	"github.com/ambetz/vipgate/pkg/types"
)

// Outcome classifies how an inbound event was reconciled. The webhook layer
// maps outcomes to acknowledgement codes and audit rows.
type Outcome string

const (
	OutcomeHandled   Outcome = "handled"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
	// OutcomeIgnored means the event resolved fine but required no state
	// change (already active, or no record to act on).
	OutcomeIgnored Outcome = "ignored"
	OutcomeFailed  Outcome = "failed"
)

// ErrValidationUnavailable marks a checkout whose validation never reached a
// verdict; the event may be retried safely since nothing was written.
var ErrValidationUnavailable = errors.New("checkout validation could not complete")

// Gateway is the slice of the payment processor the reconciler consults.
type Gateway interface {
	GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
	GetCustomer(ctx context.Context, id string) (*stripe.Customer, error)
	CancelSubscription(ctx context.Context, id string) error
}

// AccessNotifier receives lifecycle transitions after the store write has
// succeeded. It is never consulted for lifecycle decisions, and its failures
// are logged rather than escalated.
type AccessNotifier interface {
	OnActivated(ctx context.Context, chatID int64) error
	OnExpired(ctx context.Context, chatID int64, reason types.ExpiryReason) error
	NotifyAlreadyActive(ctx context.Context, chatID int64) error
}

type SweepResult struct {
	ExpiredCount int `json:"expired_count"`
	ActionsTaken int `json:"actions_taken"`
}

// Service is the subscription state machine. Each handler reconciles one
// processor event against the stored subscription and performs at most one
// replace or expiry write, retrying once on a version conflict.
type Service struct {
	store     *store.Service
	validator *validator.Service
	gateway   Gateway
	access    AccessNotifier
	metrics   *metrics.Metrics

	defaultPeriod time.Duration
	grace         time.Duration
	log           *zap.SugaredLogger
	now           func() time.Time
}

func New(
	st *store.Service,
	v *validator.Service,
	gw Gateway,
	access AccessNotifier,
	m *metrics.Metrics,
	cfg *config.Config,
	log *zap.SugaredLogger,
) *Service {
	return &Service{
		store:         st,
		validator:     v,
		gateway:       gw,
		access:        access,
		metrics:       m,
		defaultPeriod: cfg.Subscription.DefaultPeriod(),
		grace:         cfg.Subscription.Grace(),
		log:           log,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// retryOnce re-runs the whole read-modify-write when the optimistic write
// lost a race; the second attempt sees the winner's document.
func (s *Service) retryOnce(apply func() (Outcome, error), event, id string) (Outcome, error) {
	out, err := apply()
	if errors.Is(err, store.ErrVersionConflict) {
		s.log.Warnw("concurrent write detected, retrying reconciliation",
			"event", event, "id", id)
		out, err = apply()
	}
	return out, err
}

// HandleCheckoutCompleted validates and activates a completed purchase.
func (s *Service) HandleCheckoutCompleted(ctx context.Context, session *stripe.CheckoutSession) (Outcome, error) {
	chatID, err := s.validator.ValidateCheckout(ctx, session)
	if err != nil {
		if validator.Rejection(err) {
			s.log.Warnw("checkout session rejected", "session_id", sessionID(session), "reason", err)
			return OutcomeRejected, err
		}
		return OutcomeFailed, fmt.Errorf("%w: %v", ErrValidationUnavailable, err)
	}
	return s.retryOnce(func() (Outcome, error) {
		return s.applyCheckout(ctx, chatID, session)
	}, "checkout.session.completed", session.ID)
}

func (s *Service) applyCheckout(ctx context.Context, chatID int64, session *stripe.CheckoutSession) (Outcome, error) {
	// At-least-once delivery: a session id we already recorded is a replay.
	prior, err := s.store.GetSubscriptionBySessionID(ctx, session.ID)
	if err != nil {
		return OutcomeFailed, err
	}
	if prior != nil {
		s.log.Infow("duplicate checkout event, already recorded",
			"chat_id", chatID, "session_id", session.ID)
		return OutcomeDuplicate, nil
	}

	cur, err := s.store.GetSubscription(ctx, chatID)
	if err != nil {
		return OutcomeFailed, err
	}
	if cur.ValidAt(s.now()) {
		s.log.Warnw("checkout completed for already active subscriber",
			"chat_id", chatID, "session_id", session.ID, "expiry_date", cur.ExpiryDate)
		s.notify(ctx, "already_active", chatID, func() error {
			return s.access.NotifyAlreadyActive(ctx, chatID)
		})
		return OutcomeIgnored, nil
	}

	now := s.now()
	sub := &models.Subscription{
		ChatID:           chatID,
		Status:           types.SubscriptionStatusActive,
		SubscriptionType: string(types.SubscriptionTypeBasic),
		StartDate:        now,
		ExpiryDate:       now.Add(s.defaultPeriod),
		StripeSessionID:  session.ID,
		AmountPaid:       float64(session.AmountTotal) / 100,
		Currency:         string(session.Currency),
		Metadata:         datatypes.JSONMap{},
	}
	if cur != nil {
		// Carry the version we read so the replace swaps against exactly
		// this document.
		sub.Version = cur.Version
	}
	if session.Customer != nil {
		sub.StripeCustomerID = session.Customer.ID
	}
	if session.Subscription != nil && session.Subscription.ID != "" {
		sub.StripeSubscriptionID = session.Subscription.ID
		s.applyRecurringPeriod(ctx, sub)
	}

	if err := s.store.ReplaceSubscription(ctx, sub); err != nil {
		return OutcomeFailed, err
	}
	s.metrics.Activations.Inc()
	s.log.Infow("subscription activated",
		"chat_id", chatID,
		"session_id", session.ID,
		"expiry_date", sub.ExpiryDate,
		"amount_paid", sub.AmountPaid,
		"currency", sub.Currency)
	s.notify(ctx, "activation", chatID, func() error {
		return s.access.OnActivated(ctx, chatID)
	})
	return OutcomeHandled, nil
}

// applyRecurringPeriod overwrites the default access window with the billing
// period the ledger itself reports, when it can be fetched.
func (s *Service) applyRecurringPeriod(ctx context.Context, sub *models.Subscription) {
	ledger, err := s.gateway.GetSubscription(ctx, sub.StripeSubscriptionID)
	if err != nil {
		s.log.Warnw("could not fetch recurring subscription, using default period",
			"chat_id", sub.ChatID, "stripe_subscription_id", sub.StripeSubscriptionID, "error", err)
		return
	}
	if end, ok := stripegw.SubscriptionPeriodEnd(ledger); ok {
		sub.ExpiryDate = end
	}
	if ledger.Status == stripe.SubscriptionStatusTrialing {
		sub.SubscriptionType = string(types.SubscriptionTypeTrial)
		sub.Metadata[types.MetaKeyIsTrial] = true
	}
}

// HandleInvoicePaid extends an existing subscription on a recurring renewal.
func (s *Service) HandleInvoicePaid(ctx context.Context, inv *stripe.Invoice) (Outcome, error) {
	return s.retryOnce(func() (Outcome, error) {
		return s.applyInvoicePaid(ctx, inv)
	}, "invoice.paid", inv.ID)
}

func (s *Service) applyInvoicePaid(ctx context.Context, inv *stripe.Invoice) (Outcome, error) {
	cur, err := s.resolveSubscriber(ctx, invoiceIdentity(inv))
	if err != nil {
		return OutcomeFailed, err
	}
	if cur == nil {
		s.log.Warnw("invoice paid for unknown subscriber, nothing to extend",
			"invoice_id", inv.ID, "customer_id", invoiceCustomerID(inv))
		return OutcomeIgnored, nil
	}
	if cur.MetaString(types.MetaKeyLastInvoiceID) == inv.ID {
		s.log.Infow("duplicate invoice event, already applied",
			"chat_id", cur.ChatID, "invoice_id", inv.ID)
		return OutcomeDuplicate, nil
	}

	end, ok := stripegw.InvoicePeriodEnd(inv)
	if !ok {
		end = s.now().Add(s.defaultPeriod)
		s.log.Warnw("invoice carries no period end, extending by default window",
			"chat_id", cur.ChatID, "invoice_id", inv.ID)
	}

	next := *cur
	next.Status = types.SubscriptionStatusActive
	next.ExpiryDate = end
	next.AmountPaid = float64(inv.AmountPaid) / 100
	next.Currency = string(inv.Currency)
	if next.Metadata == nil {
		next.Metadata = datatypes.JSONMap{}
	}
	next.Metadata[types.MetaKeyLastInvoiceID] = inv.ID
	if cur.MetaBool(types.MetaKeyIsTrial) {
		// First real payment consumes the trial.
		next.Metadata[types.MetaKeyIsTrial] = false
		if next.SubscriptionType == string(types.SubscriptionTypeTrial) {
			next.SubscriptionType = string(types.SubscriptionTypeBasic)
		}
	}
	if id := invoiceSubscriptionID(inv); id != "" {
		next.StripeSubscriptionID = id
	}
	if id := invoiceCustomerID(inv); id != "" {
		next.StripeCustomerID = id
	}

	if err := s.store.ReplaceSubscription(ctx, &next); err != nil {
		return OutcomeFailed, err
	}
	s.metrics.Activations.Inc()
	s.log.Infow("subscription extended by renewal payment",
		"chat_id", next.ChatID, "invoice_id", inv.ID, "expiry_date", next.ExpiryDate)

	// A renewal after the sweep already revoked access needs the invite
	// re-issued; while still active it is a silent extension.
	if !cur.ValidAt(s.now()) {
		s.notify(ctx, "activation", next.ChatID, func() error {
			return s.access.OnActivated(ctx, next.ChatID)
		})
	}
	return OutcomeHandled, nil
}

// HandleSubscriptionUpdated reconciles a processor-side status change.
func (s *Service) HandleSubscriptionUpdated(ctx context.Context, ledger *stripe.Subscription) (Outcome, error) {
	return s.retryOnce(func() (Outcome, error) {
		return s.applySubscriptionUpdated(ctx, ledger)
	}, "customer.subscription.updated", ledger.ID)
}

func (s *Service) applySubscriptionUpdated(ctx context.Context, ledger *stripe.Subscription) (Outcome, error) {
	cur, err := s.resolveSubscriber(ctx, subscriptionIdentity(ledger))
	if err != nil {
		return OutcomeFailed, err
	}
	if cur == nil {
		// May race ahead of the checkout event for a first purchase; the
		// checkout handler owns document creation.
		s.log.Infow("subscription update for unknown subscriber, ignoring",
			"stripe_subscription_id", ledger.ID, "status", ledger.Status)
		return OutcomeIgnored, nil
	}

	if !stripegw.ActiveLike(ledger.Status) {
		return s.expire(ctx, cur, types.ExpiryReasonNotActive, nil)
	}

	end, ok := stripegw.SubscriptionPeriodEnd(ledger)
	if !ok || end.Equal(cur.ExpiryDate) {
		return OutcomeIgnored, nil
	}
	next := *cur
	next.ExpiryDate = end
	next.StripeSubscriptionID = ledger.ID
	if err := s.store.ReplaceSubscription(ctx, &next); err != nil {
		return OutcomeFailed, err
	}
	s.log.Infow("subscription expiry synced from processor",
		"chat_id", next.ChatID, "expiry_date", end)
	return OutcomeHandled, nil
}

// HandleSubscriptionDeleted finalizes an upstream cancellation. The stored
// document always ends up expired so the subscriber can purchase again.
func (s *Service) HandleSubscriptionDeleted(ctx context.Context, ledger *stripe.Subscription) (Outcome, error) {
	return s.retryOnce(func() (Outcome, error) {
		return s.applySubscriptionDeleted(ctx, ledger)
	}, "customer.subscription.deleted", ledger.ID)
}

func (s *Service) applySubscriptionDeleted(ctx context.Context, ledger *stripe.Subscription) (Outcome, error) {
	cur, err := s.resolveSubscriber(ctx, subscriptionIdentity(ledger))
	if err != nil {
		return OutcomeFailed, err
	}
	if cur == nil {
		s.log.Warnw("subscription deleted for unknown subscriber",
			"stripe_subscription_id", ledger.ID)
		return OutcomeIgnored, nil
	}

	expiry, ok := stripegw.SubscriptionPeriodEnd(ledger)
	if !ok {
		if !cur.ExpiryDate.IsZero() {
			expiry = cur.ExpiryDate
		} else {
			expiry = s.now()
		}
	}

	next := *cur
	next.Status = types.SubscriptionStatusExpired
	next.ExpiryDate = expiry
	if next.Metadata == nil {
		next.Metadata = datatypes.JSONMap{}
	}
	next.Metadata[types.MetaKeyCancelled] = true
	next.Metadata[types.MetaKeyCancelledAt] = s.now().Format(time.RFC3339)
	if err := s.store.ReplaceSubscription(ctx, &next); err != nil {
		return OutcomeFailed, err
	}
	s.metrics.Expirations.WithLabelValues(string(types.ExpiryReasonCancelled)).Inc()
	s.log.Infow("subscription cancelled upstream",
		"chat_id", next.ChatID, "expiry_date", expiry)
	s.notify(ctx, "expiry", next.ChatID, func() error {
		return s.access.OnExpired(ctx, next.ChatID, types.ExpiryReasonCancelled)
	})
	return OutcomeHandled, nil
}

// HandlePaymentFailed revokes access immediately and stops further billing
// attempts at the processor.
func (s *Service) HandlePaymentFailed(ctx context.Context, inv *stripe.Invoice) (Outcome, error) {
	return s.retryOnce(func() (Outcome, error) {
		return s.applyPaymentFailed(ctx, inv)
	}, "invoice.payment_failed", inv.ID)
}

func (s *Service) applyPaymentFailed(ctx context.Context, inv *stripe.Invoice) (Outcome, error) {
	cur, err := s.resolveSubscriber(ctx, invoiceIdentity(inv))
	if err != nil {
		return OutcomeFailed, err
	}
	if cur == nil {
		s.log.Warnw("payment failed for unknown subscriber",
			"invoice_id", inv.ID, "customer_id", invoiceCustomerID(inv))
		return OutcomeIgnored, nil
	}

	recurringID := cur.StripeSubscriptionID
	if recurringID == "" {
		recurringID = invoiceSubscriptionID(inv)
	}
	if recurringID != "" {
		if err := s.gateway.CancelSubscription(ctx, recurringID); err != nil {
			// Access is still revoked below; billing cleanup is best effort.
			s.log.Errorw("failed to cancel recurring subscription after payment failure",
				"chat_id", cur.ChatID, "stripe_subscription_id", recurringID, "error", err)
		}
	}
	return s.expire(ctx, cur, types.ExpiryReasonPaymentFailed, func(next *models.Subscription) {
		next.Metadata[types.MetaKeyCancelled] = true
		next.Metadata[types.MetaKeyCancelledAt] = s.now().Format(time.RFC3339)
	})
}

// expire writes the expired document and fires the revoke notification.
func (s *Service) expire(ctx context.Context, cur *models.Subscription, reason types.ExpiryReason, mutate func(*models.Subscription)) (Outcome, error) {
	next := *cur
	next.Status = types.SubscriptionStatusExpired
	if next.Metadata == nil {
		next.Metadata = datatypes.JSONMap{}
	}
	if mutate != nil {
		mutate(&next)
	}
	if err := s.store.ReplaceSubscription(ctx, &next); err != nil {
		return OutcomeFailed, err
	}
	s.metrics.Expirations.WithLabelValues(string(reason)).Inc()
	s.log.Infow("subscription expired", "chat_id", next.ChatID, "reason", reason)
	s.notify(ctx, "expiry", next.ChatID, func() error {
		return s.access.OnExpired(ctx, next.ChatID, reason)
	})
	return OutcomeHandled, nil
}

// SweepExpired expires every active subscription past its expiry date,
// honoring the renewal grace window for recurring purchases.
func (s *Service) SweepExpired(ctx context.Context) (SweepResult, error) {
	s.metrics.SweepRuns.Inc()
	now := s.now()
	rows, err := s.store.FindExpired(ctx, now, s.grace)
	if err != nil {
		return SweepResult{}, err
	}

	var res SweepResult
	res.ExpiredCount = len(rows)
	for _, sub := range rows {
		if err := s.store.MarkExpired(ctx, sub.ChatID); err != nil {
			s.log.Errorw("failed to mark subscription expired during sweep",
				"chat_id", sub.ChatID, "error", err)
			continue
		}
		s.metrics.Expirations.WithLabelValues(string(types.ExpiryReasonLapsed)).Inc()
		s.notify(ctx, "expiry", sub.ChatID, func() error {
			return s.access.OnExpired(ctx, sub.ChatID, types.ExpiryReasonLapsed)
		})
		res.ActionsTaken++
	}
	s.log.Infow("expiry sweep finished",
		"expired_count", res.ExpiredCount, "actions_taken", res.ActionsTaken)
	return res, nil
}

// identity is the correlation bundle carried by a ledger object.
type identity struct {
	telegramID string
	customerID string
}

// resolveSubscriber maps a ledger object to the stored subscription, trying
// the explicit telegram id claim first and falling back to the customer
// correlation key.
func (s *Service) resolveSubscriber(ctx context.Context, id identity) (*models.Subscription, error) {
	if id.telegramID != "" {
		chatID, err := parseChatID(id.telegramID)
		if err != nil {
			s.log.Warnw("ledger object carries malformed telegram id", "telegram_id", id.telegramID)
		} else {
			return s.store.GetSubscription(ctx, chatID)
		}
	}
	if id.customerID == "" {
		return nil, nil
	}
	// The customer record may hold the identity even when the event payload
	// does not.
	cus, err := s.gateway.GetCustomer(ctx, id.customerID)
	if err == nil && cus.Metadata[stripegw.MetaKeyTelegramID] != "" {
		if chatID, perr := parseChatID(cus.Metadata[stripegw.MetaKeyTelegramID]); perr == nil {
			return s.store.GetSubscription(ctx, chatID)
		}
	}
	return s.store.GetSubscriptionByCustomerID(ctx, id.customerID)
}

func parseChatID(raw string) (int64, error) {
	chatID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || chatID <= 0 {
		return 0, fmt.Errorf("invalid chat id %q", raw)
	}
	return chatID, nil
}

func invoiceIdentity(inv *stripe.Invoice) identity {
	var id identity
	if inv.SubscriptionDetails != nil {
		id.telegramID = inv.SubscriptionDetails.Metadata[stripegw.MetaKeyTelegramID]
	}
	id.customerID = invoiceCustomerID(inv)
	return id
}

func invoiceCustomerID(inv *stripe.Invoice) string {
	if inv.Customer == nil {
		return ""
	}
	return inv.Customer.ID
}

func invoiceSubscriptionID(inv *stripe.Invoice) string {
	if inv.Subscription == nil {
		return ""
	}
	return inv.Subscription.ID
}

func subscriptionIdentity(ledger *stripe.Subscription) identity {
	var id identity
	id.telegramID = ledger.Metadata[stripegw.MetaKeyTelegramID]
	if ledger.Customer != nil {
		id.customerID = ledger.Customer.ID
	}
	return id
}

func sessionID(session *stripe.CheckoutSession) string {
	if session == nil {
		return ""
	}
	return session.ID
}

// notify shields lifecycle decisions from chat-platform failures.
func (s *Service) notify(ctx context.Context, action string, chatID int64, fn func() error) {
	if err := fn(); err != nil {
		s.log.Errorw("membership action failed, needs manual follow-up",
			"action", action, "chat_id", chatID, "error", err)
	}
}
