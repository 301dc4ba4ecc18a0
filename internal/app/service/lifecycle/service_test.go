package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/ambetz/vipgate/internal/app/service/store"
	"github.com/ambetz/vipgate/internal/app/service/validator"
	"github.com/ambetz/vipgate/internal/models"
	"github.com/ambetz/vipgate/internal/testutil"
	"github.com/ambetz/vipgate/pkg/config"
	"github.com/ambetz/vipgate/pkg/metrics"
	"github.com/ambetz/vipgate/pkg/types"
)

type fakeGateway struct {
	subs      map[string]*stripe.Subscription
	customers map[string]*stripe.Customer
	cancelled []string
	cancelErr error

	// onGetSubscription runs before each lookup, letting a test interleave
	// work mid-reconciliation.
	onGetSubscription func()
}

func (f *fakeGateway) GetSubscription(_ context.Context, id string) (*stripe.Subscription, error) {
	if f.onGetSubscription != nil {
		f.onGetSubscription()
	}
	sub, ok := f.subs[id]
	if !ok {
		return nil, errors.New("no such subscription")
	}
	return sub, nil
}

func (f *fakeGateway) GetCustomer(_ context.Context, id string) (*stripe.Customer, error) {
	cus, ok := f.customers[id]
	if !ok {
		return nil, errors.New("no such customer")
	}
	return cus, nil
}

func (f *fakeGateway) CancelSubscription(_ context.Context, id string) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

type expiredCall struct {
	chatID int64
	reason types.ExpiryReason
}

type fakeNotifier struct {
	activated     []int64
	expired       []expiredCall
	alreadyActive []int64
}

func (f *fakeNotifier) OnActivated(_ context.Context, chatID int64) error {
	f.activated = append(f.activated, chatID)
	return nil
}

func (f *fakeNotifier) OnExpired(_ context.Context, chatID int64, reason types.ExpiryReason) error {
	f.expired = append(f.expired, expiredCall{chatID, reason})
	return nil
}

func (f *fakeNotifier) NotifyAlreadyActive(_ context.Context, chatID int64) error {
	f.alreadyActive = append(f.alreadyActive, chatID)
	return nil
}

type fixture struct {
	svc      *Service
	store    *store.Service
	gateway  *fakeGateway
	notifier *fakeNotifier
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zap.NewNop().Sugar()
	st := store.New(testutil.SetupTestDB(t), log)
	gw := &fakeGateway{
		subs:      map[string]*stripe.Subscription{},
		customers: map[string]*stripe.Customer{},
	}
	n := &fakeNotifier{}
	v := validator.NewWithFetcher(gw, "gcp-bot", log)
	cfg := &config.Config{Subscription: config.SubscriptionConfig{
		DefaultPeriodDays: 30,
		GraceMinutes:      5,
	}}
	svc := New(st, v, gw, n, metrics.New(), cfg, log)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	return &fixture{svc: svc, store: st, gateway: gw, notifier: n, now: now}
}

func checkoutSession(id string, chatID string) *stripe.CheckoutSession {
	return &stripe.CheckoutSession{
		ID:          id,
		AmountTotal: 999,
		Currency:    stripe.CurrencyEUR,
		Metadata: map[string]string{
			"source":      "gcp-bot",
			"telegram_id": chatID,
		},
	}
}

func (f *fixture) seedSubscription(t *testing.T, sub *models.Subscription) {
	t.Helper()
	require.NoError(t, f.store.ReplaceSubscription(context.Background(), sub))
}

func TestCheckoutCompleted_Activates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.svc.HandleCheckoutCompleted(ctx, checkoutSession("cs_1", "42"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeHandled, out)

	sub, err := f.store.GetSubscription(ctx, 42)
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, types.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, f.now.Unix(), sub.StartDate.UTC().Unix())
	assert.Equal(t, f.now.Add(30*24*time.Hour).Unix(), sub.ExpiryDate.UTC().Unix())
	assert.Equal(t, "cs_1", sub.StripeSessionID)
	assert.InDelta(t, 9.99, sub.AmountPaid, 0.001)
	assert.Equal(t, "eur", sub.Currency)
	assert.Equal(t, []int64{42}, f.notifier.activated)
}

func TestCheckoutCompleted_ReplayIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.svc.HandleCheckoutCompleted(ctx, checkoutSession("cs_1", "42"))
	require.NoError(t, err)
	require.Equal(t, OutcomeHandled, out)

	out, err = f.svc.HandleCheckoutCompleted(ctx, checkoutSession("cs_1", "42"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, out)

	// Exactly one record and one invite delivery.
	sub, err := f.store.GetSubscription(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sub.Version)
	assert.Equal(t, []int64{42}, f.notifier.activated)
}

func TestCheckoutCompleted_AlreadyActiveRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedSubscription(t, &models.Subscription{
		ChatID:          42,
		Status:          types.SubscriptionStatusActive,
		ExpiryDate:      f.now.Add(10 * 24 * time.Hour),
		StripeSessionID: "cs_old",
	})

	out, err := f.svc.HandleCheckoutCompleted(ctx, checkoutSession("cs_new", "42"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out)
	assert.Equal(t, []int64{42}, f.notifier.alreadyActive)
	assert.Empty(t, f.notifier.activated)

	// The stored subscription is untouched.
	sub, err := f.store.GetSubscription(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "cs_old", sub.StripeSessionID)
	assert.Equal(t, f.now.Add(10*24*time.Hour).Unix(), sub.ExpiryDate.UTC().Unix())
}

func TestCheckoutCompleted_ExpiredSubscriberCanRepurchase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedSubscription(t, &models.Subscription{
		ChatID:     42,
		Status:     types.SubscriptionStatusExpired,
		ExpiryDate: f.now.Add(-24 * time.Hour),
		Metadata:   datatypes.JSONMap{"cancelled": true},
	})

	out, err := f.svc.HandleCheckoutCompleted(ctx, checkoutSession("cs_2", "42"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeHandled, out)

	sub, err := f.store.GetSubscription(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, types.SubscriptionStatusActive, sub.Status)
	assert.False(t, sub.MetaBool("cancelled"))
}

func TestCheckoutCompleted_UntrustedSource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session := checkoutSession("cs_1", "42")
	session.Metadata["source"] = "somewhere-else"

	out, err := f.svc.HandleCheckoutCompleted(ctx, session)
	require.Error(t, err)
	assert.Equal(t, OutcomeRejected, out)
	assert.ErrorIs(t, err, validator.ErrUntrustedSource)

	sub, err := f.store.GetSubscription(ctx, 42)
	require.NoError(t, err)
	assert.Nil(t, sub)
}

func TestCheckoutCompleted_RecurringPeriodFromLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	periodEnd := f.now.Add(7 * 24 * time.Hour)
	f.gateway.subs["sub_1"] = &stripe.Subscription{
		ID:               "sub_1",
		Status:           stripe.SubscriptionStatusTrialing,
		CurrentPeriodEnd: periodEnd.Unix(),
	}
	session := checkoutSession("cs_1", "42")
	session.Subscription = &stripe.Subscription{ID: "sub_1"}

	out, err := f.svc.HandleCheckoutCompleted(ctx, session)
	require.NoError(t, err)
	assert.Equal(t, OutcomeHandled, out)

	sub, err := f.store.GetSubscription(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "sub_1", sub.StripeSubscriptionID)
	assert.Equal(t, periodEnd.Unix(), sub.ExpiryDate.UTC().Unix())
	assert.Equal(t, string(types.SubscriptionTypeTrial), sub.SubscriptionType)
	assert.True(t, sub.MetaBool("is_trial"))
}

func invoiceFor(id, customerID string, periodEnd time.Time) *stripe.Invoice {
	return &stripe.Invoice{
		ID:         id,
		Customer:   &stripe.Customer{ID: customerID},
		AmountPaid: 1299,
		Currency:   stripe.CurrencyEUR,
		Lines: &stripe.InvoiceLineItemList{
			Data: []*stripe.InvoiceLineItem{
				{Period: &stripe.Period{End: periodEnd.Unix()}},
			},
		},
	}
}

func TestCheckoutCompleted_RetriesAfterConcurrentWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedSubscription(t, &models.Subscription{
		ChatID:     42,
		Status:     types.SubscriptionStatusExpired,
		StartDate:  f.now.Add(-60 * 24 * time.Hour),
		ExpiryDate: f.now.Add(-24 * time.Hour),
	})

	periodEnd := f.now.Add(30 * 24 * time.Hour)
	f.gateway.subs["sub_1"] = &stripe.Subscription{
		ID:               "sub_1",
		Status:           stripe.SubscriptionStatusActive,
		CurrentPeriodEnd: periodEnd.Unix(),
	}

	// Another writer replaces the document between this handler's read and
	// its write; the first replace must lose the version swap and the retry
	// must reconcile against the winner's document.
	interleaved := false
	f.gateway.onGetSubscription = func() {
		if interleaved {
			return
		}
		interleaved = true
		require.NoError(t, f.store.ReplaceSubscription(ctx, &models.Subscription{
			ChatID:     42,
			Status:     types.SubscriptionStatusExpired,
			StartDate:  f.now.Add(-60 * 24 * time.Hour),
			ExpiryDate: f.now.Add(-time.Hour),
		}))
	}

	session := checkoutSession("cs_1", "42")
	session.Subscription = &stripe.Subscription{ID: "sub_1"}

	out, err := f.svc.HandleCheckoutCompleted(ctx, session)
	require.NoError(t, err)
	assert.Equal(t, OutcomeHandled, out)
	assert.True(t, interleaved)

	sub, err := f.store.GetSubscription(ctx, 42)
	require.NoError(t, err)
	require.NotNil(t, sub)
	// Seed wrote version 1, the interleaved writer version 2, the retried
	// activation version 3.
	assert.Equal(t, int64(3), sub.Version)
	assert.Equal(t, types.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, "cs_1", sub.StripeSessionID)
	assert.Equal(t, periodEnd.Unix(), sub.ExpiryDate.UTC().Unix())
	assert.Equal(t, []int64{42}, f.notifier.activated)
}

func TestInvoicePaid_ExtendsExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedSubscription(t, &models.Subscription{
		ChatID:           42,
		Status:           types.SubscriptionStatusActive,
		ExpiryDate:       f.now.Add(2 * time.Hour),
		StripeCustomerID: "cus_1",
	})

	newEnd := f.now.Add(30 * 24 * time.Hour)
	out, err := f.svc.HandleInvoicePaid(ctx, invoiceFor("in_1", "cus_1", newEnd))
	require.NoError(t, err)
	assert.Equal(t, OutcomeHandled, out)

	sub, err := f.store.GetSubscription(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, newEnd.Unix(), sub.ExpiryDate.UTC().Unix())
	assert.Equal(t, "in_1", sub.MetaString("last_invoice_id"))
	assert.InDelta(t, 12.99, sub.AmountPaid, 0.001)

	// Still active, so no invite re-delivery.
	assert.Empty(t, f.notifier.activated)
}

func TestInvoicePaid_DuplicateInvoice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedSubscription(t, &models.Subscription{
		ChatID:           42,
		Status:           types.SubscriptionStatusActive,
		ExpiryDate:       f.now.Add(time.Hour),
		StripeCustomerID: "cus_1",
	})

	inv := invoiceFor("in_1", "cus_1", f.now.Add(30*24*time.Hour))
	out, err := f.svc.HandleInvoicePaid(ctx, inv)
	require.NoError(t, err)
	require.Equal(t, OutcomeHandled, out)

	out, err = f.svc.HandleInvoicePaid(ctx, inv)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, out)
}

func TestInvoicePaid_ConsumesTrial(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedSubscription(t, &models.Subscription{
		ChatID:           42,
		Status:           types.SubscriptionStatusActive,
		SubscriptionType: string(types.SubscriptionTypeTrial),
		ExpiryDate:       f.now.Add(time.Hour),
		StripeCustomerID: "cus_1",
		Metadata:         datatypes.JSONMap{"is_trial": true},
	})

	out, err := f.svc.HandleInvoicePaid(ctx, invoiceFor("in_1", "cus_1", f.now.Add(30*24*time.Hour)))
	require.NoError(t, err)
	require.Equal(t, OutcomeHandled, out)

	sub, err := f.store.GetSubscription(ctx, 42)
	require.NoError(t, err)
	assert.False(t, sub.MetaBool("is_trial"))
	assert.Equal(t, string(types.SubscriptionTypeBasic), sub.SubscriptionType)
}

func TestInvoicePaid_ReactivatesAfterLapse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedSubscription(t, &models.Subscription{
		ChatID:           42,
		Status:           types.SubscriptionStatusExpired,
		ExpiryDate:       f.now.Add(-time.Hour),
		StripeCustomerID: "cus_1",
	})

	out, err := f.svc.HandleInvoicePaid(ctx, invoiceFor("in_2", "cus_1", f.now.Add(30*24*time.Hour)))
	require.NoError(t, err)
	require.Equal(t, OutcomeHandled, out)

	sub, err := f.store.GetSubscription(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, types.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, []int64{42}, f.notifier.activated)
}

func TestInvoicePaid_UnknownSubscriber(t *testing.T) {
	f := newFixture(t)

	out, err := f.svc.HandleInvoicePaid(context.Background(),
		invoiceFor("in_1", "cus_unknown", f.now.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out)
}

func TestInvoicePaid_IdentityFromSubscriptionMetadata(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedSubscription(t, &models.Subscription{
		ChatID:     42,
		Status:     types.SubscriptionStatusActive,
		ExpiryDate: f.now.Add(time.Hour),
	})

	inv := invoiceFor("in_1", "cus_other", f.now.Add(30*24*time.Hour))
	inv.SubscriptionDetails = &stripe.InvoiceSubscriptionDetails{
		Metadata: map[string]string{"telegram_id": "42"},
	}

	out, err := f.svc.HandleInvoicePaid(ctx, inv)
	require.NoError(t, err)
	assert.Equal(t, OutcomeHandled, out)
}

func ledgerSub(id string, status stripe.SubscriptionStatus, customerID string, periodEnd time.Time) *stripe.Subscription {
	return &stripe.Subscription{
		ID:               id,
		Status:           status,
		Customer:         &stripe.Customer{ID: customerID},
		CurrentPeriodEnd: periodEnd.Unix(),
	}
}

func TestSubscriptionUpdated_NoDocumentIsIgnored(t *testing.T) {
	f := newFixture(t)

	out, err := f.svc.HandleSubscriptionUpdated(context.Background(),
		ledgerSub("sub_1", stripe.SubscriptionStatusActive, "cus_1", f.now.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out)
}

func TestSubscriptionUpdated_SyncsExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedSubscription(t, &models.Subscription{
		ChatID:           42,
		Status:           types.SubscriptionStatusActive,
		ExpiryDate:       f.now.Add(time.Hour),
		StripeCustomerID: "cus_1",
	})

	newEnd := f.now.Add(60 * 24 * time.Hour)
	out, err := f.svc.HandleSubscriptionUpdated(ctx,
		ledgerSub("sub_1", stripe.SubscriptionStatusActive, "cus_1", newEnd))
	require.NoError(t, err)
	assert.Equal(t, OutcomeHandled, out)

	sub, err := f.store.GetSubscription(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, newEnd.Unix(), sub.ExpiryDate.UTC().Unix())

	// Same period again changes nothing.
	out, err = f.svc.HandleSubscriptionUpdated(ctx,
		ledgerSub("sub_1", stripe.SubscriptionStatusActive, "cus_1", newEnd))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out)
}

func TestSubscriptionUpdated_NotActiveLikeExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedSubscription(t, &models.Subscription{
		ChatID:           42,
		Status:           types.SubscriptionStatusActive,
		ExpiryDate:       f.now.Add(time.Hour),
		StripeCustomerID: "cus_1",
	})

	out, err := f.svc.HandleSubscriptionUpdated(ctx,
		ledgerSub("sub_1", stripe.SubscriptionStatusUnpaid, "cus_1", f.now.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeHandled, out)

	sub, err := f.store.GetSubscription(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, types.SubscriptionStatusExpired, sub.Status)
	require.Len(t, f.notifier.expired, 1)
	assert.Equal(t, types.ExpiryReasonNotActive, f.notifier.expired[0].reason)
}

func TestSubscriptionDeleted_AlwaysExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	storedExpiry := f.now.Add(5 * 24 * time.Hour)
	f.seedSubscription(t, &models.Subscription{
		ChatID:           42,
		Status:           types.SubscriptionStatusActive,
		ExpiryDate:       storedExpiry,
		StripeCustomerID: "cus_1",
	})

	// Ledger reports no period end; the stored expiry is kept.
	deleted := &stripe.Subscription{
		ID:       "sub_1",
		Status:   stripe.SubscriptionStatusCanceled,
		Customer: &stripe.Customer{ID: "cus_1"},
	}
	out, err := f.svc.HandleSubscriptionDeleted(ctx, deleted)
	require.NoError(t, err)
	assert.Equal(t, OutcomeHandled, out)

	sub, err := f.store.GetSubscription(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, types.SubscriptionStatusExpired, sub.Status)
	assert.Equal(t, storedExpiry.Unix(), sub.ExpiryDate.UTC().Unix())
	assert.True(t, sub.MetaBool("cancelled"))
	assert.NotEmpty(t, sub.MetaString("cancelled_at"))
	require.Len(t, f.notifier.expired, 1)
	assert.Equal(t, types.ExpiryReasonCancelled, f.notifier.expired[0].reason)
}

func TestPaymentFailed_CancelsAndRevokes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedSubscription(t, &models.Subscription{
		ChatID:               42,
		Status:               types.SubscriptionStatusActive,
		ExpiryDate:           f.now.Add(10 * 24 * time.Hour),
		StripeCustomerID:     "cus_1",
		StripeSubscriptionID: "sub_1",
	})

	out, err := f.svc.HandlePaymentFailed(ctx, invoiceFor("in_1", "cus_1", f.now))
	require.NoError(t, err)
	assert.Equal(t, OutcomeHandled, out)

	assert.Equal(t, []string{"sub_1"}, f.gateway.cancelled)
	sub, err := f.store.GetSubscription(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, types.SubscriptionStatusExpired, sub.Status)
	require.Len(t, f.notifier.expired, 1)
	assert.Equal(t, types.ExpiryReasonPaymentFailed, f.notifier.expired[0].reason)
}

func TestPaymentFailed_CancelErrorStillRevokes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gateway.cancelErr = errors.New("processor down")

	f.seedSubscription(t, &models.Subscription{
		ChatID:               42,
		Status:               types.SubscriptionStatusActive,
		ExpiryDate:           f.now.Add(time.Hour),
		StripeCustomerID:     "cus_1",
		StripeSubscriptionID: "sub_1",
	})

	out, err := f.svc.HandlePaymentFailed(ctx, invoiceFor("in_1", "cus_1", f.now))
	require.NoError(t, err)
	assert.Equal(t, OutcomeHandled, out)

	sub, err := f.store.GetSubscription(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, types.SubscriptionStatusExpired, sub.Status)
}

func TestSweepExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedSubscription(t, &models.Subscription{
		ChatID:     1,
		Status:     types.SubscriptionStatusActive,
		ExpiryDate: f.now.Add(-time.Hour),
	})
	f.seedSubscription(t, &models.Subscription{
		ChatID:     2,
		Status:     types.SubscriptionStatusActive,
		ExpiryDate: f.now.Add(time.Hour),
	})
	// Recurring row inside the grace window survives the sweep.
	f.seedSubscription(t, &models.Subscription{
		ChatID:               3,
		Status:               types.SubscriptionStatusActive,
		ExpiryDate:           f.now.Add(-time.Minute),
		StripeSubscriptionID: "sub_3",
	})

	res, err := f.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExpiredCount)
	assert.Equal(t, 1, res.ActionsTaken)

	one, err := f.store.GetSubscription(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, types.SubscriptionStatusExpired, one.Status)

	two, err := f.store.GetSubscription(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, types.SubscriptionStatusActive, two.Status)

	three, err := f.store.GetSubscription(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, types.SubscriptionStatusActive, three.Status)

	require.Len(t, f.notifier.expired, 1)
	assert.Equal(t, expiredCall{1, types.ExpiryReasonLapsed}, f.notifier.expired[0])
}
