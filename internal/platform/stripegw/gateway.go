package stripegw

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cfgpkg "github.com/ambetz/vipgate/pkg/config"
)

// Metadata keys stamped onto customers, payment links and checkout sessions
// created by the bot; the webhook validator checks them on the way back in.
const (
	MetaKeyTelegramID = "telegram_id"
	MetaKeyUsername   = "telegram_username"
	MetaKeySource     = "source"
)

// Gateway wraps the payment processor's customer/session/subscription objects
// and webhook-signature verification behind one explicitly constructed handle.
type Gateway struct {
	client        *client.API
	webhookSecret string
	priceID       string
	sourceTag     string
	log           *zap.SugaredLogger
}

func New(cfg *cfgpkg.Config, log *zap.SugaredLogger) *Gateway {
	sc := &client.API{}
	sc.Init(cfg.Stripe.SecretKey, nil)
	if cfg.Stripe.SecretKey == "" {
		log.Warnw("stripe secret key not configured, payment features disabled")
	}
	return newGateway(sc, cfg, log)
}

func newGateway(sc *client.API, cfg *cfgpkg.Config, log *zap.SugaredLogger) *Gateway {
	return &Gateway{
		client:        sc,
		webhookSecret: cfg.Stripe.WebhookSecret,
		priceID:       cfg.Stripe.PriceID,
		sourceTag:     cfg.Stripe.SourceTag,
		log:           log,
	}
}

func (g *Gateway) SourceTag() string { return g.sourceTag }

// VerifyEvent checks the webhook signature against the shared secret and
// decodes the envelope. The typed payload inside Data.Raw is decoded exactly
// once by the caller; nothing downstream shape-sniffs raw maps.
func (g *Gateway) VerifyEvent(payload []byte, sigHeader string) (stripe.Event, error) {
	return webhook.ConstructEventWithOptions(payload, sigHeader, g.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
}

func (g *Gateway) GetCustomer(ctx context.Context, id string) (*stripe.Customer, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	cus, err := g.client.Customers.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve customer %s: %w", id, err)
	}
	return cus, nil
}

func (g *Gateway) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := g.client.Subscriptions.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve subscription %s: %w", id, err)
	}
	return sub, nil
}

// CancelSubscription cancels the recurring billing relationship immediately.
func (g *Gateway) CancelSubscription(ctx context.Context, id string) error {
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	if _, err := g.client.Subscriptions.Cancel(id, params); err != nil {
		return fmt.Errorf("failed to cancel subscription %s: %w", id, err)
	}
	g.log.Infow("cancelled recurring subscription at processor", "stripe_subscription_id", id)
	return nil
}

// GetOrCreateCustomer resolves the processor customer stamped with the given
// subscriber identity, creating one when none exists yet. The stamp is what
// lets the webhook validator later tie a checkout's customer back to the bot.
func (g *Gateway) GetOrCreateCustomer(ctx context.Context, chatID int64, username string) (*stripe.Customer, error) {
	searchParams := &stripe.CustomerSearchParams{
		SearchParams: stripe.SearchParams{
			Query:   fmt.Sprintf("metadata['%s']:'%d'", MetaKeyTelegramID, chatID),
			Context: ctx,
		},
	}
	iter := g.client.Customers.Search(searchParams)
	if iter.Next() {
		cus := iter.Customer()
		g.log.Infow("found existing customer for subscriber",
			"chat_id", chatID, "customer_id", cus.ID)
		return cus, nil
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to search customers for %d: %w", chatID, err)
	}

	params := &stripe.CustomerParams{}
	params.Context = ctx
	params.AddMetadata(MetaKeyTelegramID, strconv.FormatInt(chatID, 10))
	params.AddMetadata(MetaKeyUsername, username)
	params.AddMetadata(MetaKeySource, g.sourceTag)
	cus, err := g.client.Customers.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create customer for %d: %w", chatID, err)
	}
	g.log.Infow("created customer for subscriber", "chat_id", chatID, "customer_id", cus.ID)
	return cus, nil
}

// CreatePaymentLink builds a checkout link for one subscriber, stamping the
// correlation metadata the validator later requires. The subscriber's stamped
// customer is ensured first so the purchase can pass the identity cross-check.
func (g *Gateway) CreatePaymentLink(ctx context.Context, chatID int64, username string) (string, error) {
	if _, err := g.GetOrCreateCustomer(ctx, chatID, username); err != nil {
		return "", err
	}

	params := &stripe.PaymentLinkParams{
		LineItems: []*stripe.PaymentLinkLineItemParams{{
			Price:    stripe.String(g.priceID),
			Quantity: stripe.Int64(1),
		}},
	}
	params.Context = ctx
	params.AddMetadata(MetaKeyTelegramID, strconv.FormatInt(chatID, 10))
	params.AddMetadata(MetaKeyUsername, username)
	params.AddMetadata(MetaKeySource, g.sourceTag)

	link, err := g.client.PaymentLinks.New(params)
	if err != nil {
		return "", fmt.Errorf("failed to create payment link for %d: %w", chatID, err)
	}
	return link.URL, nil
}

// SubscriptionPeriodEnd returns the ledger's authoritative billing-period end
// in UTC, when the subscription carries one.
func SubscriptionPeriodEnd(sub *stripe.Subscription) (time.Time, bool) {
	if sub == nil || sub.CurrentPeriodEnd == 0 {
		return time.Time{}, false
	}
	return time.Unix(sub.CurrentPeriodEnd, 0).UTC(), true
}

// InvoicePeriodEnd returns the period end of the first invoice line, the
// ledger's own statement of how far this payment extends access.
func InvoicePeriodEnd(inv *stripe.Invoice) (time.Time, bool) {
	if inv == nil || inv.Lines == nil {
		return time.Time{}, false
	}
	for _, line := range inv.Lines.Data {
		if line.Period != nil && line.Period.End > 0 {
			return time.Unix(line.Period.End, 0).UTC(), true
		}
	}
	return time.Time{}, false
}

// ActiveLike reports whether a processor subscription status still entitles
// the subscriber to access.
func ActiveLike(status stripe.SubscriptionStatus) bool {
	return status == stripe.SubscriptionStatusActive || status == stripe.SubscriptionStatusTrialing
}

var Module = fx.Options(
	fx.Provide(New),
)
