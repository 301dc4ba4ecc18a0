package types

type SubscriptionStatus string

const (
	SubscriptionStatusActive  SubscriptionStatus = "active"
	SubscriptionStatusExpired SubscriptionStatus = "expired"
)

// SubscriptionType is a free-form tag; these are the values the bot currently
// issues, but the core logic does not enforce a closed set.
type SubscriptionType string

const (
	SubscriptionTypeTrial SubscriptionType = "trial"
	SubscriptionTypeBasic SubscriptionType = "basic"
	// SubscriptionTypeTest marks subscriptions created by the dev-mode
	// /test command; they never correspond to a payment.
	SubscriptionTypeTest SubscriptionType = "test"
)

// ExpiryReason describes why a subscription was transitioned to expired.
type ExpiryReason string

const (
	ExpiryReasonLapsed        ExpiryReason = "subscription expired"
	ExpiryReasonCancelled     ExpiryReason = "subscription cancelled"
	ExpiryReasonPaymentFailed ExpiryReason = "payment failed"
	ExpiryReasonNotActive     ExpiryReason = "subscription no longer active"
)

// Metadata keys stored in the subscription document's open key/value bag.
const (
	MetaKeyCancelled     = "cancelled"
	MetaKeyCancelledAt   = "cancelled_at"
	MetaKeyIsTrial       = "is_trial"
	MetaKeyLastInvoiceID = "last_invoice_id"
)
