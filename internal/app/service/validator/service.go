package validator

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/stripe/stripe-go/v79"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/ambetz/vipgate/internal/platform/stripegw"
)

// Rejection reasons for checkout sessions that must not grant access.
var (
	ErrMissingMetadata  = errors.New("checkout session carries no metadata")
	ErrMissingField     = errors.New("checkout session metadata missing required field")
	ErrUntrustedSource  = errors.New("checkout session originated from an untrusted source")
	ErrInvalidIdentity  = errors.New("checkout session telegram id is not a valid identity")
	ErrCustomerMismatch = errors.New("customer identity does not match checkout session")
)

// Rejection reports whether err is a validation verdict rather than a
// transient failure. Verdicts are final; transient failures should be retried
// by the processor.
func Rejection(err error) bool {
	return errors.Is(err, ErrMissingMetadata) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrUntrustedSource) ||
		errors.Is(err, ErrInvalidIdentity) ||
		errors.Is(err, ErrCustomerMismatch)
}

// SecurityRelevant marks the verdicts worth surfacing as a forbidden response
// and alerting on, as opposed to plain malformed input.
func SecurityRelevant(err error) bool {
	return errors.Is(err, ErrUntrustedSource) || errors.Is(err, ErrCustomerMismatch)
}

// CustomerFetcher is the slice of the payment gateway the validator needs.
type CustomerFetcher interface {
	GetCustomer(ctx context.Context, id string) (*stripe.Customer, error)
}

type Service struct {
	gateway   CustomerFetcher
	sourceTag string
	log       *zap.SugaredLogger
}

func New(gateway *stripegw.Gateway, log *zap.SugaredLogger) *Service {
	return NewWithFetcher(gateway, gateway.SourceTag(), log)
}

func NewWithFetcher(gateway CustomerFetcher, sourceTag string, log *zap.SugaredLogger) *Service {
	return &Service{gateway: gateway, sourceTag: sourceTag, log: log}
}

// ValidateCheckout decides whether a completed checkout session may activate
// a subscription, and resolves the subscriber identity it belongs to.
//
// The session metadata must name a trusted source and a numeric telegram id,
// and when the session already references a customer, that customer's own
// metadata must agree on the identity.
func (s *Service) ValidateCheckout(ctx context.Context, session *stripe.CheckoutSession) (int64, error) {
	if session == nil || len(session.Metadata) == 0 {
		return 0, ErrMissingMetadata
	}

	source, ok := session.Metadata[stripegw.MetaKeySource]
	if !ok || source == "" {
		return 0, fmt.Errorf("%w: %s", ErrMissingField, stripegw.MetaKeySource)
	}
	if source != s.sourceTag {
		s.log.Warnw("checkout session from untrusted source",
			"session_id", session.ID, "source", source)
		return 0, fmt.Errorf("%w: %q", ErrUntrustedSource, source)
	}

	rawID, ok := session.Metadata[stripegw.MetaKeyTelegramID]
	if !ok || rawID == "" {
		return 0, fmt.Errorf("%w: %s", ErrMissingField, stripegw.MetaKeyTelegramID)
	}
	chatID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || chatID <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidIdentity, rawID)
	}

	if session.Customer != nil && session.Customer.ID != "" {
		if err := s.checkCustomerIdentity(ctx, session.Customer.ID, rawID); err != nil {
			return 0, err
		}
	}
	return chatID, nil
}

func (s *Service) checkCustomerIdentity(ctx context.Context, customerID, sessionTelegramID string) error {
	cus, err := s.gateway.GetCustomer(ctx, customerID)
	if err != nil {
		s.log.Warnw("could not retrieve customer for checkout session",
			"customer_id", customerID, "error", err)
		return fmt.Errorf("%w: customer %s could not be verified: %v", ErrCustomerMismatch, customerID, err)
	}
	// A customer created through the bot is always stamped with the
	// subscriber identity. No claim means the customer was not ours.
	claimed, ok := cus.Metadata[stripegw.MetaKeyTelegramID]
	if !ok || claimed == "" {
		s.log.Warnw("customer carries no subscriber identity",
			"customer_id", customerID,
			"session_telegram_id", sessionTelegramID)
		return fmt.Errorf("%w: customer %s was not created through the bot", ErrCustomerMismatch, customerID)
	}
	if claimed != sessionTelegramID {
		s.log.Warnw("customer identity mismatch on checkout session",
			"customer_id", customerID,
			"customer_telegram_id", claimed,
			"session_telegram_id", sessionTelegramID)
		return fmt.Errorf("%w: customer %s", ErrCustomerMismatch, customerID)
	}
	return nil
}

var Module = fx.Options(
	fx.Provide(New),
)
