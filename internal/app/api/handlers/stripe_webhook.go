package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v79"
	"go.uber.org/zap"

	"github.com/ambetz/vipgate/internal/app/service/eventlog"
	"github.com/ambetz/vipgate/internal/app/service/lifecycle"
	"github.com/ambetz/vipgate/internal/app/service/validator"
	"github.com/ambetz/vipgate/internal/platform/stripegw"
	"github.com/ambetz/vipgate/pkg/logctx"
	"github.com/ambetz/vipgate/pkg/metrics"
	"github.com/ambetz/vipgate/pkg/response"
)

// maxWebhookBody caps the payload read; real processor events stay well
// under this.
const maxWebhookBody = 1 << 20

// StripeWebhookHandler receives payment processor events, verifies their
// signature and routes them through the lifecycle reconciler.
//
// Acknowledgement contract: signature failures return 400 so the processor
// retries; security-relevant validation verdicts return 403; payment-path
// events (checkout, invoice) are acknowledged once validation passed even if
// internal processing failed, since the processor would otherwise retry and
// risk duplicate handling of money movements. Subscription status events are
// only acknowledged when the store write succeeded.
type StripeWebhookHandler struct {
	gateway   *stripegw.Gateway
	lifecycle *lifecycle.Service
	audit     *eventlog.Service
	metrics   *metrics.Metrics
	log       *zap.SugaredLogger
}

func NewStripeWebhookHandler(
	gw *stripegw.Gateway,
	lc *lifecycle.Service,
	audit *eventlog.Service,
	m *metrics.Metrics,
	log *zap.SugaredLogger,
) *StripeWebhookHandler {
	return &StripeWebhookHandler{gateway: gw, lifecycle: lc, audit: audit, metrics: m, log: log}
}

func (h *StripeWebhookHandler) RegisterRoutes(r gin.IRouter) {
	r.POST("/webhook/stripe", h.Handle)
}

func (h *StripeWebhookHandler) Handle(c *gin.Context) {
	log := logctx.FromGin(c, h.log)

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		log.Warnw("failed to read webhook body", "error", err)
		c.JSON(http.StatusBadRequest, response.ErrorT(response.APIResponseCodeBadRequest, gin.H{}))
		return
	}

	event, err := h.gateway.VerifyEvent(body, c.GetHeader("Stripe-Signature"))
	if err != nil {
		log.Warnw("webhook signature verification failed", "error", err)
		c.JSON(http.StatusBadRequest, response.ErrorT(response.APIResponseCodeBadRequest, gin.H{}))
		return
	}
	log = log.With("event_id", event.ID, "event_type", event.Type)

	outcome, procErr := h.dispatch(c, log, event)
	h.metrics.WebhookEvents.WithLabelValues(string(event.Type), string(outcome)).Inc()
	traceID := c.GetString("traceID")
	h.audit.Record(traceID, event, nil, outcome, procErr)

	h.acknowledge(c, log, event, outcome, procErr)
}

func (h *StripeWebhookHandler) dispatch(c *gin.Context, log *zap.SugaredLogger, event stripe.Event) (lifecycle.Outcome, error) {
	ctx := c.Request.Context()

	switch event.Type {
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return lifecycle.OutcomeFailed, err
		}
		return h.lifecycle.HandleCheckoutCompleted(ctx, &session)
	case "invoice.paid":
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return lifecycle.OutcomeFailed, err
		}
		return h.lifecycle.HandleInvoicePaid(ctx, &inv)
	case "invoice.payment_failed":
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return lifecycle.OutcomeFailed, err
		}
		return h.lifecycle.HandlePaymentFailed(ctx, &inv)
	case "customer.subscription.updated":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return lifecycle.OutcomeFailed, err
		}
		return h.lifecycle.HandleSubscriptionUpdated(ctx, &sub)
	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return lifecycle.OutcomeFailed, err
		}
		return h.lifecycle.HandleSubscriptionDeleted(ctx, &sub)
	default:
		log.Debugw("unhandled event type, acknowledging")
		return lifecycle.OutcomeIgnored, nil
	}
}

func (h *StripeWebhookHandler) acknowledge(c *gin.Context, log *zap.SugaredLogger, event stripe.Event, outcome lifecycle.Outcome, procErr error) {
	switch outcome {
	case lifecycle.OutcomeRejected:
		if validator.SecurityRelevant(procErr) {
			log.Warnw("security-relevant rejection", "error", procErr)
			c.JSON(http.StatusForbidden, response.ErrorT(response.APIResponseCodeForbidden, gin.H{}))
			return
		}
		// A verdict is final; acknowledging stops pointless retries.
		c.JSON(http.StatusOK, response.OKT(gin.H{"outcome": string(outcome)}))
	case lifecycle.OutcomeFailed:
		if errors.Is(procErr, lifecycle.ErrValidationUnavailable) {
			// Validation never completed; a retry can still succeed.
			log.Errorw("validation unavailable, requesting retry", "error", procErr)
			c.JSON(http.StatusInternalServerError, response.ErrorT(response.APIResponseCodeError, gin.H{}))
			return
		}
		if paymentPathEvent(event.Type) {
			// Acknowledge to avoid duplicate-charge retries; the audit row
			// keeps the failure for manual reconciliation.
			log.Errorw("payment event processing failed after validation", "error", procErr)
			c.JSON(http.StatusOK, response.OKT(gin.H{"outcome": string(outcome)}))
			return
		}
		log.Errorw("event processing failed", "error", procErr)
		c.JSON(http.StatusInternalServerError, response.ErrorT(response.APIResponseCodeError, gin.H{}))
	default:
		c.JSON(http.StatusOK, response.OKT(gin.H{"outcome": string(outcome)}))
	}
}

func paymentPathEvent(t stripe.EventType) bool {
	switch t {
	case "checkout.session.completed", "invoice.paid", "invoice.payment_failed":
		return true
	}
	return false
}
