package eventlog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/stripe/stripe-go/v79"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/ambetz/vipgate/internal/app/service/lifecycle"
	"github.com/ambetz/vipgate/internal/models"
	"github.com/ambetz/vipgate/pkg/tool"
)

// Service writes the webhook audit trail. Rows with a failed status are the
// input for manual reconciliation, since processor events are acknowledged
// even when internal processing fails.
type Service struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func New(db *gorm.DB, log *zap.SugaredLogger) *Service {
	return &Service{db: db, log: log}
}

// Record persists one audit row off the request path; webhook latency never
// waits on the audit write.
func (s *Service) Record(traceID string, event stripe.Event, chatID *int64, outcome lifecycle.Outcome, procErr error) {
	row := &models.WebhookEventLog{
		ID:        tool.GenerateUUIDV7(),
		EventID:   event.ID,
		EventType: string(event.Type),
		ChatID:    chatID,
		TraceID:   traceID,
		Status:    statusForOutcome(outcome),
	}
	if event.Data != nil {
		row.Data = datatypes.JSON(event.Data.Raw)
	}
	result := map[string]any{"outcome": string(outcome)}
	if procErr != nil {
		result["error"] = procErr.Error()
	}
	if raw, err := json.Marshal(result); err == nil {
		j := datatypes.JSON(raw)
		row.Result = &j
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
			s.log.Errorw("failed to persist webhook audit row",
				"event_id", event.ID, "event_type", event.Type, "error", err)
		}
	}()
}

func statusForOutcome(outcome lifecycle.Outcome) models.WebhookEventLogStatus {
	switch outcome {
	case lifecycle.OutcomeRejected:
		return models.WebhookEventLogStatusRejected
	case lifecycle.OutcomeFailed:
		return models.WebhookEventLogStatusHandleFailed
	case lifecycle.OutcomeHandled, lifecycle.OutcomeDuplicate, lifecycle.OutcomeIgnored:
		return models.WebhookEventLogStatusHandled
	default:
		return models.WebhookEventLogStatusReceived
	}
}

// RecentFailures lists the newest rows that still need a human, for the admin
// surface.
func (s *Service) RecentFailures(ctx context.Context, limit int) ([]*models.WebhookEventLog, error) {
	var rows []*models.WebhookEventLog
	err := s.db.WithContext(ctx).
		Where("status = ?", models.WebhookEventLogStatusHandleFailed).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

var Module = fx.Options(
	fx.Provide(New),
)
