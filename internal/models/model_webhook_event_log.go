package models

import (
	"time"

	"gorm.io/datatypes"
)

type WebhookEventLogStatus string

const (
	WebhookEventLogStatusReceived     WebhookEventLogStatus = "received"
	WebhookEventLogStatusHandled      WebhookEventLogStatus = "handled"
	WebhookEventLogStatusHandleFailed WebhookEventLogStatus = "handle_failed"
	WebhookEventLogStatusRejected     WebhookEventLogStatus = "rejected"
)

// WebhookEventLog is an audit row written for every processor event; failed
// rows are the input for manual reconciliation since processor events are
// acknowledged even when internal processing fails.
type WebhookEventLog struct {
	ID        string                `gorm:"column:id;type:uuid;primary_key" json:"id"`
	EventID   string                `gorm:"column:event_id;type:varchar(128);index" json:"event_id"`
	EventType string                `gorm:"column:event_type;type:varchar(64);index" json:"event_type"`
	ChatID    *int64                `gorm:"column:chat_id;index" json:"chat_id"`
	TraceID   string                `gorm:"column:trace_id;type:varchar(64)" json:"trace_id"`
	Data      datatypes.JSON        `gorm:"column:data" json:"data"`
	Result    *datatypes.JSON       `gorm:"column:result" json:"result"`
	Status    WebhookEventLogStatus `gorm:"column:status;type:varchar(32);not null" json:"status"`
	CreatedAt time.Time             `json:"created_at"`
}

func (WebhookEventLog) TableName() string {
	return "webhook_event_logs"
}
