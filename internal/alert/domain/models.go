package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Alert types emitted by the ledger and generation pipeline.
const (
	TypeRefundFailed     = "refund_failed"
	TypePoolRefilled     = "pool_refilled"
	TypePoolRefillFailed = "pool_refill_failed"
	TypePoolDepleted     = "pool_depleted"
	TypeStaleTask        = "stale_task_expired"
)

// Alert severities.
const (
	LevelInfo     = "info"
	LevelWarning  = "warning"
	LevelCritical = "critical"
)

// Alert is one operator notification.
type Alert struct {
	Type     string
	Level    string
	Message  string
	Metadata map[string]interface{}
}

// SystemAlert is the persisted record of an Alert.
type SystemAlert struct {
	ID           snowflake.ID   `json:"id" gorm:"primaryKey"`
	Type         string         `json:"type" gorm:"type:text;not null"`
	Level        string         `json:"level" gorm:"type:text;not null;default:warning"`
	Message      string         `json:"message" gorm:"type:text;not null"`
	Metadata     datatypes.JSON `json:"metadata,omitempty"`
	Acknowledged bool           `json:"acknowledged" gorm:"not null;default:false"`
	CreatedAt    time.Time      `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (SystemAlert) TableName() string { return "system_alerts" }

// Sink receives operator alerts. Implementations must be best-effort: a
// failing sink never fails the operation that raised the alert.
type Sink interface {
	Notify(ctx context.Context, alert Alert)
}

// NoOpSink discards alerts. Used in tests.
type NoOpSink struct{}

func (NoOpSink) Notify(ctx context.Context, alert Alert) {}
