package domain

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Task lifecycle. A task is pending from dispatch until the provider webhook
// resolves it; refunded marks a failed task whose credits were returned.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusRefunded  = "refunded"
)

// GenerationTask tracks one dispatched generation job.
type GenerationTask struct {
	ID             snowflake.ID   `json:"id" gorm:"primaryKey"`
	TaskID         string         `json:"task_id" gorm:"type:text;not null;uniqueIndex:idx_generation_tasks_task_id"`
	UserID         string         `json:"user_id" gorm:"type:text;not null"`
	Provider       string         `json:"provider" gorm:"type:text;not null"`
	Prompt         string         `json:"prompt" gorm:"type:text;not null;default:''"`
	Params         datatypes.JSON `json:"params,omitempty"`
	CreditsCharged int64          `json:"credits_charged" gorm:"not null;default:0"`
	CreditSource   string         `json:"credit_source" gorm:"type:text;not null;default:user_credits"`
	Status         string         `json:"status" gorm:"type:text;not null;default:pending"`
	ResultURLs     datatypes.JSON `json:"result_urls,omitempty"`
	ErrorCode      string         `json:"error_code,omitempty" gorm:"type:text"`
	ErrorMessage   string         `json:"error_message,omitempty" gorm:"type:text"`
	CreatedAt      time.Time      `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time      `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

func (GenerationTask) TableName() string { return "generation_tasks" }

type Service interface {
	// Dispatch consumes credits and hands the job to the provider. On a
	// provider error after the debit the credits are refunded before the
	// error is returned.
	Dispatch(ctx context.Context, req DispatchRequest) (*GenerationTask, error)

	// HandleWebhook processes one provider callback. Unknown task IDs and
	// redeliveries are acknowledged without error.
	HandleWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error

	// ExpireStale fails and refunds pending tasks older than the deadline.
	ExpireStale(ctx context.Context, olderThan time.Duration) (int, error)

	GetTask(ctx context.Context, taskID string) (*GenerationTask, error)
}

type DispatchRequest struct {
	UserID      string   `json:"user_id"`
	Tier        string   `json:"tier,omitempty"`
	Provider    string   `json:"provider,omitempty"`
	Prompt      string   `json:"prompt"`
	AspectRatio string   `json:"aspect_ratio,omitempty"`
	Resolution  string   `json:"resolution,omitempty"`
	InputURLs   []string `json:"input_urls,omitempty"`
}

var (
	ErrInvalidRequest = errors.New("invalid_generation_request")
	ErrTaskNotFound   = errors.New("task_not_found")
)
