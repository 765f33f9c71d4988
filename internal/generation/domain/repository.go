package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Repository is the storage contract for generation tasks. The Mark*
// mutations are conditional status transitions; false means the task was
// already past that state, which is how webhook redelivery stays idempotent.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, task *GenerationTask) error
	FindByTaskID(ctx context.Context, db *gorm.DB, taskID string) (*GenerationTask, error)
	MarkCompleted(ctx context.Context, db *gorm.DB, taskID string, resultURLs []byte, now time.Time) (bool, error)
	MarkFailed(ctx context.Context, db *gorm.DB, taskID, errorCode, errorMessage string, now time.Time) (bool, error)
	MarkRefunded(ctx context.Context, db *gorm.DB, taskID string, now time.Time) (bool, error)
	FindStalePending(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]GenerationTask, error)
}
