package repository

import (
	"context"
	"time"

	generationdomain "github.com/preset-hq/credits/internal/generation/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() generationdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, task *generationdomain.GenerationTask) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO generation_tasks
		 (id, task_id, user_id, provider, prompt, params, credits_charged, credit_source, status,
		  result_urls, error_code, error_message, created_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID,
		task.TaskID,
		task.UserID,
		task.Provider,
		task.Prompt,
		task.Params,
		task.CreditsCharged,
		task.CreditSource,
		task.Status,
		task.ResultURLs,
		task.ErrorCode,
		task.ErrorMessage,
		task.CreatedAt,
		task.UpdatedAt,
		task.CompletedAt,
	).Error
}

func (r *repo) FindByTaskID(ctx context.Context, db *gorm.DB, taskID string) (*generationdomain.GenerationTask, error) {
	var task generationdomain.GenerationTask
	err := db.WithContext(ctx).Raw(
		`SELECT id, task_id, user_id, provider, prompt, params, credits_charged, credit_source, status,
		        result_urls, error_code, error_message, created_at, updated_at, completed_at
		 FROM generation_tasks WHERE task_id = ?`,
		taskID,
	).Scan(&task).Error
	if err != nil {
		return nil, err
	}
	if task.ID == 0 {
		return nil, nil
	}
	return &task, nil
}

func (r *repo) MarkCompleted(ctx context.Context, db *gorm.DB, taskID string, resultURLs []byte, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE generation_tasks
		 SET status = ?, result_urls = ?, updated_at = ?, completed_at = ?
		 WHERE task_id = ? AND status = ?`,
		generationdomain.StatusCompleted, resultURLs, now, now, taskID, generationdomain.StatusPending,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) MarkFailed(ctx context.Context, db *gorm.DB, taskID, errorCode, errorMessage string, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE generation_tasks
		 SET status = ?, error_code = ?, error_message = ?, updated_at = ?, completed_at = ?
		 WHERE task_id = ? AND status = ?`,
		generationdomain.StatusFailed, errorCode, errorMessage, now, now, taskID, generationdomain.StatusPending,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) MarkRefunded(ctx context.Context, db *gorm.DB, taskID string, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE generation_tasks
		 SET status = ?, updated_at = ?
		 WHERE task_id = ? AND status = ?`,
		generationdomain.StatusRefunded, now, taskID, generationdomain.StatusFailed,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindStalePending(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]generationdomain.GenerationTask, error) {
	var tasks []generationdomain.GenerationTask
	err := db.WithContext(ctx).Raw(
		`SELECT id, task_id, user_id, provider, prompt, params, credits_charged, credit_source, status,
		        result_urls, error_code, error_message, created_at, updated_at, completed_at
		 FROM generation_tasks
		 WHERE status = ? AND created_at < ?
		 ORDER BY created_at ASC
		 LIMIT ?`,
		generationdomain.StatusPending, before, limit,
	).Scan(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasks, nil
}
