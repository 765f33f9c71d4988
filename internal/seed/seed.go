// Package seed bootstraps the rows the service expects on a fresh database.
package seed

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	creditdomain "github.com/preset-hq/credits/internal/credit/domain"
	"github.com/preset-hq/credits/internal/credit/repository"
	pkgdb "github.com/preset-hq/credits/pkg/db"
)

const (
	defaultPoolBalance         = 1000
	defaultPoolCostPerCredit   = 0.02
	defaultPoolRefillThreshold = 100
	defaultPoolRefillAmount    = 500
)

// EnsureDefaultPool creates the platform credit pool for the default provider
// when it does not exist yet. Re-running is a no-op.
func EnsureDefaultPool(db *gorm.DB, provider string) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return errors.New("seed provider name is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	pool := &creditdomain.CreditPool{
		ID:                  node.Generate(),
		Provider:            provider,
		AvailableBalance:    defaultPoolBalance,
		TotalPurchased:      defaultPoolBalance,
		CostPerCredit:       defaultPoolCostPerCredit,
		AutoRefillThreshold: defaultPoolRefillThreshold,
		AutoRefillAmount:    defaultPoolRefillAmount,
		Status:              creditdomain.PoolStatusActive,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	if err := repository.Provide().InsertPool(context.Background(), db, pool); err != nil {
		if pkgdb.IsDuplicateKeyErr(err) {
			return nil
		}
		return err
	}
	return nil
}
