package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, sub *Subscription) error
	FindByUserID(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*Subscription, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	Update(ctx context.Context, db *gorm.DB, sub *Subscription) error

	// UpdateStatusIfCurrent flips status only when the stored value still
	// matches from. Returns false when another writer got there first.
	UpdateStatusIfCurrent(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to SubscriptionStatus, now time.Time) (bool, error)

	// SetUsageIfCurrent writes the resource counter conditioned on its
	// current value being unchanged since it was read. Zero rows matched
	// means a concurrent allocation won the race.
	SetUsageIfCurrent(ctx context.Context, db *gorm.DB, id snowflake.ID, resource ResourceType, current, next int, now time.Time) (bool, error)

	FindPlanByCode(ctx context.Context, db *gorm.DB, code string) (*Plan, error)
	InsertPlan(ctx context.Context, db *gorm.DB, plan *Plan) error
	ListPlans(ctx context.Context, db *gorm.DB) ([]Plan, error)
}
