package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/quartershq/quarters/internal/subscription/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, sub *domain.Subscription) error {
	if sub == nil {
		return nil
	}
	return db.WithContext(ctx).Create(sub).Error
}

func (r *repo) FindByUserID(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &sub, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := db.WithContext(ctx).
		Where("id = ?", id).
		First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &sub, nil
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, sub *domain.Subscription) error {
	if sub == nil {
		return nil
	}
	return db.WithContext(ctx).Save(sub).Error
}

func (r *repo) UpdateStatusIfCurrent(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to domain.SubscriptionStatus, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		to,
		now.UTC(),
		id,
		from,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) SetUsageIfCurrent(ctx context.Context, db *gorm.DB, id snowflake.ID, resource domain.ResourceType, current, next int, now time.Time) (bool, error) {
	column, ok := usageColumn(resource)
	if !ok {
		return false, errors.New("unknown_resource_type")
	}
	result := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET `+column+` = ?, last_activity = ?, updated_at = ?
		 WHERE id = ? AND `+column+` = ?`,
		next,
		now.UTC(),
		now.UTC(),
		id,
		current,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// usageColumn resolves the counter column from a closed set; resource names
// never reach SQL unchecked.
func usageColumn(resource domain.ResourceType) (string, bool) {
	switch resource {
	case domain.ResourceBed:
		return "current_bed_usage", true
	case domain.ResourceBranch:
		return "current_branch_usage", true
	default:
		return "", false
	}
}

func (r *repo) FindPlanByCode(ctx context.Context, db *gorm.DB, code string) (*domain.Plan, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, domain.ErrPlanNotFound
	}
	var plan domain.Plan
	err := db.WithContext(ctx).
		Where("code = ? AND active = ?", code, true).
		First(&plan).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrPlanNotFound
		}
		return nil, err
	}
	return &plan, nil
}

func (r *repo) InsertPlan(ctx context.Context, db *gorm.DB, plan *domain.Plan) error {
	if plan == nil {
		return nil
	}
	return db.WithContext(ctx).Create(plan).Error
}

func (r *repo) ListPlans(ctx context.Context, db *gorm.DB) ([]domain.Plan, error) {
	var plans []domain.Plan
	if err := db.WithContext(ctx).Where("active = ?", true).Order("code asc").Find(&plans).Error; err != nil {
		return nil, err
	}
	return plans, nil
}
