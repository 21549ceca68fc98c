package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/quartershq/quarters/internal/activity/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *domain.ActivityRecord) error {
	if record == nil {
		return nil
	}
	return db.WithContext(ctx).Create(record).Error
}

func (r *repo) FindSince(ctx context.Context, db *gorm.DB, userID snowflake.ID, since time.Time, limit int) ([]*domain.ActivityRecord, error) {
	var records []*domain.ActivityRecord
	stmt := db.WithContext(ctx).Model(&domain.ActivityRecord{}).
		Where("user_id = ? AND occurred_at >= ?", userID, since.UTC()).
		Order("occurred_at desc, id desc")
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}
	if err := stmt.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]*domain.ActivityRecord, error) {
	var records []*domain.ActivityRecord
	stmt := db.WithContext(ctx).Model(&domain.ActivityRecord{})

	if filter.UserID != 0 {
		stmt = stmt.Where("user_id = ?", filter.UserID)
	}
	if activityType := strings.TrimSpace(filter.ActivityType); activityType != "" {
		stmt = stmt.Where("activity_type = ?", activityType)
	}
	if riskLevel := strings.TrimSpace(filter.RiskLevel); riskLevel != "" {
		stmt = stmt.Where("risk_level = ?", riskLevel)
	}
	if filter.StartAt != nil {
		stmt = stmt.Where("occurred_at >= ?", filter.StartAt.UTC())
	}
	if filter.EndAt != nil {
		stmt = stmt.Where("occurred_at <= ?", filter.EndAt.UTC())
	}
	if filter.Cursor != nil {
		stmt = stmt.Where("(occurred_at < ?) OR (occurred_at = ? AND id < ?)",
			filter.Cursor.OccurredAt,
			filter.Cursor.OccurredAt,
			filter.Cursor.ID,
		)
	}

	stmt = stmt.Order("occurred_at desc, id desc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}

	if err := stmt.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}
