package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type ActivityCursor struct {
	ID         snowflake.ID
	OccurredAt time.Time
}

type ListFilter struct {
	UserID       snowflake.ID
	ActivityType string
	RiskLevel    string
	StartAt      *time.Time
	EndAt        *time.Time
	Cursor       *ActivityCursor
	Limit        int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, record *ActivityRecord) error
	FindSince(ctx context.Context, db *gorm.DB, userID snowflake.ID, since time.Time, limit int) ([]*ActivityRecord, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*ActivityRecord, error)
}
