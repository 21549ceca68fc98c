// Package domain contains persistence models for the append-only activity ledger.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// ActivityType is the closed enumeration of audited events.
type ActivityType string

const (
	ActivityPlanSelected          ActivityType = "plan_selected"
	ActivityPlanChanged           ActivityType = "plan_changed"
	ActivityPlanUpgraded          ActivityType = "plan_upgraded"
	ActivityTrialExpired          ActivityType = "trial_expired"
	ActivitySubscriptionExpired   ActivityType = "subscription_expired"
	ActivitySubscriptionCancelled ActivityType = "subscription_cancelled"
	ActivityBedAllocated          ActivityType = "bed_allocated"
	ActivityBedDeallocated        ActivityType = "bed_deallocated"
	ActivityBranchAllocated       ActivityType = "branch_allocated"
	ActivityBranchDeallocated     ActivityType = "branch_deallocated"
	ActivityUsageLimitWarning     ActivityType = "usage_limit_warning"
	ActivityUsageLimitExceeded    ActivityType = "usage_limit_exceeded"
	ActivityFraudAttemptDetected  ActivityType = "fraud_attempt_detected"
	ActivityAccessDenied          ActivityType = "access_denied"
	ActivityDeviceMismatch        ActivityType = "device_mismatch"
)

var knownActivityTypes = map[ActivityType]struct{}{
	ActivityPlanSelected:          {},
	ActivityPlanChanged:           {},
	ActivityPlanUpgraded:          {},
	ActivityTrialExpired:          {},
	ActivitySubscriptionExpired:   {},
	ActivitySubscriptionCancelled: {},
	ActivityBedAllocated:          {},
	ActivityBedDeallocated:        {},
	ActivityBranchAllocated:       {},
	ActivityBranchDeallocated:     {},
	ActivityUsageLimitWarning:     {},
	ActivityUsageLimitExceeded:    {},
	ActivityFraudAttemptDetected:  {},
	ActivityAccessDenied:          {},
	ActivityDeviceMismatch:        {},
}

// Known reports whether t is part of the closed enumeration.
func (t ActivityType) Known() bool {
	_, ok := knownActivityTypes[t]
	return ok
}

// ActivityStatus captures the outcome of the audited event.
type ActivityStatus string

const (
	StatusSuccess ActivityStatus = "success"
	StatusFailed  ActivityStatus = "failed"
	StatusBlocked ActivityStatus = "blocked"
	StatusWarning ActivityStatus = "warning"
)

// RiskLevel is derived from the risk score at write time and never recomputed.
type RiskLevel string

const (
	RiskLevelLow      RiskLevel = "low"
	RiskLevelMedium   RiskLevel = "medium"
	RiskLevelHigh     RiskLevel = "high"
	RiskLevelCritical RiskLevel = "critical"
)

// RiskLevelForScore maps a 0-100 score to its level using fixed thresholds.
func RiskLevelForScore(score int) RiskLevel {
	switch {
	case score >= 80:
		return RiskLevelCritical
	case score >= 60:
		return RiskLevelHigh
	case score >= 30:
		return RiskLevelMedium
	default:
		return RiskLevelLow
	}
}

// ActivityRecord is one immutable ledger entry. Rows are never updated or
// deleted after insert.
type ActivityRecord struct {
	ID                snowflake.ID      `gorm:"primaryKey"`
	UserID            snowflake.ID      `gorm:"not null;index:idx_activity_user_occurred,priority:1"`
	OperationID       *string           `gorm:"type:text"`
	ActivityType      ActivityType      `gorm:"type:text;not null;index:idx_activity_type_occurred,priority:1"`
	Details           datatypes.JSONMap `gorm:"type:jsonb"`
	IPAddress         *string           `gorm:"type:text;index:idx_activity_ip_occurred,priority:1"`
	UserAgent         *string           `gorm:"type:text"`
	DeviceFingerprint *string           `gorm:"type:text;index:idx_activity_device_occurred,priority:1"`
	RiskScore         int               `gorm:"not null;default:0"`
	RiskLevel         RiskLevel         `gorm:"type:text;not null;index:idx_activity_risk_occurred,priority:1"`
	Status            ActivityStatus    `gorm:"type:text;not null"`
	OccurredAt        time.Time         `gorm:"not null;index:idx_activity_user_occurred,priority:2,sort:desc;index:idx_activity_type_occurred,priority:2;index:idx_activity_risk_occurred,priority:2;index:idx_activity_ip_occurred,priority:2;index:idx_activity_device_occurred,priority:2"`
	CreatedAt         time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (ActivityRecord) TableName() string { return "activity_records" }

// Query windows used by the risk scorer and dashboards.
const (
	WindowHour = time.Hour
	WindowDay  = 24 * time.Hour
	WindowWeek = 7 * 24 * time.Hour
)
