// Package domain contains persistence models for subscriptions and the plan
// catalog. The column shape of Subscription is read directly by reporting and
// security dashboards; renaming fields here is a breaking change.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	StatusTrial     SubscriptionStatus = "trial"
	StatusActive    SubscriptionStatus = "active"
	StatusExpired   SubscriptionStatus = "expired"
	StatusCancelled SubscriptionStatus = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s SubscriptionStatus) Terminal() bool {
	return s == StatusExpired || s == StatusCancelled
}

type BillingCycle string

const (
	CycleTrial   BillingCycle = "trial"
	CycleMonthly BillingCycle = "monthly"
	CycleAnnual  BillingCycle = "annual"
)

// ResourceType identifies a metered counter on the subscription.
type ResourceType string

const (
	ResourceBed    ResourceType = "bed"
	ResourceBranch ResourceType = "branch"
)

// Plan module capabilities. Allocating a resource requires the plan to carry
// the module that owns it.
const (
	ModuleResidentManagement = "resident_management"
	ModuleBranchManagement   = "branch_management"
)

// ModuleForResource maps a metered resource to the plan module that gates it.
func ModuleForResource(resource ResourceType) (string, bool) {
	switch resource {
	case ResourceBed:
		return ModuleResidentManagement, true
	case ResourceBranch:
		return ModuleBranchManagement, true
	default:
		return "", false
	}
}

// Subscription tracks one user's plan, lifecycle dates and metered usage.
// Status is a cached projection of the stored dates and is refreshed lazily
// on evaluation; rows are never hard-deleted.
type Subscription struct {
	ID                 snowflake.ID       `gorm:"primaryKey"`
	UserID             snowflake.ID       `gorm:"not null;uniqueIndex"`
	PlanCode           string             `gorm:"type:text;not null"`
	Status             SubscriptionStatus `gorm:"type:text;not null"`
	BillingCycle       BillingCycle       `gorm:"type:text;not null"`
	StartDate          time.Time          `gorm:"not null"`
	EndDate            *time.Time         `gorm:""`
	TrialEndDate       *time.Time         `gorm:""`
	TotalBeds          int                `gorm:"not null;default:0"`
	CurrentBedUsage    int                `gorm:"not null;default:0"`
	TotalBranches      int                `gorm:"not null;default:0"`
	CurrentBranchUsage int                `gorm:"not null;default:0"`
	CustomPricing      datatypes.JSONMap  `gorm:"type:jsonb"`
	LastActivity       *time.Time         `gorm:""`
	CreatedAt          time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// Usage returns the counter and limit for one resource type.
func (s *Subscription) Usage(resource ResourceType) (current int, limit int) {
	switch resource {
	case ResourceBed:
		return s.CurrentBedUsage, s.TotalBeds
	case ResourceBranch:
		return s.CurrentBranchUsage, s.TotalBranches
	default:
		return 0, 0
	}
}

// Plan is a catalog entry. Limits and modules are snapshotted onto the
// subscription at selection time.
type Plan struct {
	ID            snowflake.ID   `gorm:"primaryKey"`
	Code          string         `gorm:"type:text;not null;uniqueIndex"`
	Name          string         `gorm:"type:text;not null"`
	TotalBeds     int            `gorm:"not null;default:0"`
	TotalBranches int            `gorm:"not null;default:0"`
	Modules       datatypes.JSON `gorm:"type:jsonb"`
	TrialDays     int            `gorm:"not null;default:14"`
	Active        bool           `gorm:"not null;default:true"`
	CreatedAt     time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Plan) TableName() string { return "plans" }
