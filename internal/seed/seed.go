// Package seed bootstraps the plan catalog so a fresh deployment can accept
// plan selections immediately.
package seed

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/quartershq/quarters/internal/subscription/domain"
	"gorm.io/gorm"
)

type planSpec struct {
	Code          string
	Name          string
	TotalBeds     int
	TotalBranches int
	Modules       []string
	TrialDays     int
}

var defaultPlans = []planSpec{
	{
		Code:          "starter",
		Name:          "Starter",
		TotalBeds:     10,
		TotalBranches: 1,
		Modules:       []string{subscriptiondomain.ModuleResidentManagement},
		TrialDays:     14,
	},
	{
		Code:          "standard",
		Name:          "Standard",
		TotalBeds:     50,
		TotalBranches: 3,
		Modules: []string{
			subscriptiondomain.ModuleResidentManagement,
			subscriptiondomain.ModuleBranchManagement,
		},
		TrialDays: 14,
	},
	{
		Code:          "premium",
		Name:          "Premium",
		TotalBeds:     200,
		TotalBranches: 20,
		Modules: []string{
			subscriptiondomain.ModuleResidentManagement,
			subscriptiondomain.ModuleBranchManagement,
		},
		TrialDays: 30,
	},
}

// EnsureDefaultPlans inserts the catalog entries that do not exist yet.
// Existing rows are left untouched so operator edits survive restarts.
func EnsureDefaultPlans(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, spec := range defaultPlans {
			var count int64
			if err := tx.Model(&subscriptiondomain.Plan{}).Where("code = ?", spec.Code).Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				continue
			}

			modules, err := json.Marshal(spec.Modules)
			if err != nil {
				return err
			}
			plan := subscriptiondomain.Plan{
				ID:            node.Generate(),
				Code:          spec.Code,
				Name:          spec.Name,
				TotalBeds:     spec.TotalBeds,
				TotalBranches: spec.TotalBranches,
				Modules:       modules,
				TrialDays:     spec.TrialDays,
				Active:        true,
			}
			if err := tx.Create(&plan).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
