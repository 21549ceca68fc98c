package cache

import (
	"strings"
	"time"

	subscriptiondomain "github.com/quartershq/quarters/internal/subscription/domain"
)

const defaultPlanTTL = 5 * time.Minute

// PlanCache stores plan catalog rows for the entitlement hot path. Every
// usage-access check loads the subject's plan; the catalog changes rarely.
type PlanCache interface {
	Get(code string) (*subscriptiondomain.Plan, bool)
	Set(code string, plan *subscriptiondomain.Plan)
	Invalidate(code string)
}

type planCache struct {
	plans Cache[string, *subscriptiondomain.Plan]
	ttl   time.Duration
}

func NewPlanCache() PlanCache {
	return &planCache{
		plans: NewTTLCache[string, *subscriptiondomain.Plan](),
		ttl:   defaultPlanTTL,
	}
}

func (c *planCache) Get(code string) (*subscriptiondomain.Plan, bool) {
	return c.plans.Get(planKey(code))
}

func (c *planCache) Set(code string, plan *subscriptiondomain.Plan) {
	if plan == nil {
		return
	}
	c.plans.Set(planKey(code), plan, c.ttl)
}

func (c *planCache) Invalidate(code string) {
	c.plans.Delete(planKey(code))
}

func planKey(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}
