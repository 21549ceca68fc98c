package subscription

import (
	"github.com/quartershq/quarters/internal/cache"
	"github.com/quartershq/quarters/internal/subscription/repository"
	"github.com/quartershq/quarters/internal/subscription/service"
	"go.uber.org/fx"
)

var Module = fx.Module("subscription.service",
	fx.Provide(cache.NewPlanCache),
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
