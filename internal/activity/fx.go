package activity

import (
	"github.com/quartershq/quarters/internal/activity/repository"
	"github.com/quartershq/quarters/internal/activity/service"
	"go.uber.org/fx"
)

var Module = fx.Module("activity.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
