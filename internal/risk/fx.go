package risk

import (
	"github.com/quartershq/quarters/internal/risk/service"
	"go.uber.org/fx"
)

var Module = fx.Module("risk.scorer",
	fx.Provide(service.NewScorer),
)
