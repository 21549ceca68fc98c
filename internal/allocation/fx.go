package allocation

import (
	"github.com/quartershq/quarters/internal/allocation/service"
	"go.uber.org/fx"
)

var Module = fx.Module("allocation.engine",
	fx.Provide(service.NewEngine),
)
