package gate

import (
	"github.com/quartershq/quarters/internal/gate/service"
	"go.uber.org/fx"
)

var Module = fx.Module("gate",
	fx.Provide(service.NewGate),
)
