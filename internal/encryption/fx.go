package encryption

import (
	"github.com/smallbiznis/taskledger/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("encryption",
	fx.Provide(func(cfg config.Config) (*Service, error) {
		return NewService([]byte(cfg.MasterKey))
	}),
)
