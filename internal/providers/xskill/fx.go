package xskill

import (
	"github.com/smallbiznis/taskledger/internal/config"
	obsmetrics "github.com/smallbiznis/taskledger/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Config     config.Config
	Log        *zap.Logger
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

var Module = fx.Module("providers.xskill",
	fx.Provide(func(p Params) *Client {
		return NewClient(Config{
			BaseURL: p.Config.Provider.BaseURL,
			APIKey:  p.Config.Provider.APIKey,
		}, p.Log).WithMetrics(p.ObsMetrics)
	}),
)
