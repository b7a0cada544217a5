package nats

import (
	"context"

	"github.com/smallbiznis/taskledger/internal/config"
	"github.com/smallbiznis/taskledger/pkg/messaging"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("messaging.nats",
	fx.Provide(
		newClient,
		func(c *Client) messaging.Publisher { return c },
		func(c *Client) messaging.Subscriber { return c },
	),
)

func newClient(cfg config.Config, log *zap.Logger, lc fx.Lifecycle) (*Client, error) {
	natsCfg := DefaultConfig()
	if cfg.NATS.URL != "" {
		natsCfg.URL = cfg.NATS.URL
	}
	if cfg.NATS.ClientName != "" {
		natsCfg.Name = cfg.NATS.ClientName
	}

	client, err := NewClient(natsCfg, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}
