package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/taskledger/internal/billing"
	"github.com/smallbiznis/taskledger/internal/clock"
	"github.com/smallbiznis/taskledger/internal/config"
	"github.com/smallbiznis/taskledger/internal/encryption"
	"github.com/smallbiznis/taskledger/internal/eventstore"
	"github.com/smallbiznis/taskledger/internal/observability"
	"github.com/smallbiznis/taskledger/internal/processor"
	"github.com/smallbiznis/taskledger/internal/providers/xskill"
	"github.com/smallbiznis/taskledger/internal/task"
	"github.com/smallbiznis/taskledger/pkg/db"
	"github.com/smallbiznis/taskledger/pkg/messaging/nats"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		encryption.Module,
		eventstore.Module,
		billing.Module,
		task.Module,
		xskill.Module,
		nats.Module,
		processor.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
