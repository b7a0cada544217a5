package task

import (
	"github.com/smallbiznis/taskledger/internal/task/service"
	"go.uber.org/fx"
)

var Module = fx.Module("task.service",
	fx.Provide(service.NewService),
)
