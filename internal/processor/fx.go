package processor

import (
	"context"

	taskdomain "github.com/smallbiznis/taskledger/internal/task/domain"
	"github.com/smallbiznis/taskledger/pkg/messaging"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("processor",
	fx.Provide(NewConsumer),
	fx.Invoke(runConsumer),
)

func runConsumer(lc fx.Lifecycle, log *zap.Logger, subscriber messaging.Subscriber, consumer *Consumer) {
	ctx, cancel := context.WithCancel(context.Background())
	var unsubscribe messaging.Unsubscribe

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			unsub, err := subscriber.Subscribe(taskdomain.TopicTaskEvents, func(msg messaging.Message) {
				consumer.Handle(ctx, msg.Value)
			})
			if err != nil {
				return err
			}
			unsubscribe = unsub
			log.Named("processor").Info("subscribed", zap.String("subject", taskdomain.TopicTaskEvents))
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			if unsubscribe != nil {
				return unsubscribe()
			}
			return nil
		},
	})
}
