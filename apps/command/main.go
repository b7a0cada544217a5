// Command-side entrypoint: submits tasks and manages credit ledgers directly
// against the event store. Used by operators and by jobs that allocate
// credits; the read-heavy surfaces live elsewhere.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/taskledger/internal/billing"
	billingdomain "github.com/smallbiznis/taskledger/internal/billing/domain"
	"github.com/smallbiznis/taskledger/internal/clock"
	"github.com/smallbiznis/taskledger/internal/config"
	"github.com/smallbiznis/taskledger/internal/encryption"
	"github.com/smallbiznis/taskledger/internal/eventstore"
	"github.com/smallbiznis/taskledger/internal/observability"
	"github.com/smallbiznis/taskledger/internal/task"
	taskdomain "github.com/smallbiznis/taskledger/internal/task/domain"
	"github.com/smallbiznis/taskledger/pkg/db"
	"go.uber.org/fx"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

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

		fx.Invoke(func(shutdowner fx.Shutdowner, tasks taskdomain.Service, credits billingdomain.Service) {
			err := runCommand(context.Background(), os.Args[1], os.Args[2:], tasks, credits)
			if err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				_ = shutdowner.Shutdown(fx.ExitCode(1))
				return
			}
			_ = shutdowner.Shutdown()
		}),
	)
	app.Run()
}

func runCommand(ctx context.Context, name string, args []string, tasks taskdomain.Service, credits billingdomain.Service) error {
	switch name {
	case "create-task":
		fs := flag.NewFlagSet(name, flag.ExitOnError)
		org := fs.String("org", "", "organization id")
		user := fs.String("user", "", "requesting user id")
		prompt := fs.String("prompt", "", "task prompt")
		model := fs.String("model", "", "provider model")
		amount := fs.Int64("credits", 0, "credits to reserve")
		idemKey := fs.String("idempotency-key", "", "idempotency key")
		_ = fs.Parse(args)

		result, err := tasks.CreateTask(ctx, taskdomain.CreateTaskCommand{
			OrgID:           *org,
			UserID:          *user,
			Prompt:          *prompt,
			Model:           *model,
			CreditsRequired: *amount,
			IdempotencyKey:  *idemKey,
		})
		if err != nil {
			return err
		}
		return printJSON(result)

	case "get-task":
		fs := flag.NewFlagSet(name, flag.ExitOnError)
		org := fs.String("org", "", "organization id")
		taskID := fs.String("task", "", "task id")
		_ = fs.Parse(args)

		state, err := tasks.GetTask(ctx, *taskID, *org)
		if err != nil {
			return err
		}
		return printJSON(state)

	case "allocate":
		return creditOp(ctx, args, func(orgID string, amount int64, taskID string) error {
			return credits.AllocateCredits(ctx, orgID, amount)
		})

	case "consume":
		return creditOp(ctx, args, func(orgID string, amount int64, taskID string) error {
			return credits.ConsumeCredits(ctx, orgID, amount, taskID)
		})

	case "refund":
		return creditOp(ctx, args, func(orgID string, amount int64, taskID string) error {
			return credits.RefundCredits(ctx, orgID, amount, taskID)
		})

	case "balance":
		fs := flag.NewFlagSet(name, flag.ExitOnError)
		org := fs.String("org", "", "organization id")
		_ = fs.Parse(args)

		balance, err := credits.GetBalance(ctx, *org)
		if err != nil {
			return err
		}
		return printJSON(balance)

	default:
		usage()
		return fmt.Errorf("unknown command %q", name)
	}
}

func creditOp(ctx context.Context, args []string, op func(orgID string, amount int64, taskID string) error) error {
	fs := flag.NewFlagSet("credits", flag.ExitOnError)
	org := fs.String("org", "", "organization id")
	amount := fs.Int64("amount", 0, "credit amount")
	taskID := fs.String("task", "", "task id")
	_ = fs.Parse(args)
	return op(*org, *amount, *taskID)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: command <create-task|get-task|allocate|consume|refund|balance> [flags]`)
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
