// Command agentkernel runs migrations against the configured store and
// hosts a minimal demo instance of the coordination kernel: an ECHO
// CONVERSATION handler and a logging ONE_WAY/MESSAGE_NOTIFICATION
// handler, useful for smoke-testing a deployment before wiring real
// agent handlers.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaymesh/agentkernel"
	"github.com/relaymesh/agentkernel/internal/logging"
	"github.com/relaymesh/agentkernel/internal/util/timefmt"
)

var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("agentkernel exited with error", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("agentkernel", flag.ExitOnError)
	dsn := fs.String("store-dsn", os.Getenv("AGENTKERNEL_STORE_DSN"), "Postgres connection string")
	poolSize := fs.Int("pool-size", 20, "store connection pool size")
	syncTimeout := fs.Duration("default-sync-timeout", 30*time.Second, "default send_and_wait timeout")
	turnDuration := fs.Duration("default-turn-duration", 60*time.Second, "default meeting turn duration")
	fastPathBudget := fs.Duration("handler-fast-path-budget", 100*time.Millisecond, "synchronous handler probe budget")
	handlerTimeout := fs.Duration("handler-timeout", 30*time.Second, "upper bound on any single handler invocation")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	logging.Setup()
	if lvl, err := logging.ParseLevel(*logLevel); err == nil {
		logging.SetLevel(lvl)
	}

	if *dsn == "" {
		return fmt.Errorf("store-dsn is required (flag or AGENTKERNEL_STORE_DSN)")
	}

	kernel, err := agentkernel.New(agentkernel.Config{
		StoreDSN:              *dsn,
		PoolSize:              *poolSize,
		DefaultSyncTimeout:    *syncTimeout,
		DefaultTurnDuration:   *turnDuration,
		HandlerFastPathBudget: *fastPathBudget,
		HandlerTimeout:        *handlerTimeout,
	})
	if err != nil {
		return fmt.Errorf("construct kernel: %w", err)
	}

	registerDemoHandlers(kernel)

	slog.Info("agentkernel started", "version", version, "pool_size", *poolSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	slog.Info("agentkernel shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return kernel.Shutdown(shutdownCtx)
}

// registerDemoHandlers wires a CONVERSATION echo handler and logging
// ONE_WAY/MESSAGE_NOTIFICATION/MEETING handlers so a fresh deployment
// has something to respond to before real agent handlers are
// registered by an embedding application.
func registerDemoHandlers(k *agentkernel.Kernel) {
	k.RegisterHandler(agentkernel.Conversation, func(ctx context.Context, message json.RawMessage, mctx agentkernel.MessageContext) (json.RawMessage, error) {
		return message, nil
	})
	k.RegisterHandler(agentkernel.OneWay, func(ctx context.Context, message json.RawMessage, mctx agentkernel.MessageContext) (json.RawMessage, error) {
		slog.Debug("one-way message delivered", "receiver_id", mctx.ReceiverID, "at", timefmt.Format(time.Now()), "message", string(message))
		return nil, nil
	})
	k.RegisterHandler(agentkernel.MessageNotification, func(ctx context.Context, message json.RawMessage, mctx agentkernel.MessageContext) (json.RawMessage, error) {
		slog.Debug("notification", "receiver_id", mctx.ReceiverID, "at", timefmt.Format(time.Now()), "message", string(message))
		return nil, nil
	})
	k.RegisterHandler(agentkernel.Meeting, func(ctx context.Context, message json.RawMessage, mctx agentkernel.MessageContext) (json.RawMessage, error) {
		slog.Debug("meeting message delivered", "receiver_id", mctx.ReceiverID, "meeting_id", mctx.MeetingID, "at", timefmt.Format(time.Now()), "message", string(message))
		return nil, nil
	})
}
