// Command relay runs only the chat relay, for deployments that ship the
// client separately.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"garagechat/internal/app"
	"garagechat/internal/obs"
)

func main() {
	cfg := app.RelayConfig{}
	flag.StringVar(&cfg.Addr, "addr", app.EnvOrDefault("GARAGECHAT_ADDR", ":8080"), "relay listen address")
	flag.StringVar(&cfg.DBPath, "db", app.EnvOrDefault("GARAGECHAT_DB_PATH", ""), "sqlite database path")
	flag.StringVar(&cfg.NATSURL, "nats-url", app.EnvOrDefault("GARAGECHAT_NATS_URL", ""), "NATS server for cross-relay fanout")
	flag.StringVar(&cfg.NATSPrefix, "nats-prefix", app.EnvOrDefault("GARAGECHAT_NATS_PREFIX", "garagechat"), "NATS subject prefix")
	flag.IntVar(&cfg.HistoryLimit, "history", 0, "messages replayed when a conversation opens (0 = default)")
	flag.StringVar(&cfg.Env, "env", app.EnvOrDefault("GARAGECHAT_ENV", "production"), "dev or local for colored logs")
	flag.StringVar(&cfg.LogLevel, "log-level", app.EnvOrDefault("GARAGECHAT_LOG_LEVEL", "info"), "debug, info, warn or error")
	flag.Parse()

	logger := obs.NewLogger(cfg.Env, cfg.LogLevel, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handle, err := app.RunRelay(ctx, cfg, logger)
	if err != nil {
		logger.Error("relay failed to start", "error", err)
		os.Exit(1)
	}
	logger.Info("relay listening", "addr", handle.Addr())
	if err := handle.Wait(); err != nil {
		logger.Error("relay stopped", "error", err)
		os.Exit(1)
	}
}
