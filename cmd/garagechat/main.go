package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"garagechat/internal/app"
	"garagechat/internal/obs"
	"garagechat/internal/protocol"
	"garagechat/internal/room"
	"garagechat/internal/storage"
)

const (
	modeRelay  = "relay"
	modeClient = "client"
	modeLocal  = "local"
	modeToken  = "token"
	modeVer    = "version"
)

func main() {
	mode, args := parseMode(os.Args[1:])
	if mode == modeVer {
		fmt.Println("garagechat", app.Version)
		return
	}

	clientCfg, err := app.LoadClientConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "garagechat: %v\n", err)
		os.Exit(2)
	}

	flagSet := flag.NewFlagSet("garagechat", flag.ExitOnError)
	addr := flagSet.String("addr", app.EnvOrDefault("GARAGECHAT_ADDR", defaultAddrForMode(mode)), "relay listen address")
	db := flagSet.String("db", app.EnvOrDefault("GARAGECHAT_DB_PATH", ""), "sqlite database path (defaults to a per-user path)")
	natsURL := flagSet.String("nats-url", app.EnvOrDefault("GARAGECHAT_NATS_URL", ""), "NATS server for cross-relay fanout (relay mode)")
	natsPrefix := flagSet.String("nats-prefix", app.EnvOrDefault("GARAGECHAT_NATS_PREFIX", "garagechat"), "NATS subject prefix")
	historyLimit := flagSet.Int("history", envInt("GARAGECHAT_HISTORY_LIMIT", 0), "messages replayed when a conversation opens (0 = default)")
	serverURL := flagSet.String("server-url", clientCfg.ServerURL, "relay websocket origin (client mode)")
	identity := flagSet.String("identity", clientCfg.Identity.String(), "your participant id")
	role := flagSet.String("role", string(clientCfg.Role), "user or workshop")
	token := flagSet.String("token", clientCfg.Token, "relay token (client mode)")
	name := flagSet.String("name", "", "display name to register (token and local modes)")
	logLevel := flagSet.String("log-level", clientCfg.LogLevel, "debug, info, warn or error")
	logFile := flagSet.String("log-file", clientCfg.LogFile, "client log file (the TUI owns the terminal)")
	quiet := flagSet.Bool("quiet", false, "suppress informational logs")
	flagSet.Parse(args)

	clientCfg.ServerURL = *serverURL
	clientCfg.Identity = room.Identity(*identity).Normalize()
	clientCfg.Role = protocol.Role(strings.ToLower(*role))
	clientCfg.Token = *token
	clientCfg.LogLevel = *logLevel
	clientCfg.LogFile = *logFile

	relayCfg := app.RelayConfig{
		Addr:         *addr,
		DBPath:       *db,
		NATSURL:      *natsURL,
		NATSPrefix:   *natsPrefix,
		HistoryLimit: *historyLimit,
		Env:          clientCfg.Env,
		LogLevel:     *logLevel,
	}

	level := *logLevel
	if *quiet {
		level = "error"
	}
	logger := obs.NewLogger(relayCfg.Env, level, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch mode {
	case modeRelay:
		err = runRelayMode(ctx, relayCfg, logger)
	case modeToken:
		err = runTokenMode(ctx, relayCfg, clientCfg, *name)
	case modeLocal:
		err = runLocalMode(ctx, relayCfg, clientCfg, *name, logger)
	default:
		err = app.RunClient(ctx, clientCfg)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "garagechat: %v\n", err)
		os.Exit(1)
	}
}

func runRelayMode(ctx context.Context, cfg app.RelayConfig, logger *slog.Logger) error {
	handle, err := app.RunRelay(ctx, cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("relay listening", "addr", handle.Addr(), "db", cfg.DBPath, "nats", cfg.NATSURL != "")
	return handle.Wait()
}

// runTokenMode registers a participant in the relay database and prints a
// token for them.
func runTokenMode(ctx context.Context, relayCfg app.RelayConfig, clientCfg app.ClientConfig, name string) error {
	if err := relayCfg.Validate(); err != nil {
		return err
	}
	store, err := app.OpenStore(ctx, relayCfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	token, err := app.IssueParticipantToken(ctx, store, participant(clientCfg, name))
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// runLocalMode starts a private relay, signs the participant in and launches
// the client against it.
func runLocalMode(ctx context.Context, relayCfg app.RelayConfig, clientCfg app.ClientConfig, name string, logger *slog.Logger) error {
	// The TUI takes over the terminal once it starts.
	handle, err := app.RunRelay(ctx, relayCfg, obs.Discard())
	if err != nil {
		return err
	}
	defer stopRelay(handle)

	logger.Info("starting local relay", "addr", handle.Addr(), "db", relayCfg.DBPath)
	if err := waitForServer(handle.Addr(), 5*time.Second); err != nil {
		return err
	}

	if clientCfg.Token == "" {
		token, err := app.IssueParticipantToken(ctx, handle.Store(), participant(clientCfg, name))
		if err != nil {
			return err
		}
		clientCfg.Token = token
	}
	clientCfg.ServerURL = buildWebsocketURL(handle.Addr())

	if err := app.RunClient(ctx, clientCfg); err != nil {
		return err
	}
	stopRelay(handle)
	return handle.Wait()
}

func participant(cfg app.ClientConfig, name string) storage.Participant {
	if name == "" {
		name = cfg.Identity.String()
	}
	return storage.Participant{ID: cfg.Identity, Role: cfg.Role, Name: name}
}

func waitForServer(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("relay did not become ready: %w", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func buildWebsocketURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "ws://" + addr
	}
	return "ws://" + net.JoinHostPort(host, port)
}

func parseMode(args []string) (string, []string) {
	if len(args) == 0 {
		return modeClient, args
	}
	switch strings.ToLower(args[0]) {
	case modeRelay, modeClient, modeLocal, modeToken, modeVer:
		return strings.ToLower(args[0]), args[1:]
	case "server":
		return modeRelay, args[1:]
	}
	return modeClient, args
}

func defaultAddrForMode(mode string) string {
	if mode == modeLocal {
		return "127.0.0.1:0"
	}
	return ":8080"
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func stopRelay(handle *app.RelayHandle) {
	if handle == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = handle.Stop(shutdownCtx)
}
