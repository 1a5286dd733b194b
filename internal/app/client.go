package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"garagechat/internal/chat"
	"garagechat/internal/obs"
	"garagechat/internal/tui"
)

// RunClient opens a chat session and runs the TUI until the user quits or
// ctx is cancelled.
func RunClient(ctx context.Context, cfg ClientConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, closeLog, err := clientLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	session := chat.NewSession(chat.SessionConfig{
		Identity: cfg.Identity,
		Role:     cfg.Role,
		Token:    cfg.Token,
		Dedupe:   cfg.Dedupe,
		Options: chat.Options{
			BaseURL: cfg.ServerURL,
			Backoff: cfg.Backoff,
			Logger:  logger,
		},
	})
	defer session.Close()

	program := tea.NewProgram(tui.NewModel(session, cfg.ServerURL), tea.WithAltScreen(), tea.WithContext(ctx))
	tui.Attach(session, program.Send)
	if err := session.Start(); err != nil {
		return err
	}
	if _, err := program.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// The TUI owns the terminal, so client logs go to a file or nowhere.
func clientLogger(cfg ClientConfig) (*slog.Logger, func(), error) {
	if cfg.LogFile == "" {
		return obs.Discard(), func() {}, nil
	}
	file, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	logger := obs.NewLogger(cfg.Env, cfg.LogLevel, file).With("identity", cfg.Identity.String())
	return logger, func() { _ = file.Close() }, nil
}
