package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"garagechat/internal/obs"
	"garagechat/internal/relay"
	"garagechat/internal/storage"
)

const shutdownTimeout = 5 * time.Second

// RelayHandle represents a running relay instance.
type RelayHandle struct {
	addr   string
	server *http.Server
	relay  *relay.Server
	store  *storage.Store
	logger *slog.Logger
	done   chan struct{}
	err    error
}

// Addr returns the actual listen address (after the OS allocated a port).
func (h *RelayHandle) Addr() string {
	return h.addr
}

// Store exposes the relay's database, e.g. to issue tokens in local mode.
func (h *RelayHandle) Store() *storage.Store {
	return h.store
}

// Stop triggers a graceful shutdown with the provided context deadline.
func (h *RelayHandle) Stop(ctx context.Context) error {
	if h == nil || h.server == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
	}
	return h.server.Shutdown(ctx)
}

// Wait blocks until the relay exits.
func (h *RelayHandle) Wait() error {
	if h == nil {
		return nil
	}
	<-h.done
	return h.err
}

// OpenStore opens and migrates the SQLite database at path.
func OpenStore(ctx context.Context, path string) (*storage.Store, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	store, err := storage.NewStore(path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

// RunRelay opens the store, picks the fanout and starts serving in the
// background. Call Stop/Wait to manage its lifecycle.
func RunRelay(ctx context.Context, cfg RelayConfig, logger *slog.Logger) (*RelayHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = obs.Discard()
	}

	store, err := OpenStore(context.Background(), cfg.DBPath)
	if err != nil {
		return nil, err
	}

	var fanout relay.Fanout = relay.NewMemoryFanout()
	if cfg.NATSURL != "" {
		natsFanout, err := relay.DialNATS(cfg.NATSURL, cfg.NATSPrefix)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		fanout = natsFanout
		logger.Info("using NATS fanout", "url", cfg.NATSURL)
	}

	srv, err := relay.NewServer(relay.Config{
		Store:        store,
		Auth:         relay.TokenAuthenticator{Tokens: store},
		Fanout:       fanout,
		Logger:       logger,
		HistoryLimit: cfg.HistoryLimit,
	})
	if err != nil {
		_ = fanout.Close()
		_ = store.Close()
		return nil, err
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		_ = srv.Close()
		_ = store.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}

	handle := &RelayHandle{
		addr:   listener.Addr().String(),
		server: &http.Server{Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second},
		relay:  srv,
		store:  store,
		logger: logger,
		done:   make(chan struct{}),
	}

	go func() {
		if ctx == nil {
			return
		}
		select {
		case <-ctx.Done():
		case <-handle.done:
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := handle.server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("relay shutdown error", "error", err)
		}
	}()

	go handle.serve(listener)

	return handle, nil
}

func (h *RelayHandle) serve(listener net.Listener) {
	defer close(h.done)
	err := h.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	if err := h.relay.Close(); err != nil {
		h.logger.Warn("fanout close error", "error", err)
	}
	if err := h.store.Close(); err != nil {
		h.logger.Warn("store close error", "error", err)
	}
	h.err = err
}
