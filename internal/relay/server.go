// Package relay is the message relay the chat clients talk to: it
// authenticates websocket subscribers, persists messages and pushes list
// snapshots, history replays and live messages.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"garagechat/internal/obs"
	"garagechat/internal/protocol"
	"garagechat/internal/room"
	"garagechat/internal/storage"
)

const (
	ListPath   = "/ws/rooms"
	DetailPath = "/ws/chat"

	storeTimeout = 5 * time.Second
)

// Store is the persistence the relay needs. *storage.Store implements it.
type Store interface {
	EnsureRoom(ctx context.Context, id room.RoomID) error
	History(ctx context.Context, id room.RoomID, limit int) ([]protocol.Message, error)
	MarkRead(ctx context.Context, id room.RoomID, identity room.Identity) error
	AppendMessage(ctx context.Context, msg storage.NewMessage) (protocol.Message, error)
	ListSummaries(ctx context.Context, identity room.Identity) ([]protocol.ConversationSummary, error)
}

// Config wires a Server. Store and Auth are required.
type Config struct {
	Store        Store
	Auth         Authenticator
	Fanout       Fanout
	Logger       *slog.Logger
	HistoryLimit int
	RateLimit    int
	RateWindow   time.Duration
}

type Server struct {
	store        Store
	auth         Authenticator
	fanout       Fanout
	hub          *Hub
	metrics      *Metrics
	presence     *PresenceTracker
	limiter      *RateLimiter
	logger       *slog.Logger
	historyLimit int
	upgrader     websocket.Upgrader
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("relay: store is required")
	}
	if cfg.Auth == nil {
		return nil, errors.New("relay: authenticator is required")
	}
	if cfg.Fanout == nil {
		cfg.Fanout = NewMemoryFanout()
	}
	if cfg.Logger == nil {
		cfg.Logger = obs.Discard()
	}
	logger := cfg.Logger.With("component", "relay")
	return &Server{
		store:        cfg.Store,
		auth:         cfg.Auth,
		fanout:       cfg.Fanout,
		hub:          NewHub(cfg.Fanout, logger),
		metrics:      NewMetrics(),
		presence:     NewPresenceTracker(),
		limiter:      NewRateLimiter(cfg.RateLimit, cfg.RateWindow),
		logger:       logger,
		historyLimit: cfg.HistoryLimit,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}, nil
}

// Handler routes the two websocket endpoints plus /metrics and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(ListPath, s.ServeList)
	mux.HandleFunc(DetailPath, s.ServeDetail)
	mux.Handle("/metrics", s.metrics)
	mux.HandleFunc("/healthz", s.HandleHealth)
	return mux
}

func (s *Server) Metrics() *Metrics { return s.metrics }

// Close releases the fanout.
func (s *Server) Close() error {
	return s.fanout.Close()
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

// authenticate resolves the token query parameter, writing the HTTP error
// itself on failure.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (room.Identity, bool) {
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	identity, err := s.auth.Authenticate(ctx, r.URL.Query().Get("token"))
	if err != nil {
		s.metrics.IncAuthFailure()
		if errors.Is(err, ErrUnauthorized) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return "", false
		}
		s.logger.Error("authentication failed", "error", err)
		http.Error(w, "authentication unavailable", http.StatusInternalServerError)
		return "", false
	}
	return identity.Normalize(), true
}

// ServeList streams conversation list snapshots for ?identity=.
func (s *Server) ServeList(w http.ResponseWriter, r *http.Request) {
	requested := room.Identity(r.URL.Query().Get("identity")).Normalize()
	if requested.IsZero() {
		http.Error(w, "missing identity query param", http.StatusBadRequest)
		return
	}
	identity, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if identity != requested {
		http.Error(w, "token does not belong to identity", http.StatusForbidden)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade error", "error", err)
		return
	}

	client := newClient(conn, identity, s.logger.With("endpoint", "list", "identity", identity.String()))
	topic, err := s.hub.join(listTopic(identity), client)
	if err != nil {
		s.logger.Error("join list topic", "error", err)
		_ = conn.Close()
		return
	}
	s.metrics.IncListConn()
	client.logger.Debug("list subscriber connected")

	if payload, err := s.snapshotFor(r.Context(), identity); err == nil {
		client.enqueue(payload)
	} else {
		client.logger.Error("initial snapshot", "error", err)
	}

	go client.writePump()
	go func() {
		defer func() {
			s.hub.leave(topic, client)
			client.closeSend()
			s.metrics.DecListConn()
			client.logger.Debug("list subscriber disconnected")
		}()
		client.readPump(nil)
	}()
}

// ServeDetail replays a room's history and relays its live messages.
func (s *Server) ServeDetail(w http.ResponseWriter, r *http.Request) {
	roomID := room.RoomID(strings.TrimSpace(r.URL.Query().Get("room")))
	if roomID == "" {
		http.Error(w, "missing room query param", http.StatusBadRequest)
		return
	}
	if _, _, err := roomID.Participants(); err != nil {
		http.Error(w, "invalid room", http.StatusBadRequest)
		return
	}
	identity, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if !roomID.Has(identity) {
		http.Error(w, "not a participant of this room", http.StatusForbidden)
		return
	}
	peer, _ := roomID.Other(identity)

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	if err := s.store.EnsureRoom(ctx, roomID); err != nil {
		s.logger.Error("ensure room", "room", roomID.String(), "error", err)
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade error", "error", err)
		return
	}
	client := newClient(conn, identity, s.logger.With("endpoint", "detail", "room", roomID.String(), "identity", identity.String()))
	topic, err := s.hub.join(roomTopic(roomID), client)
	if err != nil {
		s.logger.Error("join room topic", "error", err)
		_ = conn.Close()
		return
	}
	s.metrics.IncDetailConn()
	s.presence.Enter(roomID, identity)

	// History is read after joining so a message published in between is
	// either in the replay or delivered live after it.
	history, err := s.store.History(ctx, roomID, s.historyLimit)
	if err != nil {
		client.logger.Error("load history", "error", err)
		s.notify(client, "history unavailable")
	} else if payload, err := protocol.EncodeHistory(history); err == nil {
		client.enqueue(payload)
	}
	client.logger.Debug("detail subscriber connected", "history", len(history))
	if err := s.store.MarkRead(ctx, roomID, identity); err != nil {
		client.logger.Warn("mark read", "error", err)
	}
	s.publishList(identity)

	go client.writePump()
	go func() {
		defer func() {
			s.hub.leave(topic, client)
			client.closeSend()
			s.presence.Leave(roomID, identity)
			s.limiter.Forget(client.id)
			s.metrics.DecDetailConn()
			client.logger.Debug("detail subscriber disconnected")
		}()
		client.readPump(func(payload []byte) {
			s.handleSend(client, roomID, peer, payload)
		})
	}()
}

func (s *Server) handleSend(client *Client, roomID room.RoomID, peer room.Identity, payload []byte) {
	req, err := protocol.DecodeSend(payload)
	if err != nil {
		s.metrics.IncMalformed()
		client.logger.Warn("dropping malformed frame", "error", err)
		return
	}
	if !s.limiter.Allow(client.id) {
		s.metrics.IncRateLimited()
		s.notify(client, "You're sending messages too quickly. Please wait a moment and try again.")
		return
	}
	content := strings.TrimSpace(req.Message)
	if content == "" {
		s.notify(client, "message is empty")
		return
	}
	if receiver := req.Receiver.Normalize(); receiver != "" && receiver != peer {
		s.notify(client, "receiver is not part of this conversation")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	stored, err := s.store.AppendMessage(ctx, storage.NewMessage{
		Room:            roomID,
		Sender:          client.identity,
		Receiver:        peer,
		Content:         content,
		ReceiverPresent: s.presence.Present(roomID, peer),
	})
	if err != nil {
		client.logger.Error("persist message", "error", err)
		s.notify(client, "message could not be delivered")
		return
	}
	frame, err := protocol.EncodeLive(stored)
	if err != nil {
		client.logger.Error("encode message", "error", err)
		return
	}
	if err := s.fanout.Publish(roomTopic(roomID), frame); err != nil {
		client.logger.Error("publish message", "error", err)
		return
	}
	s.metrics.IncRelayed()
	s.publishList(client.identity)
	s.publishList(peer)
}

func (s *Server) notify(client *Client, reason string) {
	payload, err := protocol.EncodeError(reason)
	if err != nil {
		return
	}
	client.enqueue(payload)
}

func (s *Server) snapshotFor(ctx context.Context, identity room.Identity) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	summaries, err := s.store.ListSummaries(ctx, identity)
	if err != nil {
		return nil, err
	}
	return protocol.EncodeSnapshot(summaries)
}

// publishList pushes a fresh snapshot to every list subscriber of identity.
func (s *Server) publishList(identity room.Identity) {
	payload, err := s.snapshotFor(context.Background(), identity)
	if err != nil {
		s.logger.Error("build snapshot", "identity", identity.String(), "error", err)
		return
	}
	if err := s.fanout.Publish(listTopic(identity), payload); err != nil {
		s.logger.Error("publish snapshot", "identity", identity.String(), "error", err)
	}
}
