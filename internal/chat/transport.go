package chat

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"garagechat/internal/obs"
	"garagechat/internal/room"
)

const (
	DefaultListPath   = "/ws/rooms"
	DefaultDetailPath = "/ws/chat"
)

// Conn is the slice of *websocket.Conn the channels rely on.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a persistent socket to an endpoint.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
}

func (d WebsocketDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	if dialer.HandshakeTimeout <= 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}
	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, err
	}
	return conn, nil
}

// Options configure how channels reach the relay.
type Options struct {
	// BaseURL is the relay's ws:// or wss:// origin, e.g. ws://localhost:8080.
	BaseURL    string
	ListPath   string
	DetailPath string
	Dialer     Dialer
	Backoff    Backoff
	Scheduler  Scheduler
	Logger     *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.ListPath == "" {
		o.ListPath = DefaultListPath
	}
	if o.DetailPath == "" {
		o.DetailPath = DefaultDetailPath
	}
	if o.Dialer == nil {
		o.Dialer = WebsocketDialer{}
	}
	if o.Scheduler == nil {
		o.Scheduler = clockScheduler{}
	}
	if o.Logger == nil {
		o.Logger = obs.Discard()
	}
	return o
}

// The token travels as a connection parameter; browsers and most socket
// clients cannot set headers on the upgrade request.
func (o Options) listEndpoint(identity room.Identity, token string) (string, error) {
	return buildEndpoint(o.BaseURL, o.ListPath, url.Values{
		"identity": {identity.String()},
		"token":    {token},
	})
}

func (o Options) detailEndpoint(roomID room.RoomID, token string) (string, error) {
	return buildEndpoint(o.BaseURL, o.DetailPath, url.Values{
		"room":  {roomID.String()},
		"token": {token},
	})
}

func buildEndpoint(base, path string, params url.Values) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return "", fmt.Errorf("invalid scheme for websocket: %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("relay url %q has no host", base)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + path
	query := parsed.Query()
	for key, values := range params {
		for _, v := range values {
			query.Set(key, v)
		}
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
