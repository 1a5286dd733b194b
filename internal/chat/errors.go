package chat

import (
	"errors"
	"fmt"
	"net/url"
)

var (
	// ErrMissingIdentity, ErrMissingToken and ErrMissingRoom are caller
	// contract violations reported before any connection attempt.
	ErrMissingIdentity = errors.New("chat: identity is required")
	ErrMissingToken    = errors.New("chat: auth token is required")
	ErrMissingRoom     = errors.New("chat: conversation peer is required")

	// ErrSendRejected is returned by Send while the channel is not OPEN.
	ErrSendRejected = errors.New("chat: send rejected, channel not open")
	// ErrEmptyContent is returned by Send for blank messages.
	ErrEmptyContent = errors.New("chat: message is empty")

	ErrClosed           = errors.New("chat: channel closed")
	ErrAlreadyOpen      = errors.New("chat: channel already open")
	ErrRetriesExhausted = errors.New("chat: reconnect attempts exhausted")
	// ErrRelayNotice wraps error frames sent by the relay.
	ErrRelayNotice = errors.New("chat: relay notice")
)

// ConnectionError reports a failure to establish (or re-establish) a channel.
type ConnectionError struct {
	Op       string
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Endpoint == "" {
		return fmt.Sprintf("chat: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("chat: %s %s: %v", e.Op, e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// redact strips the bearer token from an endpoint before it reaches logs or
// error messages.
func redact(endpoint string) string {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "<invalid endpoint>"
	}
	q := parsed.Query()
	if q.Has("token") {
		q.Set("token", "REDACTED")
		parsed.RawQuery = q.Encode()
	}
	return parsed.String()
}

func relayNotice(reason string) error {
	if reason == "" {
		return ErrRelayNotice
	}
	return fmt.Errorf("%w: %s", ErrRelayNotice, reason)
}
