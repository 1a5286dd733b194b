package relay

import (
	"context"
	"errors"
	"strings"

	"garagechat/internal/room"
)

//go:generate mockgen -destination=mock/auth.go -package=mock garagechat/internal/relay Authenticator

// ErrUnauthorized is returned for unknown or empty tokens.
var ErrUnauthorized = errors.New("relay: unauthorized")

// Authenticator resolves a connection token to the identity it was issued to.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (room.Identity, error)
}

// TokenSource is the storage lookup behind TokenAuthenticator.
type TokenSource interface {
	IdentityForToken(ctx context.Context, token string) (room.Identity, error)
}

// TokenAuthenticator checks tokens against the relay's token table.
type TokenAuthenticator struct {
	Tokens TokenSource
}

func (a TokenAuthenticator) Authenticate(ctx context.Context, token string) (room.Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrUnauthorized
	}
	identity, err := a.Tokens.IdentityForToken(ctx, token)
	if err != nil {
		return "", err
	}
	if identity.IsZero() {
		return "", ErrUnauthorized
	}
	return identity, nil
}
