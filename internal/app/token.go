package app

import (
	"context"
	"fmt"

	"garagechat/internal/storage"
)

// IssueParticipantToken registers (or updates) a participant and issues a
// fresh relay token for them.
func IssueParticipantToken(ctx context.Context, store *storage.Store, p storage.Participant) (string, error) {
	if err := store.UpsertParticipant(ctx, p); err != nil {
		return "", fmt.Errorf("register participant: %w", err)
	}
	token, err := store.IssueToken(ctx, p.ID)
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	return token, nil
}
