package app

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"garagechat/internal/chat"
	"garagechat/internal/protocol"
	"garagechat/internal/storage"
)

func TestRunRelayServesSessions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handle, err := RunRelay(ctx, RelayConfig{
		Addr:   "127.0.0.1:0",
		DBPath: filepath.Join(t.TempDir(), "relay.db"),
	}, nil)
	require.NoError(t, err)

	resp, err := resty.New().SetBaseURL("http://" + handle.Addr()).R().Get("/healthz")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode())

	_, err = IssueParticipantToken(ctx, handle.Store(), storage.Participant{ID: "12", Role: protocol.RoleWorkshop, Name: "Brake Bros"})
	require.NoError(t, err)
	token, err := IssueParticipantToken(ctx, handle.Store(), storage.Participant{ID: "5", Role: protocol.RoleUser, Name: "Dana"})
	require.NoError(t, err)

	session := chat.NewSession(chat.SessionConfig{
		Identity: "5",
		Role:     protocol.RoleUser,
		Token:    token,
		Options:  chat.Options{BaseURL: "ws://" + handle.Addr()},
	})
	defer session.Close()

	var (
		mu         sync.Mutex
		transcript []protocol.Message
	)
	session.OnTranscriptChange(func(msgs []protocol.Message) {
		mu.Lock()
		transcript = msgs
		mu.Unlock()
	})
	require.NoError(t, session.Start())
	require.NoError(t, session.OpenConversation("12"))
	require.Eventually(t, func() bool { return session.DetailState() == chat.StateOpen }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, session.Send("  brakes squeal  "))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(transcript) == 1 && transcript[0].Content == "brakes squeal"
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		list := session.Summaries()
		return len(list) == 1 && list[0].LastMessage != nil && *list[0].LastMessage == "brakes squeal"
	}, 5*time.Second, 10*time.Millisecond)

	session.Close()
	cancel()
	select {
	case <-waitChan(handle):
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not stop after cancel")
	}
}

func TestIssueParticipantTokenRejectsBadRole(t *testing.T) {
	store, err := OpenStore(context.Background(), filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	defer store.Close()

	_, err = IssueParticipantToken(context.Background(), store, storage.Participant{ID: "5", Role: "mechanic"})
	assert.Error(t, err)
}

func waitChan(handle *RelayHandle) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- handle.Wait() }()
	return ch
}
