package events

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/bazaar-ml/bazaar/internal/db"
)

func testClient(topics ...string) *Client {
	return &Client{send: make(chan Message, sendBufferSize), topics: topics}
}

func receive(t *testing.T, c *Client) Message {
	t.Helper()
	select {
	case msg := <-c.send:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
		return Message{}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never held")
}

func TestHubRoutesStatusToSubscribedTopics(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	modelID := uuid.New()
	global := testClient("models")
	scoped := testClient("model:" + modelID.String())
	other := testClient("model:" + uuid.NewString())
	hub.Subscribe(global)
	hub.Subscribe(scoped)
	hub.Subscribe(other)
	waitFor(t, func() bool { return hub.ConnectedCount() == 3 })

	hub.PublishStatus(modelID, "deploy_status", db.StatusStarting, db.StatusComplete)

	msg := receive(t, global)
	require.Equal(t, "model.status", msg.Type)
	payload := msg.Payload.(StatusPayload)
	require.Equal(t, modelID.String(), payload.ModelID)
	require.Equal(t, "complete", payload.To)

	msg = receive(t, scoped)
	require.Equal(t, "model:"+modelID.String(), msg.Topic)

	require.Empty(t, other.send)
}

func TestHubShutdownClosesClients(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	client := testClient("models")
	hub.Subscribe(client)
	waitFor(t, func() bool { return hub.ConnectedCount() == 1 })

	cancel()
	select {
	case _, open := <-client.send:
		require.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("send channel not closed on shutdown")
	}
	require.Zero(t, hub.ConnectedCount())
}

func TestHubDisconnectsSlowClient(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	slow := &Client{send: make(chan Message), topics: []string{"models"}}
	hub.Subscribe(slow)
	waitFor(t, func() bool { return hub.ConnectedCount() == 1 })

	// Nothing drains slow's unbuffered channel, so the publish evicts it.
	hub.PublishStatus(uuid.New(), "train_status", db.StatusStarting, db.StatusInProgress)
	waitFor(t, func() bool { return hub.ConnectedCount() == 0 })
}
