package pubsub_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	gcppubsub "cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"

	"github.com/xiaoluflow/notecrawler/internal/publisher/pubsub"
)

// newEmulator starts an in-process Pub/Sub server and points the client
// libraries at it for the duration of the test.
func newEmulator(t *testing.T) *pstest.Server {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() {
		if err := srv.Close(); err != nil {
			t.Errorf("close pstest server: %v", err)
		}
	})
	t.Setenv("PUBSUB_EMULATOR_HOST", srv.Addr)
	return srv
}

func TestPublishDeliversJSONPayload(t *testing.T) {
	newEmulator(t)
	ctx := context.Background()

	client, err := gcppubsub.NewClient(ctx, "test-project")
	require.NoError(t, err)

	topic, err := client.CreateTopic(ctx, "note-events")
	require.NoError(t, err)
	sub, err := client.CreateSubscription(ctx, "note-events-sub", gcppubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)

	p := pubsub.New(client)

	payload := map[string]string{
		"event":   "note_saved",
		"note_id": "65f1a2b3c4",
		"keyword": "美食",
	}
	id, err := p.Publish(ctx, "note-events", payload)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	msgCh := make(chan *gcppubsub.Message, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sub.Receive(rctx, func(_ context.Context, m *gcppubsub.Message) {
			m.Ack()
			select {
			case msgCh <- m:
			default:
			}
			cancel()
		})
	}()

	select {
	case msg := <-msgCh:
		var got map[string]string
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		require.Equal(t, payload, got)
	case <-rctx.Done():
		t.Fatal("message was not delivered")
	}
	<-done

	require.NoError(t, p.Close())
}

func TestPublishValidation(t *testing.T) {
	newEmulator(t)
	ctx := context.Background()

	t.Run("NotConfigured", func(t *testing.T) {
		var p *pubsub.Publisher
		_, err := p.Publish(ctx, "note-events", "payload")
		require.ErrorContains(t, err, "not configured")
	})

	client, err := gcppubsub.NewClient(ctx, "test-project")
	require.NoError(t, err)
	p := pubsub.New(client)
	t.Cleanup(func() {
		if err := p.Close(); err != nil {
			t.Errorf("close publisher: %v", err)
		}
	})

	t.Run("MissingTopic", func(t *testing.T) {
		_, err := p.Publish(ctx, "", "payload")
		require.ErrorContains(t, err, "topic is required")
	})

	t.Run("UnmarshalablePayload", func(t *testing.T) {
		_, err := p.Publish(ctx, "note-events", make(chan int))
		require.ErrorContains(t, err, "marshal payload")
	})
}

func TestConnect(t *testing.T) {
	t.Run("MissingProject", func(t *testing.T) {
		_, err := pubsub.Connect(context.Background(), pubsub.Config{Topic: "note-events"})
		require.ErrorContains(t, err, "project id is required")
	})

	t.Run("MissingTopic", func(t *testing.T) {
		_, err := pubsub.Connect(context.Background(), pubsub.Config{ProjectID: "test-project"})
		require.ErrorContains(t, err, "topic is required")
	})

	t.Run("TopicDoesNotExist", func(t *testing.T) {
		newEmulator(t)
		_, err := pubsub.Connect(context.Background(), pubsub.Config{
			ProjectID: "test-project",
			Topic:     "missing-topic",
		})
		require.ErrorContains(t, err, "does not exist")
	})

	t.Run("TopicExists", func(t *testing.T) {
		newEmulator(t)
		ctx := context.Background()

		admin, err := gcppubsub.NewClient(ctx, "test-project")
		require.NoError(t, err)
		_, err = admin.CreateTopic(ctx, "note-events")
		require.NoError(t, err)
		require.NoError(t, admin.Close())

		p, err := pubsub.Connect(ctx, pubsub.Config{
			ProjectID: "test-project",
			Topic:     "note-events",
		})
		require.NoError(t, err)

		id, err := p.Publish(ctx, "note-events", map[string]string{"event": "job_completed"})
		require.NoError(t, err)
		require.NotEmpty(t, id)

		require.NoError(t, p.Close())
	})
}
