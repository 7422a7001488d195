package durable

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJetStreamPublisher(t *testing.T) {
	t.Run("Config defaults", func(t *testing.T) {
		p, err := NewJetStreamPublisher(JetStreamConfig{
			URL:        "nats://localhost:4222",
			StreamName: "telemetry",
		}, zerolog.Nop())
		require.NoError(t, err)

		assert.Equal(t, []string{"telemetry.>"}, p.cfg.StreamSubjects)
		assert.Equal(t, 5*time.Second, p.cfg.ConnectTimeout)
		assert.Equal(t, 10*time.Second, p.cfg.DrainTimeout)
	})

	t.Run("Explicit subjects are kept", func(t *testing.T) {
		p, err := NewJetStreamPublisher(JetStreamConfig{
			URL:            "nats://localhost:4222",
			StreamName:     "telemetry",
			StreamSubjects: []string{"telemetry.raw.>", "telemetry.events.>"},
		}, zerolog.Nop())
		require.NoError(t, err)

		assert.Equal(t, []string{"telemetry.raw.>", "telemetry.events.>"}, p.cfg.StreamSubjects)
	})

	t.Run("Missing URL or stream name is rejected", func(t *testing.T) {
		_, err := NewJetStreamPublisher(JetStreamConfig{StreamName: "telemetry"}, zerolog.Nop())
		require.Error(t, err)

		_, err = NewJetStreamPublisher(JetStreamConfig{URL: "nats://localhost:4222"}, zerolog.Nop())
		require.Error(t, err)
	})
}

func TestJetStreamPublisherUnconnected(t *testing.T) {
	p, err := NewJetStreamPublisher(JetStreamConfig{
		URL:        "nats://localhost:4222",
		StreamName: "telemetry",
	}, zerolog.Nop())
	require.NoError(t, err)

	assert.False(t, p.IsConnected())
	assert.Nil(t, p.Conn())
	require.Error(t, p.PublishBatch(context.Background(), []Message{{Subject: "telemetry.raw.x"}}))
	assert.NoError(t, p.Close(context.Background()), "closing a never-connected publisher is a no-op")
}

func TestNewGooglePubsubPublisher(t *testing.T) {
	t.Run("Config defaults", func(t *testing.T) {
		p, err := NewGooglePubsubPublisher(GooglePubsubConfig{
			ProjectID: "project-1",
			TopicID:   "telemetry",
		}, zerolog.Nop())
		require.NoError(t, err)

		assert.Equal(t, 15*time.Second, p.cfg.TopicExistsTimeout)
		assert.Equal(t, 20*time.Second, p.cfg.PublishConfirmationTimeout)
	})

	t.Run("Missing identifiers are rejected", func(t *testing.T) {
		_, err := NewGooglePubsubPublisher(GooglePubsubConfig{TopicID: "telemetry"}, zerolog.Nop())
		require.Error(t, err)

		_, err = NewGooglePubsubPublisher(GooglePubsubConfig{ProjectID: "project-1"}, zerolog.Nop())
		require.Error(t, err)
	})
}

func TestGooglePubsubPublisherUnconnected(t *testing.T) {
	p, err := NewGooglePubsubPublisher(GooglePubsubConfig{
		ProjectID: "project-1",
		TopicID:   "telemetry",
	}, zerolog.Nop())
	require.NoError(t, err)

	assert.False(t, p.IsConnected())
	require.Error(t, p.PublishBatch(context.Background(), []Message{{Subject: "telemetry.raw.x"}}))
	assert.NoError(t, p.Close(context.Background()))
}
