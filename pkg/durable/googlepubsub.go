package durable

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
)

// GooglePubsubConfig holds settings for the Pub/Sub durable-log
// implementation, used by deployments already running on Google Cloud.
type GooglePubsubConfig struct {
	ProjectID string
	TopicID   string

	TopicExistsTimeout         time.Duration
	PublishConfirmationTimeout time.Duration
}

// GooglePubsubPublisher publishes batches to a single Pub/Sub topic. The
// hierarchical subject travels as a message attribute since Pub/Sub has no
// per-message subject.
type GooglePubsubPublisher struct {
	cfg    GooglePubsubConfig
	logger zerolog.Logger
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewGooglePubsubPublisher validates the config; Connect creates the client.
func NewGooglePubsubPublisher(cfg GooglePubsubConfig, logger zerolog.Logger) (*GooglePubsubPublisher, error) {
	if cfg.ProjectID == "" || cfg.TopicID == "" {
		return nil, fmt.Errorf("project ID and topic ID are required")
	}
	if cfg.TopicExistsTimeout <= 0 {
		cfg.TopicExistsTimeout = 15 * time.Second
	}
	if cfg.PublishConfirmationTimeout <= 0 {
		cfg.PublishConfirmationTimeout = 20 * time.Second
	}
	return &GooglePubsubPublisher{
		cfg:    cfg,
		logger: logger.With().Str("component", "GooglePubsubPublisher").Str("topic_id", cfg.TopicID).Logger(),
	}, nil
}

// Connect creates the client and verifies the topic exists.
func (p *GooglePubsubPublisher) Connect(ctx context.Context) error {
	client, err := pubsub.NewClient(ctx, p.cfg.ProjectID)
	if err != nil {
		return fmt.Errorf("create pubsub client: %w", err)
	}

	topic := client.Topic(p.cfg.TopicID)
	existsCtx, cancel := context.WithTimeout(ctx, p.cfg.TopicExistsTimeout)
	defer cancel()
	exists, err := topic.Exists(existsCtx)
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("check topic %s: %w", p.cfg.TopicID, err)
	}
	if !exists {
		_ = client.Close()
		return fmt.Errorf("pubsub topic %s does not exist", p.cfg.TopicID)
	}

	p.client = client
	p.topic = topic
	p.logger.Info().Msg("Connected to Google Pub/Sub.")
	return nil
}

// PublishBatch publishes every message and then waits for each result; the
// first failed confirmation fails the whole batch.
func (p *GooglePubsubPublisher) PublishBatch(ctx context.Context, batch []Message) error {
	if p.topic == nil {
		return fmt.Errorf("not connected to pubsub")
	}
	if len(batch) == 0 {
		return nil
	}

	results := make([]*pubsub.PublishResult, 0, len(batch))
	for i := range batch {
		attrs := make(map[string]string, len(batch[i].Headers)+1)
		for k, v := range batch[i].Headers {
			attrs[k] = v
		}
		attrs["subject"] = batch[i].Subject
		results = append(results, p.topic.Publish(ctx, &pubsub.Message{
			Data:       batch[i].Data,
			Attributes: attrs,
		}))
	}

	confirmCtx, cancel := context.WithTimeout(ctx, p.cfg.PublishConfirmationTimeout)
	defer cancel()
	for i, res := range results {
		if _, err := res.Get(confirmCtx); err != nil {
			return fmt.Errorf("batch message %d (%s) not confirmed: %w", i, batch[i].Subject, err)
		}
	}
	return nil
}

// IsConnected reports whether Connect has succeeded.
func (p *GooglePubsubPublisher) IsConnected() bool {
	return p.client != nil
}

// Close flushes the topic and closes the client.
func (p *GooglePubsubPublisher) Close(ctx context.Context) error {
	if p.client == nil {
		return nil
	}

	stopDone := make(chan struct{})
	go func() {
		p.topic.Stop()
		close(stopDone)
	}()
	select {
	case <-stopDone:
	case <-ctx.Done():
		p.logger.Warn().Err(ctx.Err()).Msg("Timeout flushing Pub/Sub topic on close.")
	}

	err := p.client.Close()
	p.client = nil
	p.topic = nil
	p.logger.Info().Msg("Pub/Sub publisher closed.")
	return err
}
