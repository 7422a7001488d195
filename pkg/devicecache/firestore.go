package devicecache

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
)

// FirestoreConfig holds settings for a Firestore-backed device registry.
// Suitable for low-volume deployments that keep device documents in
// Firestore rather than a relational store.
type FirestoreConfig struct {
	ProjectID      string
	CollectionName string
}

// FirestoreLoader reads every device document from one collection.
type FirestoreLoader struct {
	client     *firestore.Client
	collection string
	logger     zerolog.Logger
}

// NewFirestoreLoader wraps an injected Firestore client. The client's
// lifecycle is managed by the caller.
func NewFirestoreLoader(cfg FirestoreConfig, client *firestore.Client, logger zerolog.Logger) (*FirestoreLoader, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if cfg.CollectionName == "" {
		cfg.CollectionName = "devices"
	}
	logger.Info().Str("project_id", cfg.ProjectID).Str("collection", cfg.CollectionName).Msg("FirestoreLoader initialized.")
	return &FirestoreLoader{
		client:     client,
		collection: cfg.CollectionName,
		logger:     logger.With().Str("component", "FirestoreLoader").Logger(),
	}, nil
}

// LoadAll iterates the whole collection.
func (l *FirestoreLoader) LoadAll(ctx context.Context) ([]DeviceMapping, error) {
	iter := l.client.Collection(l.collection).Documents(ctx)
	defer iter.Stop()

	var mappings []DeviceMapping
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate collection %s: %w", l.collection, err)
		}
		var m DeviceMapping
		if err := doc.DataTo(&m); err != nil {
			l.logger.Warn().Err(err).Str("doc", doc.Ref.ID).Msg("Skipping malformed device document.")
			continue
		}
		if m.DevEUI == "" {
			m.DevEUI = doc.Ref.ID
		}
		mappings = append(mappings, m)
	}
	l.logger.Debug().Int("documents", len(mappings)).Msg("Loaded device mappings from Firestore.")
	return mappings, nil
}

// Close is a no-op; the injected client is closed by its owner.
func (l *FirestoreLoader) Close() error {
	return nil
}
