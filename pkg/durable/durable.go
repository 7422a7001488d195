// Package durable defines the outbound message type and the batch publisher
// contract for the append-only log the bridge feeds. Implementations exist
// for NATS JetStream (primary) and Google Pub/Sub.
package durable

import "context"

// Message is one outbound durable-log message. It is built once per inbound
// message and immutable after construction.
type Message struct {
	// Subject is the hierarchical channel name, e.g. "telemetry.raw.<deviceId>".
	Subject string
	// Data is the serialized canonical envelope.
	Data []byte
	// Headers carry per-message metadata for downstream consumers.
	Headers map[string]string
}

// BatchPublisher is the contract the bridge requires from a durable-log
// transport. PublishBatch is all-or-nothing per call: a returned error means
// the whole batch must be treated as unpublished.
type BatchPublisher interface {
	Connect(ctx context.Context) error
	PublishBatch(ctx context.Context, batch []Message) error
	IsConnected() bool
	Close(ctx context.Context) error
}
