package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-iot-bridge/pkg/devicecache"
	"github.com/illmade-knight/go-iot-bridge/pkg/durable"
	"github.com/illmade-knight/go-iot-bridge/pkg/mqttclient"
)

// fakePublisher records batches, can be told to fail, and can block publishes
// until released.
type fakePublisher struct {
	mu         sync.Mutex
	batches    [][]durable.Message
	publishErr error
	blockOn    chan struct{}
	connected  bool
	closed     bool
}

func (p *fakePublisher) Connect(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = true
	return nil
}

func (p *fakePublisher) PublishBatch(_ context.Context, msgs []durable.Message) error {
	p.mu.Lock()
	block := p.blockOn
	p.mu.Unlock()
	if block != nil {
		<-block
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.publishErr != nil {
		return p.publishErr
	}
	batch := make([]durable.Message, len(msgs))
	copy(batch, msgs)
	p.batches = append(p.batches, batch)
	return nil
}

func (p *fakePublisher) failWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.publishErr = err
}

func (p *fakePublisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *fakePublisher) Close(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	p.closed = true
	return nil
}

func (p *fakePublisher) batchCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.batches)
}

func (p *fakePublisher) batch(i int) []durable.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.batches[i]
}

func newTestService(t *testing.T, cfg Config) (*Service, *fakePublisher) {
	t.Helper()
	if len(cfg.Topics) == 0 {
		cfg.Topics = []string{"application/#"}
	}

	mqttClient, err := mqttclient.New(&mqttclient.Config{BrokerURL: "tcp://127.0.0.1:1883"}, zerolog.Nop())
	require.NoError(t, err)
	cache, err := devicecache.New(devicecache.Config{}, &devicecache.StaticLoader{}, zerolog.Nop())
	require.NoError(t, err)

	publisher := &fakePublisher{}
	service, err := NewService(cfg, mqttClient, publisher, cache, NewMetrics(nil), zerolog.Nop())
	require.NoError(t, err)
	return service, publisher
}

func testMessages(n int) []durable.Message {
	msgs := make([]durable.Message, n)
	for i := range msgs {
		msgs[i] = durable.Message{
			Subject: fmt.Sprintf("telemetry.raw.device-%03d", i),
			Data:    []byte(fmt.Sprintf(`{"seq": %d}`, i)),
		}
	}
	return msgs
}

func TestServiceBatching(t *testing.T) {
	t.Run("Reaching the batch size triggers a flush", func(t *testing.T) {
		// Arrange
		service, publisher := newTestService(t, Config{BatchSize: 100})
		msgs := testMessages(100)

		// Act: one short of the batch size must not publish.
		for _, msg := range msgs[:99] {
			service.Enqueue(msg)
		}
		assert.Zero(t, publisher.batchCount())
		assert.Equal(t, 99, service.QueueLen())

		service.Enqueue(msgs[99])

		// Assert
		require.Eventually(t, func() bool {
			return publisher.batchCount() == 1
		}, 2*time.Second, 10*time.Millisecond)
		batch := publisher.batch(0)
		require.Len(t, batch, 100)
		for i, msg := range batch {
			assert.Equal(t, msgs[i].Subject, msg.Subject, "enqueue order must be preserved")
		}
		assert.Zero(t, service.QueueLen())
		assert.Equal(t, uint64(100), service.metrics.Snapshot().Published)
	})

	t.Run("A blocked publish does not stall intake", func(t *testing.T) {
		// Arrange
		service, publisher := newTestService(t, Config{BatchSize: 2})
		release := make(chan struct{})
		publisher.blockOn = release
		msgs := testMessages(3)

		// Act: the second message triggers a flush that hangs in the
		// publisher; enqueuing must keep returning regardless.
		intakeDone := make(chan struct{})
		go func() {
			for _, msg := range msgs {
				service.Enqueue(msg)
			}
			close(intakeDone)
		}()

		// Assert
		select {
		case <-intakeDone:
		case <-time.After(time.Second):
			t.Fatal("intake blocked behind the in-flight publish")
		}

		close(release)
		require.Eventually(t, func() bool {
			return publisher.batchCount() >= 1
		}, 2*time.Second, 10*time.Millisecond)
		published := 0
		for i := 0; i < publisher.batchCount(); i++ {
			published += len(publisher.batch(i))
		}
		assert.Equal(t, 3, published+service.QueueLen(), "no message may be lost or duplicated")
	})

	t.Run("The flush timer drains a partial batch in order", func(t *testing.T) {
		// Arrange
		service, publisher := newTestService(t, Config{BatchSize: 100, FlushInterval: 20 * time.Millisecond})
		service.wg.Add(1)
		go service.flushLoop()
		t.Cleanup(func() { _ = service.Stop(context.Background()) })

		// Act
		for _, msg := range testMessages(3) {
			service.Enqueue(msg)
		}

		// Assert
		require.Eventually(t, func() bool {
			return publisher.batchCount() == 1
		}, 2*time.Second, 10*time.Millisecond)
		batch := publisher.batch(0)
		require.Len(t, batch, 3)
		assert.Equal(t, "telemetry.raw.device-000", batch[0].Subject)
		assert.Equal(t, "telemetry.raw.device-002", batch[2].Subject)
		assert.Zero(t, service.QueueLen())
	})

	t.Run("Flushing an empty queue is a no-op", func(t *testing.T) {
		service, publisher := newTestService(t, Config{})

		service.Flush(context.Background())

		assert.Zero(t, publisher.batchCount())
	})
}

func TestServiceFlushFailure(t *testing.T) {
	// Arrange
	service, publisher := newTestService(t, Config{BatchSize: 5})
	publisher.failWith(errors.New("stream unavailable"))

	// Act: the fifth message triggers the flush, which fails.
	for _, msg := range testMessages(5) {
		service.Enqueue(msg)
	}

	// Assert: the batch is discarded, not retried.
	require.Eventually(t, func() bool {
		return service.metrics.Snapshot().Failed == 5
	}, 2*time.Second, 10*time.Millisecond)
	snap := service.metrics.Snapshot()
	assert.Zero(t, snap.Published)
	assert.Zero(t, service.QueueLen())
	assert.Zero(t, publisher.batchCount())

	// A later flush with a healthy publisher succeeds independently.
	publisher.failWith(nil)
	service.Enqueue(durable.Message{Subject: "telemetry.raw.device-recovered", Data: []byte(`{}`)})
	service.Flush(context.Background())

	require.Equal(t, 1, publisher.batchCount())
	assert.Equal(t, uint64(1), service.metrics.Snapshot().Published)
}

func TestServiceStop(t *testing.T) {
	t.Run("Stop flushes the remaining queue and closes the transports", func(t *testing.T) {
		// Arrange
		service, publisher := newTestService(t, Config{BatchSize: 100})
		service.Enqueue(durable.Message{Subject: "telemetry.raw.device-000", Data: []byte(`{}`)})
		require.NoError(t, publisher.Connect(context.Background()))

		// Act
		require.NoError(t, service.Stop(context.Background()))

		// Assert
		assert.Equal(t, StateStopped, service.State())
		require.Equal(t, 1, publisher.batchCount())
		assert.True(t, publisher.closed)
		assert.Zero(t, service.QueueLen())
	})

	t.Run("Stop is idempotent", func(t *testing.T) {
		service, publisher := newTestService(t, Config{})

		require.NoError(t, service.Stop(context.Background()))
		require.NoError(t, service.Stop(context.Background()))

		assert.Equal(t, StateStopped, service.State())
		assert.True(t, publisher.closed)
	})
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopping", StateStopping.String())
	assert.Equal(t, "unknown", State(99).String())
}
