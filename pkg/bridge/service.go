package bridge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-iot-bridge/pkg/devicecache"
	"github.com/illmade-knight/go-iot-bridge/pkg/durable"
	"github.com/illmade-knight/go-iot-bridge/pkg/mqttclient"
)

// State is the orchestrator lifecycle phase.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Config holds the orchestrator settings.
type Config struct {
	Router RouterConfig

	// Topics are the MQTT filters the bridge subscribes to.
	Topics []string
	QoS    byte

	// BatchSize triggers an immediate flush when the queue reaches it.
	BatchSize int
	// FlushInterval flushes whatever is queued regardless of size, bounding
	// worst-case end-to-end latency at low throughput.
	FlushInterval time.Duration
	// MetricsInterval controls the periodic counter snapshot log.
	MetricsInterval time.Duration
	// PublishTimeout bounds one batched publish call.
	PublishTimeout time.Duration

	// ProvisioningSubject optionally subscribes to mapping change events so
	// devices provisioned between refreshes become routable immediately.
	// Requires the durable transport to expose a NATS connection.
	ProvisioningSubject string
}

// natsConnProvider is satisfied by durable transports that can lend their
// NATS connection for auxiliary subscriptions.
type natsConnProvider interface {
	Conn() *nats.Conn
}

// Service owns the bridge lifecycle: it wires the transports, the cache and
// the router together, runs the flush and metrics timers, and manages the
// ordered queue of outbound messages.
type Service struct {
	cfg       Config
	mqtt      *mqttclient.Client
	publisher durable.BatchPublisher
	cache     *devicecache.Cache
	router    *Router
	metrics   *Metrics
	logger    zerolog.Logger

	queueMu sync.Mutex
	queue   []durable.Message

	state        atomic.Int32
	done         chan struct{}
	wg           sync.WaitGroup
	stopOnce     sync.Once
	provisioning *ProvisioningListener
}

// NewService assembles the orchestrator. All collaborators are injected;
// the router is constructed here with the service itself as its queue.
func NewService(
	cfg Config,
	mqttClient *mqttclient.Client,
	publisher durable.BatchPublisher,
	cache *devicecache.Cache,
	metrics *Metrics,
	logger zerolog.Logger,
) (*Service, error) {
	if mqttClient == nil || publisher == nil || cache == nil || metrics == nil {
		return nil, fmt.Errorf("mqtt client, publisher, cache and metrics cannot be nil")
	}
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("at least one subscription topic is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = time.Minute
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 15 * time.Second
	}

	s := &Service{
		cfg:       cfg,
		mqtt:      mqttClient,
		publisher: publisher,
		cache:     cache,
		metrics:   metrics,
		logger:    logger.With().Str("service", "Bridge").Logger(),
		queue:     make([]durable.Message, 0, cfg.BatchSize),
		done:      make(chan struct{}),
	}
	router, err := NewRouter(cfg.Router, cache, metrics, s, logger)
	if err != nil {
		return nil, err
	}
	s.router = router
	return s, nil
}

// State returns the current lifecycle phase.
func (s *Service) State() State {
	return State(s.state.Load())
}

// Start brings the bridge to Running: durable log first, then the identity
// cache, then the pub/sub subscription, then the timers. Any connection
// failure is fatal and leaves the service stopped.
func (s *Service) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return fmt.Errorf("bridge cannot start from state %s", s.State())
	}
	s.logger.Info().Msg("Starting bridge...")

	if err := s.publisher.Connect(ctx); err != nil {
		s.state.Store(int32(StateStopped))
		return fmt.Errorf("connect durable log: %w", err)
	}
	if err := s.cache.Start(ctx); err != nil {
		_ = s.publisher.Close(ctx)
		s.state.Store(int32(StateStopped))
		return fmt.Errorf("start device cache: %w", err)
	}
	if err := s.mqtt.Connect(ctx); err != nil {
		s.cache.Close()
		_ = s.publisher.Close(ctx)
		s.state.Store(int32(StateStopped))
		return fmt.Errorf("connect transport: %w", err)
	}
	if err := s.mqtt.Subscribe(s.cfg.Topics, s.cfg.QoS, s.router.Handle); err != nil {
		s.mqtt.Disconnect()
		s.cache.Close()
		_ = s.publisher.Close(ctx)
		s.state.Store(int32(StateStopped))
		return fmt.Errorf("subscribe: %w", err)
	}

	if s.cfg.ProvisioningSubject != "" {
		s.startProvisioningListener()
	}

	s.wg.Add(2)
	go s.flushLoop()
	go s.metricsLoop()

	s.state.Store(int32(StateRunning))
	s.logger.Info().
		Strs("topics", s.cfg.Topics).
		Int("batch_size", s.cfg.BatchSize).
		Dur("flush_interval", s.cfg.FlushInterval).
		Msg("Bridge running.")
	return nil
}

func (s *Service) startProvisioningListener() {
	provider, ok := s.publisher.(natsConnProvider)
	if !ok || provider.Conn() == nil {
		s.logger.Warn().Str("subject", s.cfg.ProvisioningSubject).Msg("Provisioning subject configured but durable transport exposes no NATS connection; skipping.")
		return
	}
	listener := NewProvisioningListener(provider.Conn(), s.cfg.ProvisioningSubject, s.cache, s.logger)
	if err := listener.Start(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to start provisioning listener; continuing without it.")
		return
	}
	s.provisioning = listener
}

// Enqueue appends one outbound message to the queue and triggers a flush
// when the batch size is reached. The flush runs off the intake path: a hung
// downstream publish must never stall message intake, which only appends to
// the queue. Satisfies Enqueuer.
func (s *Service) Enqueue(msg durable.Message) {
	s.queueMu.Lock()
	s.queue = append(s.queue, msg)
	full := len(s.queue) >= s.cfg.BatchSize
	s.queueMu.Unlock()

	if full {
		go s.Flush(context.Background())
	}
}

// QueueLen reports the number of messages awaiting the next flush.
func (s *Service) QueueLen() int {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return len(s.queue)
}

// Flush detaches the entire queue and attempts one batched publish. On
// failure the batch is discarded and counted as failed: the bridge is
// at-most-once, with silent loss limited to the publish-failure window.
func (s *Service) Flush(ctx context.Context) {
	s.queueMu.Lock()
	batch := s.queue
	s.queue = make([]durable.Message, 0, s.cfg.BatchSize)
	s.queueMu.Unlock()

	if len(batch) == 0 {
		return
	}

	publishCtx, cancel := context.WithTimeout(ctx, s.cfg.PublishTimeout)
	defer cancel()
	if err := s.publisher.PublishBatch(publishCtx, batch); err != nil {
		s.metrics.AddFailed(len(batch))
		s.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("Batch publish failed; batch discarded.")
		return
	}
	s.metrics.AddPublished(len(batch))
	s.logger.Debug().Int("batch_size", len(batch)).Msg("Batch published.")
}

func (s *Service) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.Flush(context.Background())
		}
	}
}

func (s *Service) metricsLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.MetricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.logSnapshot("Bridge metrics.")
		}
	}
}

func (s *Service) logSnapshot(msg string) {
	snap := s.metrics.Snapshot()
	s.logger.Info().
		Uint64("received", snap.Received).
		Uint64("published", snap.Published).
		Uint64("failed", snap.Failed).
		Uint64("invalid", snap.Invalid).
		Uint64("oversized", snap.Oversized).
		Uint64("radio", snap.Radio).
		Uint64("direct", snap.Direct).
		Uint64("unmapped", snap.Unmapped).
		Uint64("bytes_received", snap.BytesReceived).
		Uint64("bytes_published", snap.BytesPublished).
		Int("queue_len", s.QueueLen()).
		Msg(msg)
}

// Stop shuts the bridge down: timers first, one final best-effort flush,
// then the cache and both transports, ending with a final metrics snapshot.
// Idempotent; the second and later calls are no-ops.
func (s *Service) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.state.Store(int32(StateStopping))
		s.logger.Info().Msg("Stopping bridge...")

		close(s.done)
		s.wg.Wait()

		if s.provisioning != nil {
			s.provisioning.Stop()
		}

		s.Flush(ctx)

		s.cache.Close()
		s.mqtt.Disconnect()
		if err := s.publisher.Close(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Error closing durable log transport.")
		}

		s.logSnapshot("Final bridge metrics.")
		s.state.Store(int32(StateStopped))
		s.logger.Info().Msg("Bridge stopped.")
	})
	return nil
}
