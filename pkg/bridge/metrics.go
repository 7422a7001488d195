package bridge

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the fixed set of bridge counters. Values increase monotonically
// and reset only on process restart. Each counter is mirrored into a
// Prometheus counter so the same numbers are scrapeable and loggable.
type Metrics struct {
	received       atomic.Uint64
	published      atomic.Uint64
	failed         atomic.Uint64
	invalid        atomic.Uint64
	oversized      atomic.Uint64
	radio          atomic.Uint64
	direct         atomic.Uint64
	unmapped       atomic.Uint64
	bytesReceived  atomic.Uint64
	bytesPublished atomic.Uint64

	promReceived       prometheus.Counter
	promPublished      prometheus.Counter
	promFailed         prometheus.Counter
	promInvalid        prometheus.Counter
	promOversized      prometheus.Counter
	promRadio          prometheus.Counter
	promDirect         prometheus.Counter
	promUnmapped       prometheus.Counter
	promBytesReceived  prometheus.Counter
	promBytesPublished prometheus.Counter
}

// Snapshot is a point-in-time copy of every counter, used by the periodic
// metrics log and the final shutdown log.
type Snapshot struct {
	Received       uint64
	Published      uint64
	Failed         uint64
	Invalid        uint64
	Oversized      uint64
	Radio          uint64
	Direct         uint64
	Unmapped       uint64
	BytesReceived  uint64
	BytesPublished uint64
}

// NewMetrics creates the counter set and registers the Prometheus mirrors on
// the given registerer. A nil registerer skips registration, which keeps unit
// tests free of global registry collisions.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Name:      name,
			Help:      help,
		})
	}
	return &Metrics{
		promReceived:       counter("messages_received_total", "Inbound transport messages received."),
		promPublished:      counter("messages_published_total", "Messages published to the durable log."),
		promFailed:         counter("messages_failed_total", "Messages lost to failed batch publishes."),
		promInvalid:        counter("messages_invalid_total", "Messages dropped as malformed or unroutable."),
		promOversized:      counter("messages_oversized_total", "Messages dropped for exceeding the size limit."),
		promRadio:          counter("messages_radio_total", "Messages classified to the radio uplink path."),
		promDirect:         counter("messages_direct_total", "Messages classified to the direct device path."),
		promUnmapped:       counter("devices_unmapped_total", "Uplinks dropped because the device EUI had no mapping."),
		promBytesReceived:  counter("bytes_received_total", "Total inbound payload bytes."),
		promBytesPublished: counter("bytes_published_total", "Total bytes queued for the durable log."),
	}
}

func (m *Metrics) IncReceived(payloadBytes int) {
	m.received.Add(1)
	m.promReceived.Inc()
	m.bytesReceived.Add(uint64(payloadBytes))
	m.promBytesReceived.Add(float64(payloadBytes))
}

func (m *Metrics) AddPublished(n int) {
	m.published.Add(uint64(n))
	m.promPublished.Add(float64(n))
}

func (m *Metrics) AddFailed(n int) {
	m.failed.Add(uint64(n))
	m.promFailed.Add(float64(n))
}

func (m *Metrics) IncInvalid() {
	m.invalid.Add(1)
	m.promInvalid.Inc()
}

func (m *Metrics) IncOversized() {
	m.oversized.Add(1)
	m.promOversized.Inc()
}

func (m *Metrics) IncRadio() {
	m.radio.Add(1)
	m.promRadio.Inc()
}

func (m *Metrics) IncDirect() {
	m.direct.Add(1)
	m.promDirect.Inc()
}

func (m *Metrics) IncUnmapped() {
	m.unmapped.Add(1)
	m.promUnmapped.Inc()
}

func (m *Metrics) AddBytesPublished(n int) {
	m.bytesPublished.Add(uint64(n))
	m.promBytesPublished.Add(float64(n))
}

// Snapshot copies every counter.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Received:       m.received.Load(),
		Published:      m.published.Load(),
		Failed:         m.failed.Load(),
		Invalid:        m.invalid.Load(),
		Oversized:      m.oversized.Load(),
		Radio:          m.radio.Load(),
		Direct:         m.direct.Load(),
		Unmapped:       m.unmapped.Load(),
		BytesReceived:  m.bytesReceived.Load(),
		BytesPublished: m.bytesPublished.Load(),
	}
}
