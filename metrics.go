package cornflakes

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vishwanath1306/cornflakes/internal/interfaces"
)

// Metrics exposes the datapath's counters and histograms through
// prometheus.Collector-compatible fields: packets and bytes sent/received,
// CQE errors, pool-exhaustion events, and WQE-to-completion latency.
type Metrics struct {
	TXPackets prometheus.Counter
	TXBytes   prometheus.Counter
	TXWQEs    prometheus.Counter
	TXErrors  *prometheus.CounterVec // labeled by syndrome

	RXPackets     prometheus.Counter
	RXBytes       prometheus.Counter
	RXDrops       prometheus.Counter
	PoolExhausted *prometheus.CounterVec // labeled by pool name

	PoolAllocated *prometheus.GaugeVec // labeled by pool name
	PoolCapacity  *prometheus.GaugeVec // labeled by pool name

	CompletionLatency prometheus.Histogram
}

// NewMetrics builds a Metrics instance registering every collector against
// reg. Passing a fresh prometheus.NewRegistry() keeps this isolated from the
// global default registry, which matters for tests constructing more than
// one Connection in the same process.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TXPackets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cornflakes_tx_packets_total",
			Help: "Total number of packets transmitted.",
		}),
		TXBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cornflakes_tx_bytes_total",
			Help: "Total number of bytes transmitted.",
		}),
		TXWQEs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cornflakes_tx_wqes_total",
			Help: "Total number of work-queue elements posted.",
		}),
		TXErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cornflakes_tx_errors_total",
			Help: "Total number of transmit completions with an error syndrome.",
		}, []string{"syndrome"}),
		RXPackets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cornflakes_rx_packets_total",
			Help: "Total number of packets received.",
		}),
		RXBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cornflakes_rx_bytes_total",
			Help: "Total number of bytes received.",
		}),
		RXDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cornflakes_rx_drops_total",
			Help: "Total number of receive completions with a hardware error.",
		}),
		PoolExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cornflakes_pool_exhausted_total",
			Help: "Total number of allocation attempts against an empty pool.",
		}, []string{"pool"}),
		PoolAllocated: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cornflakes_pool_allocated",
			Help: "Current number of allocated items in a registered pool.",
		}, []string{"pool"}),
		PoolCapacity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cornflakes_pool_capacity",
			Help: "Total item capacity of a registered pool.",
		}, []string{"pool"}),
		CompletionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cornflakes_completion_latency_seconds",
			Help:    "Latency from WQE post to observed completion.",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 10), // 1us .. ~262ms
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.TXPackets, m.TXBytes, m.TXWQEs, m.TXErrors,
			m.RXPackets, m.RXBytes, m.RXDrops, m.PoolExhausted,
			m.PoolAllocated, m.PoolCapacity, m.CompletionLatency,
		)
	}

	return m
}

// ObserveTX implements interfaces.Observer.
func (m *Metrics) ObserveTX(bytes uint64, wqes uint32) {
	m.TXPackets.Inc()
	m.TXBytes.Add(float64(bytes))
	m.TXWQEs.Add(float64(wqes))
}

// ObserveRX implements interfaces.Observer.
func (m *Metrics) ObserveRX(bytes uint64) {
	m.RXPackets.Inc()
	m.RXBytes.Add(float64(bytes))
}

// ObserveTXError implements interfaces.Observer.
func (m *Metrics) ObserveTXError(syndrome uint8) {
	m.TXErrors.WithLabelValues(syndromeLabel(syndrome)).Inc()
}

// ObserveRXDrop implements interfaces.Observer.
func (m *Metrics) ObserveRXDrop() {
	m.RXDrops.Inc()
}

// ObservePoolExhausted implements interfaces.Observer.
func (m *Metrics) ObservePoolExhausted(poolName string) {
	m.PoolExhausted.WithLabelValues(poolName).Inc()
}

// SetPoolOccupancy records a pool's current allocated/capacity gauges. It is
// not part of interfaces.Observer since it is sampled, not event-driven.
func (m *Metrics) SetPoolOccupancy(poolName string, allocated, capacity int) {
	m.PoolAllocated.WithLabelValues(poolName).Set(float64(allocated))
	m.PoolCapacity.WithLabelValues(poolName).Set(float64(capacity))
}

func syndromeLabel(syndrome uint8) string {
	const hexDigits = "0123456789abcdef"
	return "0x" + string([]byte{hexDigits[syndrome>>4], hexDigits[syndrome&0xf]})
}

var _ interfaces.Observer = (*Metrics)(nil)
