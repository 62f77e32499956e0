package dispatch

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector collects dispatcher metrics
type MetricsCollector interface {
	// Channel metrics
	ChannelOpened()
	ChannelClosed()

	// Method metrics
	MethodReceived(t MethodType)
	MethodSent(t MethodType)
	MethodQueued()
	MethodDispatchedImmediately()
	MethodDropped()

	// Message metrics
	MessageReturned()

	// Connection metrics
	ConnectionClosed(err error)
}

// StandardMetricsCollector provides a thread-safe in-memory metrics collector
type StandardMetricsCollector struct {
	channelsOpened atomic.Int64
	channelsClosed atomic.Int64

	methodsReceived  atomic.Int64
	methodsSent      atomic.Int64
	methodsQueued    atomic.Int64
	methodsImmediate atomic.Int64
	methodsDropped   atomic.Int64

	messagesReturned atomic.Int64

	connectionsClosed atomic.Int64
	connectionErrors  atomic.Int64
}

// NewStandardMetricsCollector creates a new standard metrics collector
func NewStandardMetricsCollector() *StandardMetricsCollector {
	return &StandardMetricsCollector{}
}

func (m *StandardMetricsCollector) ChannelOpened() { m.channelsOpened.Add(1) }
func (m *StandardMetricsCollector) ChannelClosed() { m.channelsClosed.Add(1) }

func (m *StandardMetricsCollector) MethodReceived(MethodType) { m.methodsReceived.Add(1) }
func (m *StandardMetricsCollector) MethodSent(MethodType) { m.methodsSent.Add(1) }
func (m *StandardMetricsCollector) MethodQueued() { m.methodsQueued.Add(1) }
func (m *StandardMetricsCollector) MethodDispatchedImmediately() { m.methodsImmediate.Add(1) }
func (m *StandardMetricsCollector) MethodDropped() { m.methodsDropped.Add(1) }

func (m *StandardMetricsCollector) MessageReturned() { m.messagesReturned.Add(1) }

func (m *StandardMetricsCollector) ConnectionClosed(err error) {
	m.connectionsClosed.Add(1)
	if err != nil && err != ErrClosed {
		m.connectionErrors.Add(1)
	}
}

// Getters for metrics
func (m *StandardMetricsCollector) GetChannelsOpened() int64 { return m.channelsOpened.Load() }
func (m *StandardMetricsCollector) GetChannelsClosed() int64 { return m.channelsClosed.Load() }
func (m *StandardMetricsCollector) GetMethodsReceived() int64 { return m.methodsReceived.Load() }
func (m *StandardMetricsCollector) GetMethodsSent() int64 { return m.methodsSent.Load() }
func (m *StandardMetricsCollector) GetMethodsQueued() int64 { return m.methodsQueued.Load() }
func (m *StandardMetricsCollector) GetMethodsImmediate() int64 { return m.methodsImmediate.Load() }
func (m *StandardMetricsCollector) GetMethodsDropped() int64 { return m.methodsDropped.Load() }
func (m *StandardMetricsCollector) GetMessagesReturned() int64 { return m.messagesReturned.Load() }
func (m *StandardMetricsCollector) GetConnectionsClosed() int64 {
	return m.connectionsClosed.Load()
}
func (m *StandardMetricsCollector) GetConnectionErrors() int64 { return m.connectionErrors.Load() }

// NoOpMetricsCollector discards all metrics
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) ChannelOpened() {}
func (NoOpMetricsCollector) ChannelClosed() {}
func (NoOpMetricsCollector) MethodReceived(MethodType) {}
func (NoOpMetricsCollector) MethodSent(MethodType) {}
func (NoOpMetricsCollector) MethodQueued() {}
func (NoOpMetricsCollector) MethodDispatchedImmediately() {}
func (NoOpMetricsCollector) MethodDropped() {}
func (NoOpMetricsCollector) MessageReturned() {}
func (NoOpMetricsCollector) ConnectionClosed(error) {}

// PrometheusMetricsCollector exports dispatcher metrics to Prometheus.
type PrometheusMetricsCollector struct {
	channelsOpened   prometheus.Counter
	channelsClosed   prometheus.Counter
	methodsReceived  *prometheus.CounterVec
	methodsSent      *prometheus.CounterVec
	methodsQueued    prometheus.Counter
	methodsImmediate prometheus.Counter
	methodsDropped   prometheus.Counter
	messagesReturned prometheus.Counter
	connectionCloses *prometheus.CounterVec
}

// NewPrometheusMetricsCollector creates the collector's metrics under
// namespace and registers them with reg.
func NewPrometheusMetricsCollector(reg prometheus.Registerer, namespace string) (*PrometheusMetricsCollector, error) {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: name, Help: help,
		})
	}
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: name, Help: help,
		}, labels)
	}

	m := &PrometheusMetricsCollector{
		channelsOpened:   counter("channels_opened_total", "Channels registered on the connection."),
		channelsClosed:   counter("channels_closed_total", "Channels that reached the closed state."),
		methodsReceived:  counterVec("methods_received_total", "Methods read from the transport.", "method"),
		methodsSent:      counterVec("methods_sent_total", "Methods written to the transport.", "method"),
		methodsQueued:    counter("methods_queued_total", "Methods parked on a channel queue."),
		methodsImmediate: counter("methods_immediate_total", "Methods dispatched on arrival."),
		methodsDropped:   counter("methods_dropped_total", "Methods for unknown channels."),
		messagesReturned: counter("messages_returned_total", "Messages returned by the broker."),
		connectionCloses: counterVec("connection_closes_total", "Connection shutdowns by cause.", "cause"),
	}

	for _, c := range []prometheus.Collector{
		m.channelsOpened, m.channelsClosed, m.methodsReceived, m.methodsSent,
		m.methodsQueued, m.methodsImmediate, m.methodsDropped, m.messagesReturned,
		m.connectionCloses,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *PrometheusMetricsCollector) ChannelOpened() { m.channelsOpened.Inc() }
func (m *PrometheusMetricsCollector) ChannelClosed() { m.channelsClosed.Inc() }

func (m *PrometheusMetricsCollector) MethodReceived(t MethodType) {
	m.methodsReceived.WithLabelValues(t.String()).Inc()
}

func (m *PrometheusMetricsCollector) MethodSent(t MethodType) {
	m.methodsSent.WithLabelValues(t.String()).Inc()
}

func (m *PrometheusMetricsCollector) MethodQueued() { m.methodsQueued.Inc() }
func (m *PrometheusMetricsCollector) MethodDispatchedImmediately() { m.methodsImmediate.Inc() }
func (m *PrometheusMetricsCollector) MethodDropped() { m.methodsDropped.Inc() }
func (m *PrometheusMetricsCollector) MessageReturned() { m.messagesReturned.Inc() }

func (m *PrometheusMetricsCollector) ConnectionClosed(err error) {
	m.connectionCloses.WithLabelValues(closeCause(err)).Inc()
}

func closeCause(err error) string {
	switch e := err.(type) {
	case nil:
		return "none"
	case *TransportError:
		return "transport"
	case *Error:
		if e == ErrClosed {
			return "local"
		}
		if e.Server {
			return "server"
		}
	}
	return "other"
}
