package dispatch

import (
	"time"

	"go.uber.org/zap"
)

// options configures a Connection.
type options struct {
	logger        *zap.Logger
	metrics       MetricsCollector
	errorHandler  ErrorHandler
	listeners     []ConnectionListener
	decodeContent bool
	heartbeat     time.Duration
	channelMax    uint16
	frameMax      uint32
}

func defaultOptions() options {
	return options{
		logger:     zap.NewNop(),
		metrics:    NoOpMetricsCollector{},
		channelMax: DefaultChannelMax,
		frameMax:   DefaultFrameMax,
	}
}

// Option is a functional option for NewConnection and Dial
type Option func(*options)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics MetricsCollector) Option {
	return func(o *options) {
		if metrics != nil {
			o.metrics = metrics
		}
	}
}

// WithErrorHandler sets the handler for errors that have no caller to
// return to. The default logs them.
func WithErrorHandler(handler ErrorHandler) Option {
	return func(o *options) {
		o.errorHandler = handler
	}
}

// WithConnectionListener adds a connection lifecycle listener
func WithConnectionListener(listener ConnectionListener) Option {
	return func(o *options) {
		o.listeners = append(o.listeners, listener)
	}
}

// WithDecodeContent enables decoding content bodies to text according to
// their content-encoding property.
func WithDecodeContent(enabled bool) Option {
	return func(o *options) {
		o.decodeContent = enabled
	}
}

// WithHeartbeat sets the heartbeat interval. Zero or a negative interval
// disables heartbeats.
func WithHeartbeat(interval time.Duration) Option {
	return func(o *options) {
		o.heartbeat = max(interval, 0)
	}
}

// WithChannelMax sets the highest channel number NewChannel may allocate
func WithChannelMax(max uint16) Option {
	return func(o *options) {
		if max > 0 {
			o.channelMax = max
		}
	}
}

// WithFrameMax sets the maximum frame size requested during the handshake
func WithFrameMax(max uint32) Option {
	return func(o *options) {
		if max > 0 {
			o.frameMax = max
		}
	}
}
