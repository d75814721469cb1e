package mqterm

import (
	"crypto/tls"
	"time"
)

// Packet size limits.
const (
	MaxPacketSizeProtocol uint32 = maxVarint + 5
	MaxPacketSizeDefault  uint32 = 4 * 1024 * 1024
)

type clientOptions struct {
	servers []string

	clientID   string
	username   string
	password   []byte
	keepAlive  uint16
	cleanStart bool

	tlsConfig *tls.Config
	proxyURL  string
	dialer    Dialer

	connectTimeout time.Duration
	writeTimeout   time.Duration

	willTopic   string
	willPayload []byte
	willRetain  bool
	willQoS     byte

	autoReconnect    bool
	maxReconnects    int
	reconnectBackoff time.Duration
	maxBackoff       time.Duration
	backoffStrategy  BackoffStrategy

	retryTimeout time.Duration
	maxRetries   int
	maxInflight  uint16

	maxPacketSize         uint32
	sessionExpiryInterval uint32
	receiveMaximum        uint16
	topicAliasMaximum     uint16
	userProperties        []StringPair

	enhancedAuth ClientEnhancedAuthenticator

	onEvent              EventHandler
	logger               Logger
	metrics              Metrics
	producerInterceptors []ProducerInterceptor
	consumerInterceptors []ConsumerInterceptor
}

func defaultOptions() *clientOptions {
	return &clientOptions{
		keepAlive:        60,
		cleanStart:       true,
		connectTimeout:   10 * time.Second,
		writeTimeout:     5 * time.Second,
		autoReconnect:    true,
		reconnectBackoff: time.Second,
		maxBackoff:       60 * time.Second,
		retryTimeout:     20 * time.Second,
		maxRetries:       3,
		maxPacketSize:    MaxPacketSizeDefault,
		receiveMaximum:   maxPacketID,
		logger:           NoOpLogger{},
		metrics:          NoOpMetrics{},
	}
}

// Option configures a Client.
type Option func(*clientOptions)

// WithServers sets the broker addresses as URLs (tcp://, tls://, ws://,
// wss://, quic://, unix://). They are tried in order on every connection
// attempt.
func WithServers(servers ...string) Option {
	return func(o *clientOptions) {
		o.servers = append(o.servers, servers...)
	}
}

// WithClientID sets the client identifier. An empty id lets the server
// assign one.
func WithClientID(id string) Option {
	return func(o *clientOptions) {
		o.clientID = id
	}
}

func WithCredentials(username, password string) Option {
	return func(o *clientOptions) {
		o.username = username
		o.password = []byte(password)
	}
}

// WithKeepAlive sets the keepalive interval in seconds; 0 disables it.
func WithKeepAlive(seconds uint16) Option {
	return func(o *clientOptions) {
		o.keepAlive = seconds
	}
}

func WithCleanStart(clean bool) Option {
	return func(o *clientOptions) {
		o.cleanStart = clean
	}
}

// WithSessionExpiryInterval asks the server to keep the session for the
// given number of seconds after disconnect.
func WithSessionExpiryInterval(seconds uint32) Option {
	return func(o *clientOptions) {
		o.sessionExpiryInterval = seconds
	}
}

func WithTLS(config *tls.Config) Option {
	return func(o *clientOptions) {
		o.tlsConfig = config
	}
}

// WithProxy routes TCP and TLS connections through an http:// or socks5://
// proxy.
func WithProxy(proxyURL string) Option {
	return func(o *clientOptions) {
		o.proxyURL = proxyURL
	}
}

// WithDialer replaces URL based dialing.
func WithDialer(d Dialer) Option {
	return func(o *clientOptions) {
		o.dialer = d
	}
}

func WithConnectTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.connectTimeout = d
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.writeTimeout = d
	}
}

// WithWill sets the message the server publishes if the client goes away
// without DISCONNECT.
func WithWill(topic string, payload []byte, retain bool, qos byte) Option {
	return func(o *clientOptions) {
		o.willTopic = topic
		o.willPayload = payload
		o.willRetain = retain
		o.willQoS = qos
	}
}

// WithAutoReconnect controls reconnection after transport failures.
func WithAutoReconnect(enabled bool) Option {
	return func(o *clientOptions) {
		o.autoReconnect = enabled
	}
}

// WithMaxReconnects bounds consecutive failed reconnection attempts; 0 means
// unlimited.
func WithMaxReconnects(n int) Option {
	return func(o *clientOptions) {
		o.maxReconnects = n
	}
}

// WithReconnectBackoff sets the first reconnection delay.
func WithReconnectBackoff(d time.Duration) Option {
	return func(o *clientOptions) {
		o.reconnectBackoff = d
	}
}

// WithMaxBackoff caps the reconnection delay.
func WithMaxBackoff(d time.Duration) Option {
	return func(o *clientOptions) {
		o.maxBackoff = d
	}
}

func WithBackoffStrategy(strategy BackoffStrategy) Option {
	return func(o *clientOptions) {
		o.backoffStrategy = strategy
	}
}

// WithRetry sets the retransmission timeout for unacknowledged QoS 1/2
// packets and how many retransmissions happen before ErrDeliveryFailed.
func WithRetry(timeout time.Duration, maxRetries int) Option {
	return func(o *clientOptions) {
		o.retryTimeout = timeout
		o.maxRetries = maxRetries
	}
}

// WithMaxInflight bounds outbound QoS 1/2 publishes awaiting
// acknowledgement.
func WithMaxInflight(n uint16) Option {
	return func(o *clientOptions) {
		o.maxInflight = n
	}
}

// WithMaxPacketSize limits inbound packets; values are clamped to the
// protocol maximum.
func WithMaxPacketSize(size uint32) Option {
	return func(o *clientOptions) {
		o.maxPacketSize = min(size, MaxPacketSizeProtocol)
	}
}

// WithReceiveMaximum announces how many inbound QoS 1/2 messages the client
// handles concurrently.
func WithReceiveMaximum(n uint16) Option {
	return func(o *clientOptions) {
		o.receiveMaximum = n
	}
}

// WithTopicAliasMaximum lets the server replace topic names with aliases
// up to n.
func WithTopicAliasMaximum(n uint16) Option {
	return func(o *clientOptions) {
		o.topicAliasMaximum = n
	}
}

// WithUserProperty adds a user property to CONNECT.
func WithUserProperty(key, value string) Option {
	return func(o *clientOptions) {
		o.userProperties = append(o.userProperties, StringPair{Key: key, Value: value})
	}
}

// WithEnhancedAuthentication enables the AUTH exchange with the given
// method.
func WithEnhancedAuthentication(auth ClientEnhancedAuthenticator) Option {
	return func(o *clientOptions) {
		o.enhancedAuth = auth
	}
}

// OnEvent sets the lifecycle event handler.
func OnEvent(handler EventHandler) Option {
	return func(o *clientOptions) {
		o.onEvent = handler
	}
}

func WithLogger(logger Logger) Option {
	return func(o *clientOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithMetrics(metrics Metrics) Option {
	return func(o *clientOptions) {
		if metrics != nil {
			o.metrics = metrics
		}
	}
}

// WithProducerInterceptors adds interceptors run on every outgoing message.
func WithProducerInterceptors(interceptors ...ProducerInterceptor) Option {
	return func(o *clientOptions) {
		o.producerInterceptors = append(o.producerInterceptors, interceptors...)
	}
}

// WithConsumerInterceptors adds interceptors run on every received message
// before it is routed.
func WithConsumerInterceptors(interceptors ...ConsumerInterceptor) Option {
	return func(o *clientOptions) {
		o.consumerInterceptors = append(o.consumerInterceptors, interceptors...)
	}
}

func applyOptions(opts ...Option) *clientOptions {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}
