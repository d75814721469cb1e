package mqterm

import (
	"crypto/tls"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultOptions(t *testing.T) {
	opts := defaultOptions()

	assert.Equal(t, uint16(60), opts.keepAlive)
	assert.True(t, opts.cleanStart)
	assert.True(t, opts.autoReconnect)
	assert.Equal(t, 10*time.Second, opts.connectTimeout)
	assert.Equal(t, 5*time.Second, opts.writeTimeout)
	assert.Equal(t, time.Second, opts.reconnectBackoff)
	assert.Equal(t, 60*time.Second, opts.maxBackoff)
	assert.Equal(t, 20*time.Second, opts.retryTimeout)
	assert.Equal(t, 3, opts.maxRetries)
	assert.Equal(t, MaxPacketSizeDefault, opts.maxPacketSize)
	assert.Equal(t, uint16(65535), opts.receiveMaximum)
	assert.IsType(t, NoOpLogger{}, opts.logger)
	assert.IsType(t, NoOpMetrics{}, opts.metrics)
}

func TestOptions(t *testing.T) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	strategy := func(int, time.Duration, error) time.Duration { return time.Millisecond }
	auth := NewSCRAMClient(SCRAMHashSHA256, "u", "p")

	opts := applyOptions(
		WithServers("tcp://a:1883"),
		WithServers("ws://b/mqtt"),
		WithClientID("shell"),
		WithCredentials("user", "pass"),
		WithKeepAlive(30),
		WithCleanStart(false),
		WithSessionExpiryInterval(600),
		WithTLS(tlsConfig),
		WithProxy("socks5://proxy:1080"),
		WithConnectTimeout(time.Second),
		WithWriteTimeout(2*time.Second),
		WithWill("mqterm/shell/status", []byte("gone"), true, 1),
		WithAutoReconnect(false),
		WithMaxReconnects(5),
		WithReconnectBackoff(100*time.Millisecond),
		WithMaxBackoff(time.Second),
		WithBackoffStrategy(strategy),
		WithRetry(time.Second, 7),
		WithMaxInflight(10),
		WithReceiveMaximum(20),
		WithTopicAliasMaximum(8),
		WithUserProperty("role", "shell"),
		WithUserProperty("site", "lab"),
		WithEnhancedAuthentication(auth),
	)

	assert.Equal(t, []string{"tcp://a:1883", "ws://b/mqtt"}, opts.servers)
	assert.Equal(t, "shell", opts.clientID)
	assert.Equal(t, "user", opts.username)
	assert.Equal(t, []byte("pass"), opts.password)
	assert.Equal(t, uint16(30), opts.keepAlive)
	assert.False(t, opts.cleanStart)
	assert.Equal(t, uint32(600), opts.sessionExpiryInterval)
	assert.Same(t, tlsConfig, opts.tlsConfig)
	assert.Equal(t, "socks5://proxy:1080", opts.proxyURL)
	assert.Equal(t, time.Second, opts.connectTimeout)
	assert.Equal(t, 2*time.Second, opts.writeTimeout)
	assert.Equal(t, "mqterm/shell/status", opts.willTopic)
	assert.Equal(t, []byte("gone"), opts.willPayload)
	assert.True(t, opts.willRetain)
	assert.Equal(t, byte(1), opts.willQoS)
	assert.False(t, opts.autoReconnect)
	assert.Equal(t, 5, opts.maxReconnects)
	assert.Equal(t, 100*time.Millisecond, opts.reconnectBackoff)
	assert.Equal(t, time.Second, opts.maxBackoff)
	assert.NotNil(t, opts.backoffStrategy)
	assert.Equal(t, time.Second, opts.retryTimeout)
	assert.Equal(t, 7, opts.maxRetries)
	assert.Equal(t, uint16(10), opts.maxInflight)
	assert.Equal(t, uint16(20), opts.receiveMaximum)
	assert.Equal(t, uint16(8), opts.topicAliasMaximum)
	assert.Equal(t, []StringPair{{Key: "role", Value: "shell"}, {Key: "site", Value: "lab"}}, opts.userProperties)
	assert.Same(t, auth, opts.enhancedAuth)
}

func TestWithMaxPacketSizeClamped(t *testing.T) {
	assert.Equal(t, uint32(1024), applyOptions(WithMaxPacketSize(1024)).maxPacketSize)
	assert.Equal(t, MaxPacketSizeProtocol, applyOptions(WithMaxPacketSize(1<<31)).maxPacketSize)
}

func TestWithLoggerAndMetricsIgnoreNil(t *testing.T) {
	opts := applyOptions(WithLogger(nil), WithMetrics(nil))
	assert.IsType(t, NoOpLogger{}, opts.logger)
	assert.IsType(t, NoOpMetrics{}, opts.metrics)

	logger := NewStdLogger(nil, LogLevelDebug)
	opts = applyOptions(WithLogger(logger))
	assert.Same(t, logger, opts.logger)
}

func TestInterceptorOptionsAppend(t *testing.T) {
	p := ProducerInterceptorFunc(func(m *Message) *Message { return m })
	c := ConsumerInterceptorFunc(func(m *Message) *Message { return m })

	opts := applyOptions(
		WithProducerInterceptors(p),
		WithProducerInterceptors(p, p),
		WithConsumerInterceptors(c),
	)
	assert.Len(t, opts.producerInterceptors, 3)
	assert.Len(t, opts.consumerInterceptors, 1)
}
