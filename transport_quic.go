package mqterm

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// QUICALPN is the application protocol announced during the QUIC handshake.
const QUICALPN = "mqtt"

// QUICConn carries MQTT over a single bidirectional QUIC stream.
type QUICConn struct {
	conn   *quic.Conn
	stream *quic.Stream
	once   sync.Once
	err    error
}

func (c *QUICConn) Read(b []byte) (int, error)  { return c.stream.Read(b) }
func (c *QUICConn) Write(b []byte) (int, error) { return c.stream.Write(b) }

// Close closes the stream and then the connection. Safe to call repeatedly.
func (c *QUICConn) Close() error {
	c.once.Do(func() {
		c.err = c.stream.Close()
		if err := c.conn.CloseWithError(0, ""); c.err == nil {
			c.err = err
		}
	})
	return c.err
}

func (c *QUICConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *QUICConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *QUICConn) SetDeadline(t time.Time) error      { return c.stream.SetDeadline(t) }
func (c *QUICConn) SetReadDeadline(t time.Time) error  { return c.stream.SetReadDeadline(t) }
func (c *QUICConn) SetWriteDeadline(t time.Time) error { return c.stream.SetWriteDeadline(t) }

// QUICDialer connects to brokers over QUIC. TLS 1.3 is mandatory.
type QUICDialer struct {
	TLSConfig  *tls.Config
	QUICConfig *quic.Config
}

// NewQUICDialer returns a dialer that enforces TLS 1.3 and the mqtt ALPN.
func NewQUICDialer(tlsConfig *tls.Config) *QUICDialer {
	if tlsConfig == nil {
		tlsConfig = &tls.Config{}
	} else {
		tlsConfig = tlsConfig.Clone()
	}
	if tlsConfig.MinVersion < tls.VersionTLS13 {
		tlsConfig.MinVersion = tls.VersionTLS13
	}
	if len(tlsConfig.NextProtos) == 0 {
		tlsConfig.NextProtos = []string{QUICALPN}
	}
	return &QUICDialer{TLSConfig: tlsConfig}
}

// Dial opens a QUIC connection to address (host:port) and one stream on it.
func (d *QUICDialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	conn, err := quic.DialAddr(ctx, address, d.TLSConfig, d.QUICConfig)
	if err != nil {
		return nil, err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "open stream failed")
		return nil, err
	}

	return &QUICConn{conn: conn, stream: stream}, nil
}
