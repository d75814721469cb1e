package mqterm

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
)

// Dialer opens the byte stream a client speaks MQTT over.
type Dialer interface {
	Dial(ctx context.Context, address string) (net.Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, address string) (net.Conn, error)

func (f DialerFunc) Dial(ctx context.Context, address string) (net.Conn, error) {
	return f(ctx, address)
}

var defaultPorts = map[string]string{
	"tcp": "1883", "mqtt": "1883",
	"tls": "8883", "ssl": "8883", "mqtts": "8883",
	"ws": "80", "wss": "443",
	"quic": "14567",
}

// urlDialer picks a transport from the server URL scheme.
type urlDialer struct {
	tlsConfig *tls.Config
	proxy     *ProxyDialer
}

func newURLDialer(o *clientOptions) (*urlDialer, error) {
	d := &urlDialer{tlsConfig: o.tlsConfig}
	if o.proxyURL != "" {
		p, err := NewProxyDialer(o.proxyURL, "", "")
		if err != nil {
			return nil, err
		}
		d.proxy = p
	}
	return d, nil
}

func (d *urlDialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("invalid server address %q: %w", address, err)
	}

	host := u.Host
	if port, ok := defaultPorts[u.Scheme]; ok && u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), port)
	}

	switch u.Scheme {
	case "tcp", "mqtt":
		return d.dialTCP(ctx, host)

	case "tls", "ssl", "mqtts":
		conn, err := d.dialTCP(ctx, host)
		if err != nil {
			return nil, err
		}
		tlsConn := tls.Client(conn, d.tls(u.Hostname()))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("tls handshake: %w", err)
		}
		return tlsConn, nil

	case "ws", "wss":
		ws := NewWSDialer()
		if u.Scheme == "wss" {
			ws.Dialer.TLSClientConfig = d.tls(u.Hostname())
		}
		if d.proxy != nil {
			ws.Dialer.NetDialContext = d.proxy.DialContext
		}
		u.Host = host
		return ws.Dial(ctx, u.String())

	case "quic":
		return NewQUICDialer(d.tls(u.Hostname())).Dial(ctx, host)

	case "unix":
		var nd net.Dialer
		return nd.DialContext(ctx, "unix", u.Path)
	}
	return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
}

func (d *urlDialer) dialTCP(ctx context.Context, host string) (net.Conn, error) {
	if d.proxy != nil {
		return d.proxy.DialContext(ctx, "tcp", host)
	}
	var nd net.Dialer
	return nd.DialContext(ctx, "tcp", host)
}

func (d *urlDialer) tls(serverName string) *tls.Config {
	if d.tlsConfig == nil {
		return &tls.Config{MinVersion: tls.VersionTLS12, ServerName: serverName}
	}
	cfg := d.tlsConfig.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = serverName
	}
	return cfg
}
