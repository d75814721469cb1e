package mqterm

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the file form of the client options.
type Config struct {
	Servers  []string `yaml:"servers"`
	ClientID string   `yaml:"client_id"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`

	// KeepaliveInterval is in seconds; 0 disables keepalive.
	KeepaliveInterval     int    `yaml:"keepalive_interval"`
	CleanSession          bool   `yaml:"clean_session"`
	SessionExpiryInterval uint32 `yaml:"session_expiry_interval"`

	ReconnectBackoffMin time.Duration `yaml:"reconnect_backoff_min"`
	ReconnectBackoffMax time.Duration `yaml:"reconnect_backoff_max"`
	MaxReconnects       int           `yaml:"max_reconnects"`

	MaxInflight   int           `yaml:"max_inflight"`
	RetryTimeout  time.Duration `yaml:"retry_timeout"`
	MaxRetries    int           `yaml:"max_retries"`
	MaxPacketSize uint32        `yaml:"max_packet_size"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	Proxy          string        `yaml:"proxy"`
	TLS            TLSConfig     `yaml:"tls"`
	Log            LogConfig     `yaml:"log"`
}

type TLSConfig struct {
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the configuration used for keys absent from a file.
func DefaultConfig() Config {
	return Config{
		Servers:             []string{"tcp://localhost:1883"},
		KeepaliveInterval:   60,
		CleanSession:        true,
		ReconnectBackoffMin: time.Second,
		ReconnectBackoffMax: 60 * time.Second,
		MaxInflight:         maxPacketID,
		RetryTimeout:        20 * time.Second,
		MaxRetries:          3,
		MaxPacketSize:       MaxPacketSizeDefault,
		ConnectTimeout:      10 * time.Second,
		Log:                 LogConfig{Level: "info", Format: "text"},
	}
}

// LoadConfig reads path over the defaults, then applies MQTERM_*
// environment overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := ParseConfig(data, &cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// ParseConfig decodes YAML into cfg, keeping values for absent keys.
func ParseConfig(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	if v, ok := lookup("MQTERM_SERVERS"); ok && v != "" {
		c.Servers = strings.Split(v, ",")
	}
	str("MQTERM_CLIENT_ID", &c.ClientID)
	str("MQTERM_USERNAME", &c.Username)
	str("MQTERM_PASSWORD", &c.Password)
	str("MQTERM_PROXY", &c.Proxy)
	str("MQTERM_LOG_LEVEL", &c.Log.Level)
	str("MQTERM_LOG_FORMAT", &c.Log.Format)

	if v, ok := lookup("MQTERM_CLEAN_SESSION"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("MQTERM_CLEAN_SESSION: %w", err)
		}
		c.CleanSession = b
	}
	if err := integer("MQTERM_KEEPALIVE_INTERVAL", &c.KeepaliveInterval); err != nil {
		return err
	}
	return integer("MQTERM_MAX_INFLIGHT", &c.MaxInflight)
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Servers) == 0 {
		errs = append(errs, errors.New("servers: at least one server is required"))
	}
	if c.KeepaliveInterval < 0 || c.KeepaliveInterval > maxUint16 {
		errs = append(errs, fmt.Errorf("keepalive_interval: %d out of range 0-%d", c.KeepaliveInterval, maxUint16))
	}
	if c.MaxInflight < 1 || c.MaxInflight > maxPacketID {
		errs = append(errs, fmt.Errorf("max_inflight: %d out of range 1-%d", c.MaxInflight, maxPacketID))
	}
	if c.ReconnectBackoffMin <= 0 {
		errs = append(errs, errors.New("reconnect_backoff_min: must be positive"))
	}
	if c.ReconnectBackoffMax < c.ReconnectBackoffMin {
		errs = append(errs, errors.New("reconnect_backoff_max: must not be below reconnect_backoff_min"))
	}
	if !c.CleanSession && c.ClientID == "" {
		errs = append(errs, errors.New("client_id: required when clean_session is false"))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("max_retries: must not be negative"))
	}
	if _, err := ParseLogLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls: cert_file and key_file must be set together"))
	}
	return errors.Join(errs...)
}

// Logger builds the logger described by the log section.
func (c *Config) Logger(w io.Writer) Logger {
	level, _ := ParseLogLevel(c.Log.Level)
	if w == nil {
		w = os.Stderr
	}
	if c.Log.Format == "json" {
		slogLevel := slog.LevelInfo
		switch level {
		case LogLevelDebug:
			slogLevel = slog.LevelDebug
		case LogLevelWarn:
			slogLevel = slog.LevelWarn
		case LogLevelError, LogLevelNone:
			slogLevel = slog.LevelError
		}
		return NewSlogLogger(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slogLevel})))
	}
	return NewStdLogger(w, level)
}

// TLSClientConfig loads the certificates named in the tls section. It
// returns nil when nothing is configured.
func (c *Config) TLSClientConfig() (*tls.Config, error) {
	t := c.TLS
	if t == (TLSConfig{}) {
		return nil, nil
	}

	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         t.ServerName,
		InsecureSkipVerify: t.InsecureSkipVerify, //nolint:gosec // opt-in for test brokers
	}
	if t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca_file %s: no certificates found", t.CAFile)
		}
		cfg.RootCAs = pool
	}
	if t.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// Options converts the configuration into client options.
func (c *Config) Options() ([]Option, error) {
	tlsConfig, err := c.TLSClientConfig()
	if err != nil {
		return nil, err
	}

	opts := []Option{
		WithServers(c.Servers...),
		WithClientID(c.ClientID),
		WithKeepAlive(uint16(c.KeepaliveInterval)),
		WithCleanStart(c.CleanSession),
		WithSessionExpiryInterval(c.SessionExpiryInterval),
		WithReconnectBackoff(c.ReconnectBackoffMin),
		WithMaxBackoff(c.ReconnectBackoffMax),
		WithMaxReconnects(c.MaxReconnects),
		WithMaxInflight(uint16(c.MaxInflight)),
		WithRetry(c.RetryTimeout, c.MaxRetries),
		WithMaxPacketSize(c.MaxPacketSize),
		WithLogger(c.Logger(nil)),
	}
	if c.ConnectTimeout > 0 {
		opts = append(opts, WithConnectTimeout(c.ConnectTimeout))
	}
	if c.Username != "" {
		opts = append(opts, WithCredentials(c.Username, c.Password))
	}
	if c.Proxy != "" {
		opts = append(opts, WithProxy(c.Proxy))
	}
	if tlsConfig != nil {
		opts = append(opts, WithTLS(tlsConfig))
	}
	return opts, nil
}
