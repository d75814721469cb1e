package mqterm

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []string{"tcp://localhost:1883"}, cfg.Servers)
	assert.Equal(t, 60, cfg.KeepaliveInterval)
	assert.True(t, cfg.CleanSession)
}

func TestParseConfigOverDefaults(t *testing.T) {
	data := []byte(`
servers:
  - tls://broker:8883
  - wss://broker/mqtt
client_id: shell-1
keepalive_interval: 30
clean_session: false
reconnect_backoff_max: 2m
retry_timeout: 5s
tls:
  server_name: broker
log:
  level: debug
  format: json
`)

	cfg := DefaultConfig()
	require.NoError(t, ParseConfig(data, &cfg))

	assert.Equal(t, []string{"tls://broker:8883", "wss://broker/mqtt"}, cfg.Servers)
	assert.Equal(t, "shell-1", cfg.ClientID)
	assert.Equal(t, 30, cfg.KeepaliveInterval)
	assert.False(t, cfg.CleanSession)
	assert.Equal(t, 2*time.Minute, cfg.ReconnectBackoffMax)
	assert.Equal(t, 5*time.Second, cfg.RetryTimeout)
	assert.Equal(t, "broker", cfg.TLS.ServerName)
	assert.Equal(t, LogConfig{Level: "debug", Format: "json"}, cfg.Log)

	// untouched keys keep their defaults
	assert.Equal(t, time.Second, cfg.ReconnectBackoffMin)
	assert.Equal(t, 3, cfg.MaxRetries)
	require.NoError(t, cfg.Validate())
}

func TestParseConfigInvalidYAML(t *testing.T) {
	cfg := DefaultConfig()
	err := ParseConfig([]byte("servers: [unclosed"), &cfg)
	assert.ErrorContains(t, err, "parsing config file")
}

func TestLoadConfig(t *testing.T) {
	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "mqterm.yaml")
		require.NoError(t, os.WriteFile(path, []byte("client_id: from-file\nmax_inflight: 10\n"), 0o600))

		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "from-file", cfg.ClientID)
		assert.Equal(t, 10, cfg.MaxInflight)
	})

	t.Run("env overrides file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "mqterm.yaml")
		require.NoError(t, os.WriteFile(path, []byte("client_id: from-file\n"), 0o600))
		t.Setenv("MQTERM_CLIENT_ID", "from-env")

		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "from-env", cfg.ClientID)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.ErrorContains(t, err, "reading config file")
	})

	t.Run("invalid values", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "mqterm.yaml")
		require.NoError(t, os.WriteFile(path, []byte("max_inflight: 0\n"), 0o600))

		_, err := LoadConfig(path)
		assert.ErrorContains(t, err, "validating config")
		assert.ErrorContains(t, err, "max_inflight")
	})
}

func TestConfigApplyEnv(t *testing.T) {
	env := map[string]string{
		"MQTERM_SERVERS":            "tcp://a:1883,ws://b/mqtt",
		"MQTERM_CLIENT_ID":          "env-client",
		"MQTERM_USERNAME":           "user",
		"MQTERM_PASSWORD":           "pass",
		"MQTERM_PROXY":              "socks5://proxy:1080",
		"MQTERM_LOG_LEVEL":          "warn",
		"MQTERM_LOG_FORMAT":         "json",
		"MQTERM_CLEAN_SESSION":      "false",
		"MQTERM_KEEPALIVE_INTERVAL": "15",
		"MQTERM_MAX_INFLIGHT":       "32",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	cfg := DefaultConfig()
	require.NoError(t, cfg.applyEnv(lookup))

	assert.Equal(t, []string{"tcp://a:1883", "ws://b/mqtt"}, cfg.Servers)
	assert.Equal(t, "env-client", cfg.ClientID)
	assert.Equal(t, "user", cfg.Username)
	assert.Equal(t, "pass", cfg.Password)
	assert.Equal(t, "socks5://proxy:1080", cfg.Proxy)
	assert.Equal(t, LogConfig{Level: "warn", Format: "json"}, cfg.Log)
	assert.False(t, cfg.CleanSession)
	assert.Equal(t, 15, cfg.KeepaliveInterval)
	assert.Equal(t, 32, cfg.MaxInflight)
}

func TestConfigApplyEnvErrors(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{key: "MQTERM_CLEAN_SESSION", value: "maybe"},
		{key: "MQTERM_KEEPALIVE_INTERVAL", value: "soon"},
		{key: "MQTERM_MAX_INFLIGHT", value: "many"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			cfg := DefaultConfig()
			err := cfg.applyEnv(func(key string) (string, bool) {
				if key == tt.key {
					return tt.value, true
				}
				return "", false
			})
			assert.ErrorContains(t, err, tt.key)
		})
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
		want   string
	}{
		{name: "no servers", modify: func(c *Config) { c.Servers = nil }, want: "servers"},
		{name: "keepalive too large", modify: func(c *Config) { c.KeepaliveInterval = 70000 }, want: "keepalive_interval"},
		{name: "negative keepalive", modify: func(c *Config) { c.KeepaliveInterval = -1 }, want: "keepalive_interval"},
		{name: "zero inflight", modify: func(c *Config) { c.MaxInflight = 0 }, want: "max_inflight"},
		{name: "zero backoff", modify: func(c *Config) { c.ReconnectBackoffMin = 0 }, want: "reconnect_backoff_min"},
		{name: "inverted backoff", modify: func(c *Config) { c.ReconnectBackoffMax = time.Millisecond }, want: "reconnect_backoff_max"},
		{name: "persistent session without id", modify: func(c *Config) { c.CleanSession = false }, want: "client_id"},
		{name: "negative retries", modify: func(c *Config) { c.MaxRetries = -1 }, want: "max_retries"},
		{name: "bad log level", modify: func(c *Config) { c.Log.Level = "loud" }, want: "log.level"},
		{name: "bad log format", modify: func(c *Config) { c.Log.Format = "xml" }, want: "log.format"},
		{name: "cert without key", modify: func(c *Config) { c.TLS.CertFile = "client.pem" }, want: "cert_file and key_file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestConfigValidateJoinsErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Servers = nil
	cfg.MaxInflight = 0
	cfg.Log.Format = "xml"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Len(t, strings.Split(err.Error(), "\n"), 3)
}

func TestConfigLogger(t *testing.T) {
	t.Run("text", func(t *testing.T) {
		var buf bytes.Buffer
		cfg := DefaultConfig()
		cfg.Log.Level = "warn"

		logger := cfg.Logger(&buf)
		require.IsType(t, &StdLogger{}, logger)

		logger.Info("hidden", nil)
		logger.Warn("shown", LogFields{LogFieldTopic: "a/b"})
		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "[WARN] shown topic=a/b")
	})

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		cfg := DefaultConfig()
		cfg.Log.Format = "json"

		logger := cfg.Logger(&buf)
		require.IsType(t, &SlogLogger{}, logger)

		logger.Debug("hidden", nil)
		logger.Info("connected", LogFields{LogFieldClientID: "shell"})

		var line map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
		assert.Equal(t, "connected", line["msg"])
		assert.Equal(t, "shell", line["client_id"])
	})
}

func writeTestKeyPair(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()
	cert, _ := generateTestCertificate(t)

	keyDER, err := x509.MarshalECPrivateKey(cert.PrivateKey.(*ecdsa.PrivateKey))
	require.NoError(t, err)

	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile
}

func TestConfigTLSClientConfig(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		cfg := DefaultConfig()
		tlsConfig, err := cfg.TLSClientConfig()
		require.NoError(t, err)
		assert.Nil(t, tlsConfig)
	})

	t.Run("ca and client certificate", func(t *testing.T) {
		dir := t.TempDir()
		certFile, keyFile := writeTestKeyPair(t, dir)

		cfg := DefaultConfig()
		cfg.TLS = TLSConfig{CAFile: certFile, CertFile: certFile, KeyFile: keyFile, ServerName: "broker"}

		tlsConfig, err := cfg.TLSClientConfig()
		require.NoError(t, err)
		assert.Equal(t, "broker", tlsConfig.ServerName)
		assert.NotNil(t, tlsConfig.RootCAs)
		assert.Len(t, tlsConfig.Certificates, 1)
	})

	t.Run("missing ca", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.TLS.CAFile = filepath.Join(t.TempDir(), "absent.pem")
		_, err := cfg.TLSClientConfig()
		assert.ErrorContains(t, err, "reading ca_file")
	})

	t.Run("ca without certificates", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ca.pem")
		require.NoError(t, os.WriteFile(path, []byte("not a certificate"), 0o600))

		cfg := DefaultConfig()
		cfg.TLS.CAFile = path
		_, err := cfg.TLSClientConfig()
		assert.ErrorContains(t, err, "no certificates found")
	})

	t.Run("bad key pair", func(t *testing.T) {
		dir := t.TempDir()
		certFile, _ := writeTestKeyPair(t, dir)

		cfg := DefaultConfig()
		cfg.TLS.CertFile = certFile
		cfg.TLS.KeyFile = certFile
		_, err := cfg.TLSClientConfig()
		assert.ErrorContains(t, err, "loading client certificate")
	})
}

func TestConfigOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ClientID = "shell"
	cfg.Username = "user"
	cfg.Password = "pass"
	cfg.Proxy = "http://proxy:3128"
	cfg.MaxInflight = 16
	cfg.TLS.InsecureSkipVerify = true

	opts, err := cfg.Options()
	require.NoError(t, err)

	o := applyOptions(opts...)
	assert.Equal(t, cfg.Servers, o.servers)
	assert.Equal(t, "shell", o.clientID)
	assert.Equal(t, "user", o.username)
	assert.Equal(t, []byte("pass"), o.password)
	assert.Equal(t, "http://proxy:3128", o.proxyURL)
	assert.Equal(t, uint16(16), o.maxInflight)
	assert.Equal(t, uint16(60), o.keepAlive)
	assert.Equal(t, 10*time.Second, o.connectTimeout)
	require.NotNil(t, o.tlsConfig)
	assert.True(t, o.tlsConfig.InsecureSkipVerify)
}
