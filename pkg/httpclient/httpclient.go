// Package httpclient builds *http.Client values with secure, explicit
// defaults (TLS 1.2 minimum, bounded timeouts, capped connection pools)
// for every outbound call the host daemon, CVM agent, and verifier make.
package httpclient

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// Config contains configuration options for secure HTTP clients.
type Config struct {
	// Timeout is the total timeout for a request including connection, headers, and body.
	// Default: 30 seconds
	Timeout time.Duration

	// ConnectTimeout is the maximum time to wait for a connection to be established.
	// Default: 10 seconds
	ConnectTimeout time.Duration

	// TLSHandshakeTimeout is the maximum time to wait for TLS handshake.
	// Default: 10 seconds
	TLSHandshakeTimeout time.Duration

	// ResponseHeaderTimeout is the time to wait for response headers.
	// Default: 10 seconds
	ResponseHeaderTimeout time.Duration

	// IdleConnTimeout is how long idle connections are kept in the pool.
	// Default: 90 seconds
	IdleConnTimeout time.Duration

	// MaxIdleConns is the maximum number of idle connections across all hosts.
	// Default: 100
	MaxIdleConns int

	// MaxIdleConnsPerHost is the maximum number of idle connections per host.
	// Default: 10
	MaxIdleConnsPerHost int

	// MaxConnsPerHost is the maximum number of connections per host.
	// Default: 100
	MaxConnsPerHost int

	// MinTLSVersion is the minimum TLS version to use.
	// Default: tls.VersionTLS12
	MinTLSVersion uint16

	// InsecureSkipVerify disables TLS certificate verification.
	// DANGER: Only use for local development or testing. Never in production.
	InsecureSkipVerify bool

	// DisableKeepAlives disables HTTP keep-alives and only uses connections once.
	// Default: false
	DisableKeepAlives bool

	// ExpectContinueTimeout is the time to wait for server's 100-continue response.
	// Default: 1 second
	ExpectContinueTimeout time.Duration
}

// Option is a functional option for configuring Config.
type Option func(*Config)

// WithTimeout sets the total request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.Timeout = d
	}
}

// WithConnectTimeout sets the connection establishment timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.ConnectTimeout = d
	}
}

// WithTLSHandshakeTimeout sets the TLS handshake timeout.
func WithTLSHandshakeTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.TLSHandshakeTimeout = d
	}
}

// WithMinTLSVersion sets the minimum TLS version.
func WithMinTLSVersion(version uint16) Option {
	return func(c *Config) {
		c.MinTLSVersion = version
	}
}

// WithInsecureSkipVerify disables TLS certificate verification.
// DANGER: Only use for local development or testing. Never in production.
func WithInsecureSkipVerify(skip bool) Option {
	return func(c *Config) {
		c.InsecureSkipVerify = skip
	}
}

// WithMaxIdleConns sets the maximum number of idle connections.
func WithMaxIdleConns(n int) Option {
	return func(c *Config) {
		c.MaxIdleConns = n
	}
}

// WithMaxIdleConnsPerHost sets the maximum number of idle connections per host.
func WithMaxIdleConnsPerHost(n int) Option {
	return func(c *Config) {
		c.MaxIdleConnsPerHost = n
	}
}

// WithDisableKeepAlives disables HTTP keep-alives.
func WithDisableKeepAlives(disable bool) Option {
	return func(c *Config) {
		c.DisableKeepAlives = disable
	}
}

// DefaultConfig returns the default secure HTTP client configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:               30 * time.Second,
		ConnectTimeout:        10 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		MaxConnsPerHost:       100,
		MinTLSVersion:         tls.VersionTLS12,
		InsecureSkipVerify:    false,
		DisableKeepAlives:     false,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// New creates a new HTTP client with secure defaults: TLS 1.2 minimum,
// bounded timeouts, and certificate verification enabled.
//
// Use this instead of http.DefaultClient or &http.Client{} for any
// outbound call to an upstream, artifacts mirror, or AMD KDS endpoint.
func New(opts ...Option) *http.Client {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(&config)
	}

	return NewFromConfig(config)
}

// NewSecureHTTPClient is an alias of New kept for call sites that spell
// out what the client is for.
func NewSecureHTTPClient(opts ...Option) *http.Client {
	return New(opts...)
}

// NewFromConfig creates an HTTP client from a configuration struct. A
// MinTLSVersion below TLS 1.2 is raised to TLS 1.2.
func NewFromConfig(config Config) *http.Client {
	minVersion := config.MinTLSVersion
	if minVersion < tls.VersionTLS12 {
		minVersion = tls.VersionTLS12
	}
	tlsConfig := &tls.Config{
		MinVersion:         minVersion,
		InsecureSkipVerify: config.InsecureSkipVerify, //nolint:gosec // G402: Configurable for dev/test
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   config.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       tlsConfig,
		TLSHandshakeTimeout:   config.TLSHandshakeTimeout,
		ResponseHeaderTimeout: config.ResponseHeaderTimeout,
		IdleConnTimeout:       config.IdleConnTimeout,
		MaxIdleConns:          config.MaxIdleConns,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		MaxConnsPerHost:       config.MaxConnsPerHost,
		DisableKeepAlives:     config.DisableKeepAlives,
		ExpectContinueTimeout: config.ExpectContinueTimeout,
		ForceAttemptHTTP2:     true,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   config.Timeout,
	}
}

// NewTLS13 creates an HTTP client that requires TLS 1.3 minimum, for
// connections to services known to support it.
func NewTLS13(opts ...Option) *http.Client {
	allOpts := append([]Option{WithMinTLSVersion(tls.VersionTLS13)}, opts...)
	return New(allOpts...)
}

// NewDevClient creates an HTTP client for development/testing that may skip
// TLS verification. DANGER: never use in production code paths.
func NewDevClient(skipTLSVerify bool) *http.Client {
	return New(WithInsecureSkipVerify(skipTLSVerify))
}

// SecureTLSConfig returns a TLS configuration with secure defaults for
// custom transports or raw TLS connections outside of *http.Client.
func SecureTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
		},
		PreferServerCipherSuites: true,
	}
}
