package certs

import (
	"context"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/virtengine/nilcc/pkg/attestation/sev"
	"github.com/virtengine/nilcc/pkg/httpclient"
)

const (
	// DefaultBaseURL is the AMD Key Distribution Service root.
	DefaultBaseURL = "https://kdsintf.amd.com"

	vcekPathPrefix = "/vcek/v1"

	defaultRequestTimeout = 30 * time.Second
	defaultMaxRetries     = 3
	defaultRetryBaseDelay = 1 * time.Second
	defaultRetryMaxDelay  = 30 * time.Second
)

// Config configures a Client. Zero value is not usable; use DefaultConfig
// then apply Option functions.
type Config struct {
	BaseURL        string
	HTTPClient     *http.Client
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	Logger         zerolog.Logger
	Cache          Cache
}

// Option customizes a Config.
type Option func(*Config)

// WithBaseURL overrides the KDS base URL, useful for pointing at a test
// double in integration tests.
func WithBaseURL(u string) Option { return func(c *Config) { c.BaseURL = u } }

// WithHTTPClient overrides the HTTP client used for KDS requests.
func WithHTTPClient(hc *http.Client) Option { return func(c *Config) { c.HTTPClient = hc } }

// WithLogger attaches a component-scoped logger.
func WithLogger(l zerolog.Logger) Option { return func(c *Config) { c.Logger = l.With().Str("component", "kds_client").Logger() } }

// WithCache overrides the certificate cache backing the client.
func WithCache(cache Cache) Option { return func(c *Config) { c.Cache = cache } }

// DefaultConfig returns a Config wired to the real AMD KDS with sane
// timeouts and retry policy.
func DefaultConfig() Config {
	return Config{
		BaseURL:        DefaultBaseURL,
		HTTPClient:     httpclient.New(httpclient.WithTimeout(defaultRequestTimeout)),
		MaxRetries:     defaultMaxRetries,
		RetryBaseDelay: defaultRetryBaseDelay,
		RetryMaxDelay:  defaultRetryMaxDelay,
		Logger:         zerolog.Nop(),
		Cache:          NewMemoryCache(24 * time.Hour),
	}
}

// Client fetches and caches AMD KDS certificates, deduplicating concurrent
// requests for the same certificate via singleflight so a burst of reports
// sharing a chip_id/TCB combination only hits the network once.
type Client struct {
	cfg    Config
	group  singleflight.Group
	logger zerolog.Logger
}

// NewClient builds a Client from DefaultConfig with the given overrides
// applied.
func NewClient(opts ...Option) *Client {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Client{cfg: cfg, logger: cfg.Logger}
}

// TCBParams are the zero-padded two-digit SPL query parameters the VCEK
// endpoint requires, one per TCB component.
type TCBParams struct {
	BootLoader uint8
	TEE        uint8
	SNP        uint8
	Microcode  uint8
	// FMC is only sent for Turin, whose VCEK URL gets an extra fmcSPL
	// parameter.
	FMC *uint8
}

// Error wraps a failed KDS operation with enough context to log or branch
// on (certificate not found vs rate limited vs transport failure).
type Error struct {
	Op         string
	Product    string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("kds: %s for %s failed: HTTP %d: %v", e.Op, e.Product, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("kds: %s for %s failed: %v", e.Op, e.Product, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// FetchCertChain retrieves the ARK and ASK certificates for processor.
func (c *Client) FetchCertChain(ctx context.Context, processor sev.Processor) (ark, ask *x509.Certificate, err error) {
	product, err := processor.KDSProductName()
	if err != nil {
		return nil, nil, err
	}
	cacheKey := "chain:" + product
	if raw, ok := c.cfg.Cache.Get(cacheKey); ok {
		ark, ask, err = ParseCertChainPEM(raw)
		if err == nil {
			return ark, ask, nil
		}
		c.logger.Warn().Err(err).Str("product", product).Msg("discarding corrupt cached cert chain")
	}

	u := fmt.Sprintf("%s%s/%s/cert_chain", c.cfg.BaseURL, vcekPathPrefix, product)
	raw, fetchErr, _ := c.group.Do(cacheKey, func() (interface{}, error) {
		body, err := c.doRequestWithRetry(ctx, "fetch_cert_chain", product, u)
		if err != nil {
			return nil, err
		}
		return body, nil
	})
	if fetchErr != nil {
		return nil, nil, fetchErr
	}
	body := raw.([]byte)
	ark, ask, err = ParseCertChainPEM(body)
	if err != nil {
		return nil, nil, &Error{Op: "fetch_cert_chain", Product: product, Err: err}
	}
	c.cfg.Cache.Set(cacheKey, body)
	return ark, ask, nil
}

// FetchVCEK retrieves the chip- and TCB-specific VCEK certificate.
func (c *Client) FetchVCEK(ctx context.Context, processor sev.Processor, chipID [sev.ChipIDSize]byte, tcb TCBParams) (*x509.Certificate, error) {
	product, err := processor.KDSProductName()
	if err != nil {
		return nil, err
	}
	hwIDLen := sev.ChipIDSize
	if processor == sev.ProcessorTurin {
		hwIDLen = 8
	}
	hwIDHex := hex.EncodeToString(chipID[:hwIDLen])

	params := url.Values{}
	if processor == sev.ProcessorTurin {
		if tcb.FMC == nil {
			return nil, fmt.Errorf("turin VCEK request requires fmcSPL but none was given")
		}
		params.Set("fmcSPL", zeroPad(*tcb.FMC))
	}
	params.Set("blSPL", zeroPad(tcb.BootLoader))
	params.Set("teeSPL", zeroPad(tcb.TEE))
	params.Set("snpSPL", zeroPad(tcb.SNP))
	params.Set("ucodeSPL", zeroPad(tcb.Microcode))

	cacheKey := fmt.Sprintf("vcek:%s:%s:%s", product, hwIDHex, params.Encode())
	if raw, ok := c.cfg.Cache.Get(cacheKey); ok {
		if cert, err := x509.ParseCertificate(raw); err == nil {
			return cert, nil
		}
	}

	u := fmt.Sprintf("%s%s/%s/%s?%s", c.cfg.BaseURL, vcekPathPrefix, product, hwIDHex, params.Encode())
	raw, fetchErr, _ := c.group.Do(cacheKey, func() (interface{}, error) {
		return c.doRequestWithRetry(ctx, "fetch_vcek", product, u)
	})
	if fetchErr != nil {
		return nil, fetchErr
	}
	body := raw.([]byte)
	cert, err := x509.ParseCertificate(body)
	if err != nil {
		return nil, &Error{Op: "fetch_vcek", Product: product, Err: fmt.Errorf("decoding DER certificate: %w", err)}
	}
	c.cfg.Cache.Set(cacheKey, body)
	return cert, nil
}

func zeroPad(v uint8) string {
	return fmt.Sprintf("%02d", v)
}

func (c *Client) doRequestWithRetry(ctx context.Context, op, product, u string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt)
			c.logger.Debug().Str("op", op).Int("attempt", attempt).Dur("delay", delay).Msg("retrying KDS request")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		body, status, err := c.doRequest(ctx, u)
		if err == nil {
			return body, nil
		}
		lastErr = &Error{Op: op, Product: product, StatusCode: status, Err: err}
		if status != 0 && status < 500 && status != http.StatusTooManyRequests {
			// Client errors other than rate limiting will not succeed on
			// retry.
			break
		}
	}
	return nil, lastErr
}

func (c *Client) doRequest(ctx context.Context, u string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("unexpected status %s", strconv.Itoa(resp.StatusCode))
	}
	return body, resp.StatusCode, nil
}

func (c *Client) backoff(attempt int) time.Duration {
	base := float64(c.cfg.RetryBaseDelay)
	d := time.Duration(base * math.Pow(2, float64(attempt-1)))
	if d > c.cfg.RetryMaxDelay {
		d = c.cfg.RetryMaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 4))
	return d + jitter
}
