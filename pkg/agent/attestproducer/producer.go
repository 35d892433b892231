// Package attestproducer holds the in-VM agent's current attestation
// report, refreshing it whenever the edge proxy's TLS certificate
// changes so a verifier always sees a report bound to the live key.
package attestproducer

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	nilerrors "github.com/virtengine/nilcc/pkg/errors"
)

// FingerprintSize is the length of the edge proxy's leaf-certificate
// public-key fingerprint (SHA-256 of subject_pki.raw).
const FingerprintSize = 32

// NonceSize is the length of the nonce passed to the hardware report
// request: a version byte, the fingerprint, and zero padding.
const NonceSize = 64

// ReportRequester asks the platform (/dev/sev-guest on a real CVM) for a
// hardware attestation report bound to the given nonce.
type ReportRequester interface {
	RequestReport(ctx context.Context, nonce [NonceSize]byte) ([]byte, error)
}

// GPUAttester invokes the external GPU attester binary and returns its
// stdout as an opaque token. Implemented when GPU attestation is enabled;
// nil otherwise.
type GPUAttester interface {
	Attest(ctx context.Context, fingerprintHex string) (string, error)
}

// Environment carries metadata the v2 report endpoint echoes back
// alongside the raw report bytes.
type Environment struct {
	NilccVersion string
	VMType       string
	CPUCount     int
}

// State is a snapshot of the producer's current attestation material.
type State struct {
	Report      []byte
	Fingerprint [FingerprintSize]byte
	GPUToken    string
	Environment Environment
}

// ReportHex returns the current report's hex encoding, for the v2 wire
// format.
func (s State) ReportHex() string {
	return hex.EncodeToString(s.Report)
}

// Producer holds the current (report, optional GPU token, TLS
// fingerprint) triple and keeps it fresh against the edge proxy's
// certificate.
type Producer struct {
	mu    sync.RWMutex
	state State

	edgeProxyAddr string
	requester     ReportRequester
	gpuAttester   GPUAttester
	environment   Environment
	refreshEvery  time.Duration
	dialTimeout   time.Duration

	logger zerolog.Logger
}

// Config configures a new Producer.
type Config struct {
	// EdgeProxyAddr is the host:port of the in-VM edge TLS proxy whose
	// leaf certificate is fingerprinted.
	EdgeProxyAddr string
	Requester     ReportRequester
	GPUAttester   GPUAttester
	Environment   Environment
	RefreshEvery  time.Duration
	DialTimeout   time.Duration
	Logger        zerolog.Logger
}

// New builds a Producer. Call Refresh once before serving reports, then
// Run in a goroutine to keep it current.
func New(cfg Config) *Producer {
	refreshEvery := cfg.RefreshEvery
	if refreshEvery <= 0 {
		refreshEvery = 30 * time.Second
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return &Producer{
		edgeProxyAddr: cfg.EdgeProxyAddr,
		requester:     cfg.Requester,
		gpuAttester:   cfg.GPUAttester,
		environment:   cfg.Environment,
		refreshEvery:  refreshEvery,
		dialTimeout:   dialTimeout,
		logger:        cfg.Logger.With().Str("component", "attestation-producer").Logger(),
	}
}

// Current returns the producer's latest snapshot.
func (p *Producer) Current() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Run refreshes the report every tick until ctx is cancelled. The first
// refresh should be done explicitly via Refresh before Run starts so
// callers can fail fast on startup.
func (p *Producer) Run(ctx context.Context) {
	ticker := time.NewTicker(p.refreshEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Refresh(ctx); err != nil {
				p.logger.Error().Err(err).Msg("failed to refresh attestation report")
			}
		}
	}
}

// Refresh fetches the edge proxy's current TLS fingerprint and, if it
// changed, regenerates the hardware report (and GPU token, if enabled)
// atomically under the producer's lock.
func (p *Producer) Refresh(ctx context.Context) error {
	fingerprint, err := p.fetchFingerprint(ctx)
	if err != nil {
		return nilerrors.Wrap("fetching edge proxy tls fingerprint", err)
	}

	p.mu.RLock()
	unchanged := p.state.Fingerprint == fingerprint
	p.mu.RUnlock()
	if unchanged {
		return nil
	}

	nonce := buildNonce(fingerprint)
	report, err := p.requester.RequestReport(ctx, nonce)
	if err != nil {
		return nilerrors.Wrap("requesting hardware attestation report", err)
	}

	var gpuToken string
	if p.gpuAttester != nil {
		gpuToken, err = p.gpuAttester.Attest(ctx, hex.EncodeToString(fingerprint[:]))
		if err != nil {
			return nilerrors.Wrap("invoking gpu attester", err)
		}
	}

	p.mu.Lock()
	p.state = State{
		Report:      report,
		Fingerprint: fingerprint,
		GPUToken:    gpuToken,
		Environment: p.environment,
	}
	p.mu.Unlock()

	p.logger.Info().Str("fingerprint", hex.EncodeToString(fingerprint[:])).Msg("regenerated attestation report")
	return nil
}

// fetchFingerprint opens a TLS connection to the edge proxy ignoring
// certificate validity (the proxy's cert is exactly what we're trying to
// fingerprint) and returns the SHA-256 of the leaf certificate's
// subject_pki.raw field.
func (p *Producer) fetchFingerprint(ctx context.Context) ([FingerprintSize]byte, error) {
	var fingerprint [FingerprintSize]byte

	dialer := &tls.Dialer{
		Config: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // fingerprinting our own proxy's cert by design
	}
	dialCtx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()

	conn, err := dialer.DialContext(dialCtx, "tcp", p.edgeProxyAddr)
	if err != nil {
		return fingerprint, fmt.Errorf("dialing edge proxy %s: %w", p.edgeProxyAddr, err)
	}
	defer conn.Close()

	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return fingerprint, fmt.Errorf("unexpected connection type for edge proxy dial")
	}
	certs := tlsConn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return fingerprint, fmt.Errorf("edge proxy presented no certificates")
	}

	fingerprint = sha256.Sum256(certs[0].RawSubjectPublicKeyInfo)
	return fingerprint, nil
}

// buildNonce lays out the report-request nonce: a version byte, the
// 32-byte fingerprint, and zero padding to NonceSize.
func buildNonce(fingerprint [FingerprintSize]byte) [NonceSize]byte {
	var nonce [NonceSize]byte
	nonce[0] = 0x00
	copy(nonce[1:1+FingerprintSize], fingerprint[:])
	return nonce
}
