package attestproducer

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type stubRequester struct {
	lastNonce [NonceSize]byte
	report    []byte
	calls     int
}

func (r *stubRequester) RequestReport(ctx context.Context, nonce [NonceSize]byte) ([]byte, error) {
	r.lastNonce = nonce
	r.calls++
	return r.report, nil
}

type stubGPUAttester struct {
	token string
	calls int
}

func (g *stubGPUAttester) Attest(ctx context.Context, fingerprintHex string) (string, error) {
	g.calls++
	return g.token, nil
}

func startTestTLSServer(t *testing.T) string {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "edge-proxy-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	require.NoError(t, err)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	t.Cleanup(func() { ln.Close() })

	return ln.Addr().(*net.TCPAddr).String()
}

func TestRefreshFetchesFingerprintAndRequestsReport(t *testing.T) {
	addr := startTestTLSServer(t)
	requester := &stubRequester{report: []byte("hardware-report-bytes")}
	gpu := &stubGPUAttester{token: "gpu-token"}

	p := New(Config{
		EdgeProxyAddr: addr,
		Requester:     requester,
		GPUAttester:   gpu,
		Environment:   Environment{NilccVersion: "1.0.0", VMType: "cpu", CPUCount: 4},
		Logger:        zerolog.Nop(),
	})

	require.NoError(t, p.Refresh(context.Background()))

	state := p.Current()
	require.Equal(t, []byte("hardware-report-bytes"), state.Report)
	require.Equal(t, "gpu-token", state.GPUToken)
	require.NotZero(t, state.Fingerprint)
	require.Equal(t, 1, requester.calls)
	require.Equal(t, 1, gpu.calls)

	require.Equal(t, byte(0x00), requester.lastNonce[0])
	require.Equal(t, state.Fingerprint[:], requester.lastNonce[1:1+FingerprintSize])
	for _, b := range requester.lastNonce[1+FingerprintSize:] {
		require.Equal(t, byte(0), b)
	}
}

func TestRefreshSkipsRegenerationWhenFingerprintUnchanged(t *testing.T) {
	addr := startTestTLSServer(t)
	requester := &stubRequester{report: []byte("report-v1")}

	p := New(Config{
		EdgeProxyAddr: addr,
		Requester:     requester,
		Logger:        zerolog.Nop(),
	})

	require.NoError(t, p.Refresh(context.Background()))
	require.NoError(t, p.Refresh(context.Background()))

	require.Equal(t, 1, requester.calls)
}

func TestStateReportHex(t *testing.T) {
	s := State{Report: []byte{0xde, 0xad, 0xbe, 0xef}}
	require.Equal(t, "deadbeef", s.ReportHex())
}
