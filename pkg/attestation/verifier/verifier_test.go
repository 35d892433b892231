package verifier

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha512"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/virtengine/nilcc/pkg/attestation/certs"
	"github.com/virtengine/nilcc/pkg/attestation/sev"
)

type stubFetcher struct {
	ark, ask, vcek *x509.Certificate
}

func (s *stubFetcher) FetchCertChain(ctx context.Context, processor sev.Processor) (*x509.Certificate, *x509.Certificate, error) {
	return s.ark, s.ask, nil
}

func (s *stubFetcher) FetchVCEK(ctx context.Context, processor sev.Processor, chipID [sev.ChipIDSize]byte, tcb certs.TCBParams) (*x509.Certificate, error) {
	return s.vcek, nil
}

func intExt(oid asn1.ObjectIdentifier, v byte) pkix.Extension {
	b, _ := asn1.Marshal(int(v))
	return pkix.Extension{Id: oid, Value: b}
}

func buildChainAndReport(t *testing.T, tamperMeasurement bool, debug bool) (*sev.Report, *stubFetcher) {
	t.Helper()

	arkKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	arkTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "ARK-Milan"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IsCA:         true,

		BasicConstraintsValid: true,
	}
	arkDER, err := x509.CreateCertificate(rand.Reader, arkTmpl, arkTmpl, &arkKey.PublicKey, arkKey)
	require.NoError(t, err)
	arkCert, err := x509.ParseCertificate(arkDER)
	require.NoError(t, err)

	askKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	askTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "SEV-Milan-ASK"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IsCA:         true,

		BasicConstraintsValid: true,
	}
	askDER, err := x509.CreateCertificate(rand.Reader, askTmpl, arkTmpl, &askKey.PublicKey, arkKey)
	require.NoError(t, err)
	askCert, err := x509.ParseCertificate(askDER)
	require.NoError(t, err)

	hwid := make([]byte, 64)
	for i := range hwid {
		hwid[i] = byte(i + 1)
	}

	vcekKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	vcekTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(3),
		Subject:      pkix.Name{CommonName: "SEV-VCEK"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		ExtraExtensions: []pkix.Extension{
			intExt(certs.OIDBootLoader, 2),
			intExt(certs.OIDTEE, 3),
			intExt(certs.OIDSNP, 8),
			intExt(certs.OIDUcode, 1),
			intExt(certs.OIDFMC, 0),
			{Id: certs.OIDHWID, Value: append([]byte{0x04, 0x40}, hwid...)},
		},
	}
	vcekDER, err := x509.CreateCertificate(rand.Reader, vcekTmpl, askTmpl, &vcekKey.PublicKey, askKey)
	require.NoError(t, err)
	vcekCert, err := x509.ParseCertificate(vcekDER)
	require.NoError(t, err)

	raw := make([]byte, sev.ReportSize)
	raw[0] = 3 // version 3
	if debug {
		raw[0x0A] = 0x08 // bit 19 set -> byte 2 of the 8-byte policy field
	}
	copy(raw[0x1A0:0x1A0+sev.ChipIDSize], hwid)
	raw[0x50] = 2 // ReportedTCB bootloader
	raw[0x51] = 0 // ReportedTCB fmc
	raw[0x52] = 8 // ReportedTCB snp
	raw[0x56] = 3 // ReportedTCB tee
	raw[0x57] = 1 // ReportedTCB microcode
	raw[0x188] = 0x19 // cpuid family (Milan)
	raw[0x189] = 0x01 // cpuid model

	measurement := [48]byte{}
	for i := range measurement {
		measurement[i] = byte(i)
	}
	if !tamperMeasurement {
		copy(raw[0x90:0x90+48], measurement[:])
	} else {
		other := measurement
		other[0] ^= 0xFF
		copy(raw[0x90:0x90+48], other[:])
	}

	digest := sha512.Sum384(raw[:sev.SignedPrefixSize])
	r, s, err := ecdsa.Sign(rand.Reader, vcekKey, digest[:])
	require.NoError(t, err)
	rb := r.Bytes()
	sb := s.Bytes()
	copy(raw[sev.SignedPrefixSize:sev.SignedPrefixSize+48], leftPadReverse(rb, 48))
	copy(raw[sev.SignedPrefixSize+72:sev.SignedPrefixSize+72+48], leftPadReverse(sb, 48))

	report, err := sev.ParseReport(raw)
	require.NoError(t, err)

	return report, &stubFetcher{ark: arkCert, ask: askCert, vcek: vcekCert}
}

// leftPadReverse left-pads b to n bytes (big-endian semantics), then
// reverses it into the little-endian layout the report signature field
// uses.
func leftPadReverse(b []byte, n int) []byte {
	padded := make([]byte, n)
	copy(padded[n-len(b):], b)
	out := make([]byte, n)
	for i, v := range padded {
		out[n-1-i] = v
	}
	return out
}

func TestVerifyReportSucceeds(t *testing.T) {
	report, fetcher := buildChainAndReport(t, false, false)
	v := New(fetcher)

	measurement := [48]byte{}
	for i := range measurement {
		measurement[i] = byte(i)
	}

	_, err := v.VerifyReport(context.Background(), report, measurement)
	require.NoError(t, err)
}

func TestVerifyReportRejectsMeasurementMismatch(t *testing.T) {
	report, fetcher := buildChainAndReport(t, true, false)
	v := New(fetcher)

	measurement := [48]byte{}
	for i := range measurement {
		measurement[i] = byte(i)
	}

	_, err := v.VerifyReport(context.Background(), report, measurement)
	require.Error(t, err)
}

func TestVerifyAMDRejectsDebugEnabled(t *testing.T) {
	report, fetcher := buildChainAndReport(t, false, true)
	v := New(fetcher)

	_, err := v.VerifyAMD(context.Background(), report)
	require.Error(t, err)
}
