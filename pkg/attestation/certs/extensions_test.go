package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func selfSignedWithExtensions(t *testing.T, extraExt []pkix.Extension) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:    big.NewInt(1),
		Subject:         pkix.Name{CommonName: "test-vcek"},
		NotBefore:       time.Now().Add(-time.Hour),
		NotAfter:        time.Now().Add(time.Hour),
		ExtraExtensions: extraExt,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func integerExtension(oid asn1.ObjectIdentifier, value byte) pkix.Extension {
	b, err := asn1.Marshal(int(value))
	if err != nil {
		panic(err)
	}
	return pkix.Extension{Id: oid, Value: b}
}

func TestCheckTCBByteIntegerEncoding(t *testing.T) {
	cert := selfSignedWithExtensions(t, []pkix.Extension{integerExtension(OIDSNP, 5)})
	require.NoError(t, CheckTCBByte(cert, OIDSNP, 5))
	require.Error(t, CheckTCBByte(cert, OIDSNP, 6))
}

func TestCheckTCBByteMissingExtension(t *testing.T) {
	cert := selfSignedWithExtensions(t, nil)
	require.Error(t, CheckTCBByte(cert, OIDSNP, 5))
}

func TestCheckHWIDOctetString(t *testing.T) {
	hwid := make([]byte, 64)
	for i := range hwid {
		hwid[i] = byte(i)
	}
	value := append([]byte{0x04, 0x40}, hwid...)
	cert := selfSignedWithExtensions(t, []pkix.Extension{{Id: OIDHWID, Value: value}})
	require.NoError(t, CheckHWID(cert, hwid))

	other := make([]byte, 64)
	require.Error(t, CheckHWID(cert, other))
}

func TestCheckHWIDLegacyEncoding(t *testing.T) {
	hwid := make([]byte, 64)
	for i := range hwid {
		hwid[i] = byte(64 - i)
	}
	cert := selfSignedWithExtensions(t, []pkix.Extension{{Id: OIDHWID, Value: hwid}})
	require.NoError(t, CheckHWID(cert, hwid))
}

func TestCommonNameRole(t *testing.T) {
	arkCert := &x509.Certificate{Subject: pkix.Name{CommonName: "ARK-Milan"}}
	require.Equal(t, roleARK, commonNameRole(arkCert))

	askCert := &x509.Certificate{Subject: pkix.Name{CommonName: "SEV-Milan-ASK"}}
	require.Equal(t, roleASK, commonNameRole(askCert))
}
