// Package certs fetches and verifies the AMD SEV-SNP certificate chain
// (ARK, ASK, VCEK) and checks its embedded TCB/hardware-ID extensions
// against a report's reported TCB.
package certs

import (
	"bytes"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
)

// OIDs for the SEV-SNP extensions AMD embeds in the VCEK certificate,
// fixed by the processor programming reference under the
// 1.3.6.1.4.1.3704.1.3.* arc (plus the hardware ID extension at .1.4).
var (
	OIDBootLoader = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 3704, 1, 3, 1}
	OIDTEE        = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 3704, 1, 3, 2}
	OIDSNP        = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 3704, 1, 3, 3}
	OIDUcode      = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 3704, 1, 3, 8}
	OIDFMC        = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 3704, 1, 3, 9}
	OIDHWID       = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 3704, 1, 4}
)

// findExtension returns the raw extension value for oid, or nil if absent.
func findExtension(cert *x509.Certificate, oid asn1.ObjectIdentifier) []byte {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(oid) {
			return ext.Value
		}
	}
	return nil
}

// CheckTCBByte verifies that cert's extension at oid matches the reported
// TCB component value want.
func CheckTCBByte(cert *x509.Certificate, oid asn1.ObjectIdentifier, want byte) error {
	return checkExtensionByte(cert, oid, want)
}

// CheckHWID verifies that cert's hardware-ID extension matches chipID,
// which must be 64 bytes.
func CheckHWID(cert *x509.Certificate, chipID []byte) error {
	return checkExtensionBytes64(cert, OIDHWID, chipID)
}

// checkExtensionByte verifies that the DER-encoded extension value at oid
// equals the expected single byte want. Two encodings are accepted:
//
//   - INTEGER (tag 0x02): a 1- or 2-byte length payload whose last octet is
//     the value.
//   - legacy raw bytes with no DER tag at all: a single byte compared
//     directly.
//
// The OCTET STRING (tag 0x04) encoding of the 64-byte hardware ID is
// handled by checkExtensionBytes64, not here.
func checkExtensionByte(cert *x509.Certificate, oid asn1.ObjectIdentifier, want byte) error {
	raw := findExtension(cert, oid)
	if raw == nil {
		return fmt.Errorf("certificate is missing extension %v", oid)
	}
	if len(raw) == 0 {
		return fmt.Errorf("extension %v is empty", oid)
	}
	switch raw[0] {
	case 0x02: // INTEGER
		if len(raw) < 3 {
			return fmt.Errorf("extension %v INTEGER encoding too short", oid)
		}
		length := raw[1]
		if length != 0x1 && length != 0x2 {
			return fmt.Errorf("extension %v INTEGER has unexpected length byte 0x%x", oid, length)
		}
		got := raw[len(raw)-1]
		if got != want {
			return fmt.Errorf("extension %v mismatch: got 0x%x want 0x%x", oid, got, want)
		}
		return nil
	default:
		// legacy raw single byte comparison
		if len(raw) != 1 {
			return fmt.Errorf("extension %v has unexpected legacy encoding length %d", oid, len(raw))
		}
		if raw[0] != want {
			return fmt.Errorf("extension %v mismatch: got 0x%x want 0x%x", oid, raw[0], want)
		}
		return nil
	}
}

// checkExtensionBytes64 verifies that the DER-encoded extension value at oid
// equals the 64-byte want value, handling both the OCTET STRING encoding
// and the legacy raw-bytes encoding.
func checkExtensionBytes64(cert *x509.Certificate, oid asn1.ObjectIdentifier, want []byte) error {
	if len(want) != 64 {
		return fmt.Errorf("want value must be 64 bytes, got %d", len(want))
	}
	raw := findExtension(cert, oid)
	if raw == nil {
		return fmt.Errorf("certificate is missing extension %v", oid)
	}
	if len(raw) > 0 && raw[0] == 0x04 {
		if len(raw) < 2 || raw[1] != 0x40 {
			return fmt.Errorf("extension %v OCTET STRING has unexpected length byte", oid)
		}
		payload := raw[2:]
		if len(payload) != 0x40 {
			return fmt.Errorf("extension %v OCTET STRING payload is %d bytes, want 64", oid, len(payload))
		}
		if !bytes.Equal(payload, want) {
			return fmt.Errorf("extension %v hardware ID mismatch", oid)
		}
		return nil
	}
	if len(raw) != 64 {
		return fmt.Errorf("extension %v has unexpected legacy encoding length %d, want 64", oid, len(raw))
	}
	if !bytes.Equal(raw, want) {
		return fmt.Errorf("extension %v hardware ID mismatch", oid)
	}
	return nil
}
