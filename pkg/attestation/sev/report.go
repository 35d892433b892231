// Package sev decodes AMD SEV-SNP attestation reports and implements the
// canonical byte layout used to verify their ECDSA signature.
package sev

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// ReportSize is the total size in bytes of a SEV-SNP attestation report as
// emitted by the guest firmware device.
const ReportSize = 0x4A0

// SignedPrefixSize is the number of leading bytes of the report that are
// covered by its ECDSA signature.
const SignedPrefixSize = 0x2A0

// ChipIDSize is the length in bytes of the report's hardware identifier.
const ChipIDSize = 64

// TCBVersion captures the individual component versions that make up a
// Trusted Computing Base version vector.
type TCBVersion struct {
	BootLoader uint8
	TEE        uint8
	SNP        uint8
	Microcode  uint8
	// FMC is only present on processors with a firmware management chiplet
	// (Turin). A nil value means the field is absent from the report.
	FMC *uint8
}

// Signature holds the raw ECDSA (r, s) pair as encoded in the report, each
// zero-padded to 72 bytes little-endian per the SEV-SNP ABI.
type Signature struct {
	R [72]byte
	S [72]byte
}

// Report is the subset of the AMD SEV-SNP attestation report this system
// inspects. The whole report is kept verbatim in Raw so the signed prefix
// can be taken from the original bytes for signature verification.
type Report struct {
	Version      uint32
	GuestSVN     uint32
	Policy       uint64
	FamilyID     [16]byte
	ImageID      [16]byte
	VMPL         uint32
	SignatureAlg uint32
	CurrentTCB   TCBVersion
	PlatformInfo uint64
	AuthorKeyEn  uint32
	ReportedTCB  TCBVersion
	ChipID       [ChipIDSize]byte
	Measurement  [48]byte
	ReportData   [64]byte
	CPUIDFamID   *uint8
	CPUIDModID   *uint8
	Signature    Signature

	// Raw is the full ReportSize-byte report exactly as read from the
	// device, kept so signature verification always operates on the
	// original bytes rather than a re-serialization that could drift.
	Raw []byte
}

// offSignature is the byte offset of the signature block within the report.
const offSignature = 0x2A0

// ParseReport decodes a raw SEV-SNP attestation report. It accepts both
// version-2 (no FMC, no CPUID family/model) and version-3+ reports.
func ParseReport(raw []byte) (*Report, error) {
	if len(raw) < ReportSize {
		return nil, fmt.Errorf("report too short: got %d bytes, want at least %d", len(raw), ReportSize)
	}
	r := &Report{Raw: append([]byte(nil), raw...)}
	r.Version = binary.LittleEndian.Uint32(raw[0x00:0x04])
	r.GuestSVN = binary.LittleEndian.Uint32(raw[0x04:0x08])
	r.Policy = binary.LittleEndian.Uint64(raw[0x08:0x10])
	copy(r.FamilyID[:], raw[0x10:0x20])
	copy(r.ImageID[:], raw[0x20:0x30])
	r.VMPL = binary.LittleEndian.Uint32(raw[0x30:0x34])
	r.SignatureAlg = binary.LittleEndian.Uint32(raw[0x34:0x38])
	r.CurrentTCB = parseTCB(raw[0x38:0x40], r.Version)
	r.PlatformInfo = binary.LittleEndian.Uint64(raw[0x40:0x48])
	r.AuthorKeyEn = binary.LittleEndian.Uint32(raw[0x48:0x4C])
	// 0x4C-0x50 reserved
	r.ReportedTCB = parseTCB(raw[0x50:0x58], r.Version)
	copy(r.ChipID[:], raw[0x1A0:0x1A0+ChipIDSize])
	copy(r.Measurement[:], raw[0x90:0x90+48])
	copy(r.ReportData[:], raw[0x50+0x80:0x50+0x80+64])

	if r.Version >= 3 {
		fam := raw[0x188]
		mod := raw[0x189]
		r.CPUIDFamID = &fam
		r.CPUIDModID = &mod
	}

	sigOff := offSignature
	copy(r.Signature.R[:], raw[sigOff:sigOff+72])
	copy(r.Signature.S[:], raw[sigOff+72:sigOff+144])

	return r, nil
}

func parseTCB(b []byte, version uint32) TCBVersion {
	tcb := TCBVersion{
		BootLoader: b[0],
		Microcode:  b[7],
	}
	// SNP/TEE byte positions shift slightly between TCB encodings; the
	// layout below matches the widely deployed v2/v3 encodings where byte
	// 1 is a reserved/FMC slot, bytes [2] and [6] hold SNP/TEE.
	tcb.SNP = b[2]
	tcb.TEE = b[6]
	if version >= 3 {
		fmc := b[1]
		tcb.FMC = &fmc
	}
	return tcb
}

// SignedPrefix returns the byte range of the report that is covered by its
// ECDSA signature: bytes [0x0, 0x2A0).
func (r *Report) SignedPrefix() []byte {
	return r.Raw[:SignedPrefixSize]
}

// DebugEnabled reports whether the debug policy bit is set. Bit 19 of the
// policy field disables debug when clear under the SEV-SNP ABI; this
// system rejects any report with the bit set, per spec's debug-disabled
// policy check.
func (r *Report) DebugEnabled() bool {
	const debugBit = 1 << 19
	return r.Policy&debugBit != 0
}

// ChipIDIsZero reports whether the report's hardware identifier is all
// zero bytes, which signals a malformed or unbound legacy report.
func (r *Report) ChipIDIsZero() bool {
	return bytes.Equal(r.ChipID[:], make([]byte, ChipIDSize))
}
