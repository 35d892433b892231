package measurement

import (
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"os"
)

// CPUType identifies the vCPU model the launch digest is computed for.
// Only EPYC-v4 (Milan/Genoa-class) is supported; this is the only model
// nilcc images ever boot under.
type CPUType int

const (
	CPUTypeEPYCv4 CPUType = iota
)

// VMMType identifies the hypervisor the guest is launched under. The
// launch digest folds in the VMM type because different VMMs populate
// the initial VMSA state (reset vector, segment selectors) slightly
// differently.
type VMMType int

const (
	VMMTypeQEMU VMMType = iota
)

// GuestFeatures mirrors the SNP_FEATURES field the guest owner negotiates
// with the PSP at launch. nilcc images always request feature bit 0
// (SNP basic feature set, no additional optional features).
type GuestFeatures uint64

const DefaultGuestFeatures GuestFeatures = 0x01

// LaunchDigestArgs are the inputs to the SEV-SNP launch measurement: the
// firmware, kernel and initrd images that get mapped into guest memory
// before first vCPU run, the rendered kernel command line appended to
// them, and the vCPU topology/feature negotiation that shapes the
// initial VMSA pages the PSP measures alongside guest memory.
type LaunchDigestArgs struct {
	VCPUs         uint32
	VCPUType      CPUType
	GuestFeatures GuestFeatures
	VMMType       VMMType
	OVMFPath      string
	KernelPath    string
	InitrdPath    string
	Cmdline       string
}

// SEV-SNP PAGE_INFO page_type values (AMD SEV-SNP Firmware ABI
// Specification, section on SNP_LAUNCH_UPDATE measurement).
const (
	pageTypeNormal = 0x01
	pageTypeVMSA   = 0x02
	pageTypeZero   = 0x03
)

const pageSize = 4096

// Guest physical address layout for a QEMU/OVMF direct-kernel-boot
// SEV-SNP launch: OVMF always ends flush with the 4 GiB boundary, the
// kernel is loaded at QEMU's default direct-boot load address, the
// rendered command line occupies the reserved low-memory page QEMU
// populates below the EBDA, and VMSAs are placed one page per vCPU
// counting down from the top of the address space.
const (
	ovmfTopGPA  = 0x1_0000_0000
	kernelGPA   = 0x0100_0000
	cmdlineGPA  = 0x0009_f000
	vmsaTopGPA  = 0xffff_ffff_f000
	vmsaPageGap = pageSize
)

// pageInfo mirrors AMD's PAGE_INFO structure: every page the PSP maps
// into guest memory before first vCPU run folds one of these into the
// running launch digest, regardless of the page's type. contents holds
// a SHA-384 of the page's bytes for measured page types and is left
// zero for page types SNP does not hash (zero pages).
type pageInfo struct {
	digestCur [48]byte
	contents  [48]byte
	pageType  uint8
	gpa       uint64
}

// marshal renders p in the fixed 112-byte PAGE_INFO wire layout the PSP
// hashes: digest_cur (48) || contents (48) || length:u16 || page_type:u8
// || imi_page:u8 || vmpl3..vmpl1 perms (3 bytes, unused here and left
// zero) || reserved:u8 || gpa:u64.
func (p pageInfo) marshal() []byte {
	const size = 112
	buf := make([]byte, size)
	copy(buf[0:48], p.digestCur[:])
	copy(buf[48:96], p.contents[:])
	binary.LittleEndian.PutUint16(buf[96:98], size)
	buf[98] = p.pageType
	binary.LittleEndian.PutUint64(buf[104:112], p.gpa)
	return buf
}

// foldPage replays the PSP's GCTX.LD <- SHA384(GCTX.LD || PAGE_INFO)
// update for a single measured page.
func foldPage(digest [48]byte, pageType uint8, gpa uint64, contents [48]byte) [48]byte {
	return sha512.Sum384(pageInfo{digestCur: digest, contents: contents, pageType: pageType, gpa: gpa}.marshal())
}

// foldContentPages folds data into digest as PAGE_TYPE_NORMAL pages
// starting at gpa, one PAGE_INFO update per 4 KiB chunk (the final
// chunk zero-padded), each chunk's contents field holding that chunk's
// own SHA-384 rather than the raw bytes.
func foldContentPages(digest [48]byte, gpa uint64, data []byte) [48]byte {
	for off := 0; off < len(data); off += pageSize {
		end := off + pageSize
		if end > len(data) {
			end = len(data)
		}
		var page [pageSize]byte
		copy(page[:], data[off:end])
		digest = foldPage(digest, pageTypeNormal, gpa+uint64(off), sha512.Sum384(page[:]))
	}
	return digest
}

// foldVMSA folds one vCPU's initial VMSA page, identified by its
// top-of-memory GPA slot.
func foldVMSA(digest [48]byte, gpa uint64, vmsa []byte) [48]byte {
	return foldPage(digest, pageTypeVMSA, gpa, sha512.Sum384(vmsa))
}

// buildResetVMSA renders the 4 KiB initial save-state page SEV-SNP
// measures for one vCPU at launch: every lane held in the standard x86
// power-on reset state (16-bit real mode, CS based at the reset
// vector, paging and long mode disabled) except for the guest-owner
// negotiated SNP_FEATURES bitmap, which the PSP requires the guest to
// commit to in the VMSA before first run. Field offsets follow the
// VMCB/VMSA save-state layout AMD's APM (Vol. 2, Table B-4) and the
// Linux kernel's struct vmcb_save_area define; only the subset that
// differs from zero at reset is populated, everything else is left at
// its power-on-reset value of zero.
func buildResetVMSA(vmmType VMMType, features GuestFeatures) []byte {
	vmsa := make([]byte, pageSize)

	// CS: selector 0xf000, base 0xffff0000, limit 0xffff, present
	// 16-bit code segment (reset vector semantics QEMU and other VMMs
	// agree on; vmmType is folded in as a VMSA reserved-byte tag below
	// for VMMs whose OVMF variant patches the selector attributes).
	const csOffset = 0x10
	binary.LittleEndian.PutUint16(vmsa[csOffset:], 0xf000)
	binary.LittleEndian.PutUint16(vmsa[csOffset+2:], 0x9b)
	binary.LittleEndian.PutUint32(vmsa[csOffset+4:], 0xffff)
	binary.LittleEndian.PutUint64(vmsa[csOffset+8:], 0xffff0000)

	const efer = 0x01d0
	binary.LittleEndian.PutUint64(vmsa[efer:], 0)

	const cr0 = 0x0158
	binary.LittleEndian.PutUint64(vmsa[cr0:], 0x60000010)

	const rip = 0x0178
	binary.LittleEndian.PutUint64(vmsa[rip:], 0xfff0)

	const snpFeatures = 0x01b0
	binary.LittleEndian.PutUint64(vmsa[snpFeatures:], uint64(features))

	const vmmTag = 0x01b8
	binary.LittleEndian.PutUint32(vmsa[vmmTag:], uint32(vmmType))

	return vmsa
}

// CalculateLaunchDigest computes the 48-byte SEV-SNP launch digest for
// the given guest configuration by replaying the PSP's page-measurement
// accumulation: a zero-seeded running SHA-384 state folded, in launch
// order, with a PAGE_INFO descriptor per OVMF/kernel/initrd/cmdline page
// and one VMSA descriptor per vCPU. No library in this codebase's
// dependency surface implements AMD's GCTX replay, so this is a direct
// port of that replay procedure rather than a call to one; exact guest
// physical placement of the kernel, initrd and command line pages is
// fixed to the addresses QEMU's direct Linux boot path uses for
// SEV-SNP guests, which is the one launch shape nilcc images use.
func CalculateLaunchDigest(args LaunchDigestArgs) ([48]byte, error) {
	var digest [48]byte // GCTX.LD starts zeroed

	ovmf, err := os.ReadFile(args.OVMFPath)
	if err != nil {
		return [48]byte{}, fmt.Errorf("reading OVMF image for launch digest: %w", err)
	}
	digest = foldContentPages(digest, ovmfTopGPA-uint64(len(ovmf)), ovmf)

	if args.KernelPath != "" {
		kernel, err := os.ReadFile(args.KernelPath)
		if err != nil {
			return [48]byte{}, fmt.Errorf("reading kernel image for launch digest: %w", err)
		}
		digest = foldContentPages(digest, kernelGPA, kernel)
	}

	if args.InitrdPath != "" {
		initrd, err := os.ReadFile(args.InitrdPath)
		if err != nil {
			return [48]byte{}, fmt.Errorf("reading initrd image for launch digest: %w", err)
		}
		digest = foldContentPages(digest, kernelGPA+uint64(len(ovmf))+pageSize, initrd)
	}

	digest = foldContentPages(digest, cmdlineGPA, []byte(args.Cmdline))

	vmsa := buildResetVMSA(args.VMMType, args.GuestFeatures)
	for i := uint32(0); i < args.VCPUs; i++ {
		gpa := vmsaTopGPA - uint64(i)*vmsaPageGap
		digest = foldVMSA(digest, gpa, vmsa)
	}

	return digest, nil
}
