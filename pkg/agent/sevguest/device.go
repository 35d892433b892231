// Package sevguest requests hardware attestation reports from the
// kernel's /dev/sev-guest SNP_GET_REPORT ioctl, implementing
// attestproducer.ReportRequester on a real confidential VM.
package sevguest

import (
	"context"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/virtengine/nilcc/pkg/attestation/sev"
)

const (
	devicePath = "/dev/sev-guest"

	// reportRequestSize/reportResponseSize match the kernel uapi
	// struct snp_report_req/snp_report_resp (include/uapi/linux/sev-guest.h).
	reportRequestSize  = 96
	reportResponseSize = 4000

	// msgReportRespHeaderSize is the leading status+report_size+reserved
	// header the kernel prepends to the raw report inside
	// snp_report_resp.data.
	msgReportRespHeaderSize = 32

	// snpGetReportIoctl is _IOWR('S', 0x0, struct snp_guest_request_ioctl),
	// computed the same way the kernel's ioctl.h macros do: direction
	// (read+write) << 30 | size << 16 | type << 8 | seq.
	snpGetReportIoctl = (3 << 30) | (guestRequestIoctlSize << 16) | ('S' << 8) | 0x0

	guestRequestIoctlSize = 8 + 8 + 8 + 8 // msg_version (padded) + req_data + resp_data + exitinfo union
)

// snpReportReq is the kernel's struct snp_report_req: 64 bytes of caller
// nonce, the VM privilege level the report covers, and reserved padding.
type snpReportReq struct {
	userData [64]byte
	vmpl     uint32
	rsvd     [28]byte
}

// snpReportResp is the kernel's struct snp_report_resp: a status word
// followed by the report length and the report bytes themselves.
type snpReportResp struct {
	data [reportResponseSize]byte
}

// snpGuestRequestIoctl is the kernel's struct snp_guest_request_ioctl
// wrapping a request/response pair for one SNP_GET_REPORT call.
type snpGuestRequestIoctl struct {
	msgVersion uint8
	_          [7]byte
	reqData    uint64
	respData   uint64
	exitInfo2  uint64
}

// Device requests attestation reports through the real SEV-SNP guest
// driver.
type Device struct {
	path string
	vmpl uint32
}

// Option customizes a Device.
type Option func(*Device)

// WithDevicePath overrides the device node, for pointing at a fixture in
// tests that run with a fake character device.
func WithDevicePath(path string) Option { return func(d *Device) { d.path = path } }

// WithVMPL overrides the VM privilege level the report covers (0 by
// default, the level tenant workloads run at).
func WithVMPL(vmpl uint32) Option { return func(d *Device) { d.vmpl = vmpl } }

// New builds a Device bound to /dev/sev-guest.
func New(opts ...Option) *Device {
	d := &Device{path: devicePath}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RequestReport implements attestproducer.ReportRequester.
func (d *Device) RequestReport(ctx context.Context, nonce [64]byte) ([]byte, error) {
	f, err := os.OpenFile(d.path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", d.path, err)
	}
	defer f.Close()

	req := snpReportReq{userData: nonce, vmpl: d.vmpl}
	var resp snpReportResp

	call := snpGuestRequestIoctl{
		msgVersion: 1,
		reqData:    uint64(uintptr(unsafe.Pointer(&req))),
		respData:   uint64(uintptr(unsafe.Pointer(&resp))),
	}

	if err := ioctl(f.Fd(), snpGetReportIoctl, uintptr(unsafe.Pointer(&call))); err != nil {
		return nil, fmt.Errorf("SNP_GET_REPORT ioctl: %w (fw_error/vmm_error in exitinfo2=0x%x)", err, call.exitInfo2)
	}

	report := make([]byte, sev.ReportSize)
	copy(report, resp.data[msgReportRespHeaderSize:msgReportRespHeaderSize+sev.ReportSize])
	return report, nil
}

func ioctl(fd uintptr, request uintptr, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, request, arg)
	if errno != 0 {
		return errno
	}
	return nil
}
