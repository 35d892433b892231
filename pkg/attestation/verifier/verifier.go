// Package verifier checks a SEV-SNP attestation report against the AMD
// certificate chain, the reported TCB, and an expected launch measurement.
package verifier

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/sha512"
	"crypto/x509"
	"fmt"
	"math/big"

	"github.com/virtengine/nilcc/pkg/attestation/certs"
	nilerrors "github.com/virtengine/nilcc/pkg/errors"

	"github.com/virtengine/nilcc/pkg/attestation/sev"
)

// CertFetcher retrieves the AMD certificate chain and chip-specific VCEK
// for a report. Implemented by *certs.Client; an interface here keeps the
// verifier testable against a stub.
type CertFetcher interface {
	FetchCertChain(ctx context.Context, processor sev.Processor) (ark, ask *x509.Certificate, err error)
	FetchVCEK(ctx context.Context, processor sev.Processor, chipID [sev.ChipIDSize]byte, tcb certs.TCBParams) (*x509.Certificate, error)
}

// Verifier validates attestation reports against the AMD root of trust.
type Verifier struct {
	fetcher CertFetcher
}

// New builds a Verifier backed by fetcher.
func New(fetcher CertFetcher) *Verifier {
	return &Verifier{fetcher: fetcher}
}

// Result carries the outcome of a successful report verification: the
// resolved chain, so callers can log or persist which VCEK was used.
type Result struct {
	Processor sev.Processor
	Chain     *certs.Chain
}

// VerifyAMD runs the four checks that do not depend on knowing an expected
// launch measurement: chain-of-trust, report signature, reported-TCB
// extensions, and the debug-disabled policy bit.
func (v *Verifier) VerifyAMD(ctx context.Context, report *sev.Report) (*Result, error) {
	processor, err := sev.DetectProcessor(report)
	if err != nil {
		return nil, nilerrors.WrapAs(nilerrors.KindInput, nilerrors.CodeMalformedReport, "detecting processor", err)
	}

	ark, ask, err := v.fetcher.FetchCertChain(ctx, processor)
	if err != nil {
		return nil, nilerrors.WrapAs(nilerrors.KindTransport, nilerrors.CodeInvalidAMDCerts, "fetching cert chain", err)
	}

	tcb := certs.TCBParams{
		BootLoader: report.ReportedTCB.BootLoader,
		TEE:        report.ReportedTCB.TEE,
		SNP:        report.ReportedTCB.SNP,
		Microcode:  report.ReportedTCB.Microcode,
		FMC:        report.ReportedTCB.FMC,
	}
	vcek, err := v.fetcher.FetchVCEK(ctx, processor, report.ChipID, tcb)
	if err != nil {
		return nil, nilerrors.WrapAs(nilerrors.KindTransport, nilerrors.CodeInvalidAMDCerts, "fetching VCEK", err)
	}

	chain := &certs.Chain{ARK: ark, ASK: ask, VCEK: vcek}
	if err := chain.Verify(); err != nil {
		// chain.Verify already classifies which link failed
		// (ArkNotSelfSigned/AskNotSignedByArk/VcekNotSignedByAsk); Wrap
		// preserves that Kind/Code instead of collapsing it.
		return nil, nilerrors.Wrap("verifying cert chain", err)
	}

	if err := verifyReportSignature(report, vcek); err != nil {
		return nil, nilerrors.WrapAs(nilerrors.KindPolicy, nilerrors.CodeInvalidReport, "verifying report signature", err)
	}

	if err := verifyReportedTCB(report, vcek); err != nil {
		return nil, nilerrors.WrapAs(nilerrors.KindPolicy, nilerrors.CodeInvalidReport, "verifying reported TCB", err)
	}

	if report.DebugEnabled() {
		return nil, nilerrors.New(nilerrors.KindPolicy, nilerrors.CodeInvalidReport, "verifying debug policy")
	}

	return &Result{Processor: processor, Chain: chain}, nil
}

// VerifyReport runs VerifyAMD and additionally checks the report's launch
// measurement against expectedMeasurement.
func (v *Verifier) VerifyReport(ctx context.Context, report *sev.Report, expectedMeasurement [48]byte) (*Result, error) {
	result, err := v.VerifyAMD(ctx, report)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(report.Measurement[:], expectedMeasurement[:]) {
		return nil, nilerrors.New(nilerrors.KindPolicy, nilerrors.CodeInvalidReport, "verifying launch measurement")
	}
	return result, nil
}

func verifyReportSignature(report *sev.Report, vcek *x509.Certificate) error {
	pub, ok := vcek.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("VCEK public key is not ECDSA")
	}
	r := new(big.Int).SetBytes(reverse(report.Signature.R[:48]))
	s := new(big.Int).SetBytes(reverse(report.Signature.S[:48]))
	digest := sha512.Sum384(report.SignedPrefix())
	if !ecdsa.Verify(pub, digest[:], r, s) {
		return fmt.Errorf("ECDSA signature verification failed")
	}
	return nil
}

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

func verifyReportedTCB(report *sev.Report, vcek *x509.Certificate) error {
	tcb := report.ReportedTCB

	if err := certs.CheckTCBByte(vcek, certs.OIDBootLoader, tcb.BootLoader); err != nil {
		return err
	}
	if err := certs.CheckTCBByte(vcek, certs.OIDTEE, tcb.TEE); err != nil {
		return err
	}
	if err := certs.CheckTCBByte(vcek, certs.OIDSNP, tcb.SNP); err != nil {
		return err
	}
	if err := certs.CheckTCBByte(vcek, certs.OIDUcode, tcb.Microcode); err != nil {
		return err
	}
	if tcb.FMC != nil {
		if err := certs.CheckTCBByte(vcek, certs.OIDFMC, *tcb.FMC); err != nil {
			return err
		}
	}
	if err := certs.CheckHWID(vcek, report.ChipID[:]); err != nil {
		return err
	}
	return nil
}
