package certs

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"

	nilerrors "github.com/virtengine/nilcc/pkg/errors"
)

// Chain holds the AMD root-of-trust certificate chain: the AMD Root Key
// (self-signed), the AMD SEV Signing Key (signed by ARK), and the VCEK
// (signed by ASK, unique per chip and TCB version).
type Chain struct {
	ARK  *x509.Certificate
	ASK  *x509.Certificate
	VCEK *x509.Certificate
}

// ParseCertChainPEM decodes the PEM bundle the KDS cert_chain endpoint
// returns (ARK followed by ASK) into individual certificates.
func ParseCertChainPEM(raw []byte) (ark, ask *x509.Certificate, err error) {
	var certs []*x509.Certificate
	rest := raw
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, perr := x509.ParseCertificate(block.Bytes)
		if perr != nil {
			return nil, nil, fmt.Errorf("parsing certificate in chain: %w", perr)
		}
		certs = append(certs, cert)
	}
	for _, c := range certs {
		switch commonNameRole(c) {
		case roleARK:
			ark = c
		case roleASK:
			ask = c
		}
	}
	if ark == nil {
		return nil, nil, fmt.Errorf("cert chain PEM did not contain an ARK certificate")
	}
	if ask == nil {
		return nil, nil, fmt.Errorf("cert chain PEM did not contain an ASK certificate")
	}
	return ark, ask, nil
}

type role int

const (
	roleUnknown role = iota
	roleARK
	roleASK
	roleSEV // VCEK/VLEK/CRL signer bucket, not distinguished further here
)

// commonNameRole classifies a certificate by its subject common name,
// matching case-insensitively the way AMD's own tooling does: a CN
// containing "ark" is the root key, one containing "ask" is the signing
// key, and "sev"/"vcek"/"vlek"/"crl" all fall into the catch-all SEV
// bucket used for chip-endorsement and revocation certificates.
func commonNameRole(c *x509.Certificate) role {
	cn := strings.ToLower(c.Subject.CommonName)
	switch {
	case strings.Contains(cn, "ark"):
		return roleARK
	case strings.Contains(cn, "ask"):
		return roleASK
	case strings.Contains(cn, "sev"), strings.Contains(cn, "vcek"),
		strings.Contains(cn, "vlek"), strings.Contains(cn, "crl"):
		return roleSEV
	default:
		return roleUnknown
	}
}

// Verify checks the full signature chain: ARK self-signed, ASK signed by
// ARK, VCEK signed by ASK. Each link fails with its own *nilerrors.Error
// code so callers can distinguish which link broke instead of matching
// on a generic chain-verification failure.
func (c *Chain) Verify() error {
	if err := c.ARK.CheckSignatureFrom(c.ARK); err != nil {
		return nilerrors.WrapAs(nilerrors.KindPolicy, nilerrors.CodeArkNotSelfSigned, "verifying ARK self-signature", err)
	}
	if err := c.ASK.CheckSignatureFrom(c.ARK); err != nil {
		return nilerrors.WrapAs(nilerrors.KindPolicy, nilerrors.CodeAskNotSignedByArk, "verifying ASK signed by ARK", err)
	}
	if err := c.VCEK.CheckSignatureFrom(c.ASK); err != nil {
		return nilerrors.WrapAs(nilerrors.KindPolicy, nilerrors.CodeVcekNotSignedByAsk, "verifying VCEK signed by ASK", err)
	}
	return nil
}
