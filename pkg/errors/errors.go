// Package errors provides the error taxonomy shared by every nilcc
// component: attestation, scheduling, and the in-VM agent all return a
// *Error so that HTTP boundaries can map it to a status code and an
// UPPER_SNAKE error code without re-deriving the mapping at each call site.
package errors

import (
	"errors"
	"fmt"
)

// Code is an UPPER_SNAKE error code as used in the JSON error envelope.
type Code string

const (
	CodeInvalidDockerComposeHash Code = "INVALID_DOCKER_COMPOSE_HASH"
	CodeInvalidCompose           Code = "INVALID_COMPOSE"
	CodeInvalidTLSFingerprint    Code = "INVALID_TLS_FINGERPRINT"
	CodeInvalidArtifacts         Code = "INVALID_ARTIFACTS"
	CodeInvalidReport            Code = "INVALID_REPORT"
	CodeInvalidAMDCerts          Code = "INVALID_AMD_CERTS"
	CodeArkNotSelfSigned         Code = "ARK_NOT_SELF_SIGNED"
	CodeAskNotSignedByArk        Code = "ASK_NOT_SIGNED_BY_ARK"
	CodeVcekNotSignedByAsk       Code = "VCEK_NOT_SIGNED_BY_ASK"
	CodeFilesystem               Code = "FILESYSTEM"
	CodeRequest                  Code = "REQUEST"
	CodeInternal                 Code = "INTERNAL"
	CodeMalformedReport          Code = "MALFORMED_REPORT"
	CodeInsufficientResources    Code = "INSUFFICIENT_RESOURCES"
	CodeAlreadyExists            Code = "ALREADY_EXISTS"
	CodeDomainExists             Code = "DOMAIN_EXISTS"
	CodeNotFound                 Code = "NOT_FOUND"
	CodeActiveUpgrade            Code = "ACTIVE_UPGRADE"
	CodeExistingVersion          Code = "EXISTING_VERSION"
	CodeUnauthorized             Code = "UNAUTHORIZED"
)

// Kind buckets errors into the propagation classes from spec §7: input,
// policy, transport, filesystem, internal. HTTP status selection keys off
// Code first and falls back to Kind for codes it does not map.
type Kind int

const (
	KindInput Kind = iota
	KindPolicy
	KindTransport
	KindFilesystem
	KindInternal
)

// Error is the typed error returned at component boundaries.
type Error struct {
	Kind Kind
	Code Code
	// Op names the operation that failed, e.g. "fetching VCEK". Chained
	// automatically by Wrap so the message reads like a causal trace.
	Op    string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		if e.Op != "" {
			return fmt.Sprintf("%s: %v", e.Op, e.Cause)
		}
		return e.Cause.Error()
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a fresh typed error with no cause.
func New(kind Kind, code Code, op string) *Error {
	return &Error{Kind: kind, Code: code, Op: op}
}

// Newf creates a fresh typed error with a formatted message as its cause.
func Newf(kind Kind, code Code, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Op: op, Cause: fmt.Errorf(format, args...)}
}

// Wrap attaches causal context to an existing error, preserving its Kind
// and Code if it is already a *Error; otherwise it is classified as
// internal. Mirrors the `.context("fetching certs")` chaining idiom used
// throughout the reference implementation's Rust sources.
func Wrap(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return &Error{Kind: existing.Kind, Code: existing.Code, Op: op, Cause: existing}
	}
	return &Error{Kind: KindInternal, Code: CodeInternal, Op: op, Cause: err}
}

// WrapAs attaches causal context and reclassifies the error under kind/code,
// used when a lower layer returned a generic error that the caller knows
// more about (e.g. an io.Error encountered while reading a cert file).
func WrapAs(kind Kind, code Code, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Code: code, Op: op, Cause: err}
}

// Is supports errors.Is comparisons against sentinel *Error values that
// only specify Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Cause == nil {
		return e.Code == t.Code
	}
	return e.Code == t.Code && errors.Is(e.Cause, t.Cause)
}

// HTTPStatus maps a Kind/Code pair to the HTTP status used by the JSON APIs
// in spec §6.
func HTTPStatus(err *Error) int {
	switch err.Code {
	case CodeNotFound:
		return 404
	case CodeAlreadyExists, CodeDomainExists, CodeInsufficientResources,
		CodeActiveUpgrade, CodeExistingVersion, CodeInvalidReport,
		CodeInvalidAMDCerts, CodeInvalidTLSFingerprint,
		CodeArkNotSelfSigned, CodeAskNotSignedByArk, CodeVcekNotSignedByAsk:
		return 412
	case CodeUnauthorized:
		return 401
	case CodeInvalidDockerComposeHash, CodeInvalidCompose, CodeMalformedReport:
		return 400
	default:
		switch err.Kind {
		case KindInput:
			return 400
		case KindPolicy:
			return 412
		default:
			return 500
		}
	}
}

// Envelope is the JSON error envelope shape from spec §6.
type Envelope struct {
	Message   string `json:"message"`
	ErrorCode Code   `json:"errorCode"`
}

// ToEnvelope renders the error as the wire envelope.
func ToEnvelope(err *Error) Envelope {
	return Envelope{Message: err.Error(), ErrorCode: err.Code}
}
