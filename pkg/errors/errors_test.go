package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapPreservesKindAndCode(t *testing.T) {
	base := New(KindPolicy, CodeInvalidReport, "verifying signature")
	wrapped := Wrap("verify_report", base)
	require.Equal(t, KindPolicy, wrapped.Kind)
	require.Equal(t, CodeInvalidReport, wrapped.Code)
	require.Contains(t, wrapped.Error(), "verify_report")
}

func TestWrapClassifiesPlainErrorAsInternal(t *testing.T) {
	wrapped := Wrap("reading file", errors.New("boom"))
	require.Equal(t, KindInternal, wrapped.Kind)
	require.Equal(t, CodeInternal, wrapped.Code)
}

func TestHTTPStatusMapping(t *testing.T) {
	require.Equal(t, 404, HTTPStatus(New(KindInput, CodeNotFound, "op")))
	require.Equal(t, 412, HTTPStatus(New(KindPolicy, CodeInsufficientResources, "op")))
	require.Equal(t, 400, HTTPStatus(New(KindInput, CodeInvalidDockerComposeHash, "op")))
	require.Equal(t, 500, HTTPStatus(New(KindInternal, CodeInternal, "op")))
}

func TestIsMatchesByCode(t *testing.T) {
	err := Newf(KindPolicy, CodeDomainExists, "create_workload", "domain %q exists", "a.com")
	require.True(t, errors.Is(err, New(KindPolicy, CodeDomainExists, "")))
	require.False(t, errors.Is(err, New(KindPolicy, CodeNotFound, "")))
}
