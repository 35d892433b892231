package verifierapi

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/virtengine/nilcc/pkg/artifacts"
	"github.com/virtengine/nilcc/pkg/attestation/sev"
	"github.com/virtengine/nilcc/pkg/attestation/verifier"
	nilerrors "github.com/virtengine/nilcc/pkg/errors"
)

type stubVerifier struct {
	amdErr       error
	reportErr    error
	amdCalls     int
	reportCalls  int
	lastExpected [48]byte
}

func (v *stubVerifier) VerifyAMD(ctx context.Context, report *sev.Report) (*verifier.Result, error) {
	v.amdCalls++
	if v.amdErr != nil {
		return nil, v.amdErr
	}
	return &verifier.Result{}, nil
}

func (v *stubVerifier) VerifyReport(ctx context.Context, report *sev.Report, expectedMeasurement [48]byte) (*verifier.Result, error) {
	v.reportCalls++
	v.lastExpected = expectedMeasurement
	if v.reportErr != nil {
		return nil, v.reportErr
	}
	return &verifier.Result{}, nil
}

type stubArtifacts struct {
	paths ArtifactPaths
	err   error
}

func (a *stubArtifacts) Resolve(ctx context.Context, nilccVersion string, vmType artifacts.VMType) (ArtifactPaths, error) {
	return a.paths, a.err
}

func fakeReportHex(t *testing.T) string {
	t.Helper()
	raw := make([]byte, sev.ReportSize)
	raw[0] = 3 // version
	return hex.EncodeToString(raw)
}

func TestHandleVerifyAMDHappyPath(t *testing.T) {
	v := &stubVerifier{}
	s := New(Config{Verifier: v, Artifacts: &stubArtifacts{}, Logger: zerolog.Nop()})

	body, err := json.Marshal(verifyAMDRequest{Report: fakeReportHex(t)})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/attestations/verify-amd", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp verifyAMDResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, hex.EncodeToString(make([]byte, sev.ChipIDSize)), resp.ChipID)
	require.Equal(t, 1, v.amdCalls)
}

func TestHandleVerifyAMDMalformedHex(t *testing.T) {
	s := New(Config{Verifier: &stubVerifier{}, Artifacts: &stubArtifacts{}, Logger: zerolog.Nop()})

	body := []byte(`{"report":"not-hex"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/attestations/verify-amd", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var envelope nilerrors.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.Equal(t, nilerrors.CodeMalformedReport, envelope.ErrorCode)
}

func TestHandleVerifyWrongMeasurement(t *testing.T) {
	v := &stubVerifier{reportErr: nilerrors.New(nilerrors.KindPolicy, nilerrors.CodeInvalidReport, "verifying launch measurement")}
	ovmfPath := filepath.Join(t.TempDir(), "ovmf.bin")
	require.NoError(t, os.WriteFile(ovmfPath, make([]byte, 4096), 0o600))
	provider := &stubArtifacts{paths: ArtifactPaths{
		CmdlineTemplate: "verity_roothash={VERITY_ROOT_HASH} docker_compose_hash={DOCKER_COMPOSE_HASH}",
		OVMFPath:        ovmfPath,
		VCPUs:           2,
	}}
	s := New(Config{Verifier: v, Artifacts: provider, Logger: zerolog.Nop()})

	body, err := json.Marshal(verifyRequest{
		Report:            fakeReportHex(t),
		DockerComposeHash: hex.EncodeToString(make([]byte, 32)),
		NilccVersion:      "1.2.3",
		VCPUs:             2,
		VMType:            "cpu",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/attestations/verify", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusPreconditionFailed, rec.Code)
	var envelope nilerrors.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.Equal(t, nilerrors.CodeInvalidReport, envelope.ErrorCode)
	require.Equal(t, 1, v.reportCalls)
}

func TestHandleVerifyMalformedDockerComposeHash(t *testing.T) {
	s := New(Config{Verifier: &stubVerifier{}, Artifacts: &stubArtifacts{}, Logger: zerolog.Nop()})

	body, err := json.Marshal(verifyRequest{
		Report:            fakeReportHex(t),
		DockerComposeHash: "deadbeef",
		NilccVersion:      "1.2.3",
		VMType:            "cpu",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/attestations/verify", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var envelope nilerrors.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.Equal(t, nilerrors.CodeInvalidDockerComposeHash, envelope.ErrorCode)
}
