// Package verifierapi serves the external verifier's HTTP surface:
// full report verification against an expected launch measurement, and
// a bare AMD-chain check that only returns the report's chip id.
package verifierapi

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/virtengine/nilcc/pkg/artifacts"
	"github.com/virtengine/nilcc/pkg/attestation/measurement"
	"github.com/virtengine/nilcc/pkg/attestation/sev"
	"github.com/virtengine/nilcc/pkg/attestation/verifier"
	nilerrors "github.com/virtengine/nilcc/pkg/errors"
)

// ArtifactsProvider resolves the boot images a given nilcc version and VM
// type would have launched from, so the server can recompute the launch
// digest a genuine report must match.
type ArtifactsProvider interface {
	Resolve(ctx context.Context, nilccVersion string, vmType artifacts.VMType) (ArtifactPaths, error)
}

// ArtifactPaths names the on-disk files and the verity root hash the
// measurement generator needs for one (version, vmType) pair.
type ArtifactPaths struct {
	OVMFPath        string
	KernelPath      string
	InitrdPath      string
	CmdlineTemplate string
	VerityRootHash  [32]byte
	VCPUs           uint32
}

// Verifier is the subset of *verifier.Verifier this API drives.
type Verifier interface {
	VerifyAMD(ctx context.Context, report *sev.Report) (*verifier.Result, error)
	VerifyReport(ctx context.Context, report *sev.Report, expectedMeasurement [48]byte) (*verifier.Result, error)
}

// Server is the verifier's HTTP API.
type Server struct {
	verifier  Verifier
	artifacts ArtifactsProvider
	logger    zerolog.Logger
	router    *mux.Router
}

// Config configures a new Server.
type Config struct {
	Verifier  Verifier
	Artifacts ArtifactsProvider
	Logger    zerolog.Logger
}

// New builds a Server and registers its routes.
func New(cfg Config) *Server {
	s := &Server{
		verifier:  cfg.Verifier,
		artifacts: cfg.Artifacts,
		logger:    cfg.Logger.With().Str("component", "verifier-api").Logger(),
	}
	s.router = s.newRouter()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) newRouter() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/v1/attestations/verify", s.handleVerify).Methods(http.MethodPost)
	router.HandleFunc("/v1/attestations/verify-amd", s.handleVerifyAMD).Methods(http.MethodPost)
	return router
}

type verifyRequest struct {
	Report            string `json:"report"`
	DockerComposeHash string `json:"dockerComposeHash"`
	NilccVersion      string `json:"nilccVersion"`
	VCPUs             uint32 `json:"vcpus"`
	VMType            string `json:"vmType"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nilerrors.Newf(nilerrors.KindInput, nilerrors.CodeMalformedReport, "decoding verify request", "%v", err))
		return
	}

	report, err := parseReportHex(req.Report)
	if err != nil {
		s.writeError(w, err)
		return
	}

	composeHash, err := decodeHash32(req.DockerComposeHash)
	if err != nil {
		s.writeError(w, nilerrors.WrapAs(nilerrors.KindInput, nilerrors.CodeInvalidDockerComposeHash, "decoding docker compose hash", err))
		return
	}

	ctx := r.Context()
	paths, err := s.artifacts.Resolve(ctx, req.NilccVersion, artifacts.VMType(req.VMType))
	if err != nil {
		s.writeError(w, nilerrors.WrapAs(nilerrors.KindInput, nilerrors.CodeInvalidArtifacts, "resolving boot artifacts", err))
		return
	}

	cmdline, err := measurement.RenderCmdline(paths.CmdlineTemplate, measurement.KernelArgs{
		DockerComposeHash:  hex.EncodeToString(composeHash[:]),
		FilesystemRootHash: paths.VerityRootHash,
	})
	if err != nil {
		s.writeError(w, nilerrors.WrapAs(nilerrors.KindInternal, nilerrors.CodeInvalidArtifacts, "rendering kernel command line", err))
		return
	}

	vcpus := req.VCPUs
	if paths.VCPUs != 0 {
		vcpus = paths.VCPUs
	}

	expectedMeasurement, err := measurement.CalculateLaunchDigest(measurement.LaunchDigestArgs{
		VCPUs:         vcpus,
		VCPUType:      measurement.CPUTypeEPYCv4,
		GuestFeatures: measurement.DefaultGuestFeatures,
		VMMType:       measurement.VMMTypeQEMU,
		OVMFPath:      paths.OVMFPath,
		KernelPath:    paths.KernelPath,
		InitrdPath:    paths.InitrdPath,
		Cmdline:       cmdline,
	})
	if err != nil {
		s.writeError(w, nilerrors.WrapAs(nilerrors.KindInternal, nilerrors.CodeInternal, "computing expected launch digest", err))
		return
	}

	if _, err := s.verifier.VerifyReport(ctx, report, expectedMeasurement); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, nil)
}

type verifyAMDRequest struct {
	Report string `json:"report"`
}

type verifyAMDResponse struct {
	ChipID string `json:"chipId"`
}

func (s *Server) handleVerifyAMD(w http.ResponseWriter, r *http.Request) {
	var req verifyAMDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nilerrors.Newf(nilerrors.KindInput, nilerrors.CodeMalformedReport, "decoding verify-amd request", "%v", err))
		return
	}

	report, err := parseReportHex(req.Report)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if _, err := s.verifier.VerifyAMD(r.Context(), report); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, verifyAMDResponse{ChipID: hex.EncodeToString(report.ChipID[:])})
}

func parseReportHex(raw string) (*sev.Report, error) {
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return nil, nilerrors.WrapAs(nilerrors.KindInput, nilerrors.CodeMalformedReport, "decoding report hex", err)
	}
	report, err := sev.ParseReport(decoded)
	if err != nil {
		return nil, nilerrors.WrapAs(nilerrors.KindInput, nilerrors.CodeMalformedReport, "parsing report", err)
	}
	return report, nil
}

func decodeHash32(raw string) ([32]byte, error) {
	var out [32]byte
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return out, err
	}
	if len(decoded) != 32 {
		return out, nilerrors.Newf(nilerrors.KindInput, nilerrors.CodeInvalidDockerComposeHash, "decoding docker compose hash", "expected 32 bytes, got %d", len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	typed := nilerrors.Wrap("handling request", err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(nilerrors.HTTPStatus(typed))
	_ = json.NewEncoder(w).Encode(nilerrors.ToEnvelope(typed))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}
