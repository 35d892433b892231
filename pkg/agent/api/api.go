// Package api serves the in-VM agent's HTTP surface: attestation report
// retrieval (legacy and v2), health, and the host-driven bootstrap
// callback.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/virtengine/nilcc/pkg/agent/attestproducer"
	"github.com/virtengine/nilcc/pkg/agent/bootstrap"
	nilerrors "github.com/virtengine/nilcc/pkg/errors"
)

// ReportProducer exposes the current attestation snapshot.
type ReportProducer interface {
	Current() attestproducer.State
}

// Bootstrapper brings the tenant composition up. Blocking: the server
// runs it in a background goroutine so the HTTP call returns promptly.
type Bootstrapper interface {
	Bootstrap(ctx context.Context, creds bootstrap.Credentials) error
}

// Server is the in-VM agent's HTTP API.
type Server struct {
	producer      ReportProducer
	bootstrapper  Bootstrapper
	state         *AgentState
	bootstrapOnce chan struct{}
	logger        zerolog.Logger
	router        *mux.Router
}

// Config configures a new Server.
type Config struct {
	Producer     ReportProducer
	Bootstrapper Bootstrapper
	State        *AgentState
	Logger       zerolog.Logger
}

// New builds a Server and registers its routes.
func New(cfg Config) *Server {
	s := &Server{
		producer:      cfg.Producer,
		bootstrapper:  cfg.Bootstrapper,
		state:         cfg.State,
		bootstrapOnce: make(chan struct{}, 1),
		logger:        cfg.Logger.With().Str("component", "agent-api").Logger(),
	}
	s.bootstrapOnce <- struct{}{}
	s.router = s.newRouter()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) newRouter() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/nilcc/api/v1/report", s.handleReportV1).Methods(http.MethodGet)
	router.HandleFunc("/nilcc/api/v2/report", s.handleReportV2).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/system/bootstrap", s.handleBootstrap).Methods(http.MethodPost)
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	return router
}

type legacyReportResponse struct {
	Report   string `json:"report"`
	GPUToken string `json:"gpu_token,omitempty"`
}

func (s *Server) handleReportV1(w http.ResponseWriter, r *http.Request) {
	state := s.producer.Current()
	s.writeJSON(w, http.StatusOK, legacyReportResponse{
		Report:   state.ReportHex(),
		GPUToken: state.GPUToken,
	})
}

type environmentResponse struct {
	NilccVersion string `json:"nilccVersion"`
	VMType       string `json:"vmType"`
	CPUCount     int    `json:"cpuCount"`
}

type reportV2Response struct {
	Report      string              `json:"report"`
	RawReport   string              `json:"rawReport"`
	GPUToken    string              `json:"gpuToken,omitempty"`
	Environment environmentResponse `json:"environment"`
}

func (s *Server) handleReportV2(w http.ResponseWriter, r *http.Request) {
	state := s.producer.Current()
	s.writeJSON(w, http.StatusOK, reportV2Response{
		Report:    state.ReportHex(),
		RawReport: state.ReportHex(),
		GPUToken:  state.GPUToken,
		Environment: environmentResponse{
			NilccVersion: state.Environment.NilccVersion,
			VMType:       state.Environment.VMType,
			CPUCount:     state.Environment.CPUCount,
		},
	})
}

type bootstrapBody struct {
	ACME   acmeCredentialsBody    `json:"acme"`
	Docker []dockerCredentialBody `json:"docker"`
}

type acmeCredentialsBody struct {
	EABKeyID  string `json:"eab_key_id"`
	EABMacKey string `json:"eab_mac_key"`
}

type dockerCredentialBody struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Server   string `json:"server,omitempty"`
}

// handleBootstrap is idempotent: once a bootstrap attempt has been
// claimed (or the agent is already bootstrapped), subsequent calls are
// a no-op 200 so the host lifecycle worker's repeated POSTs never
// trigger concurrent bootstrap runs.
func (s *Server) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	if bootstrapped, _ := s.state.Snapshot(); bootstrapped {
		s.writeJSON(w, http.StatusOK, nil)
		return
	}

	var body bootstrapBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, nilerrors.Newf(nilerrors.KindInput, nilerrors.CodeMalformedReport, "decoding bootstrap body", "%v", err))
		return
	}

	select {
	case <-s.bootstrapOnce:
		docker := make([]bootstrap.DockerCredential, 0, len(body.Docker))
		for _, d := range body.Docker {
			docker = append(docker, bootstrap.DockerCredential{Username: d.Username, Password: d.Password, Server: d.Server})
		}
		creds := bootstrap.Credentials{
			ACMEEABKeyID:  body.ACME.EABKeyID,
			ACMEEABMacKey: body.ACME.EABMacKey,
			Docker:        docker,
		}
		go s.runBootstrap(creds)
	default:
		// A bootstrap attempt is already in flight.
	}

	s.writeJSON(w, http.StatusOK, nil)
}

func (s *Server) runBootstrap(creds bootstrap.Credentials) {
	if err := s.bootstrapper.Bootstrap(context.Background(), creds); err != nil {
		s.logger.Error().Err(err).Msg("bootstrap failed permanently")
		return
	}
	s.state.MarkBootstrapped()
}

type healthResponse struct {
	Bootstrapped bool `json:"bootstrapped"`
	HTTPS        bool `json:"https"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	bootstrapped, https := s.state.Snapshot()
	s.writeJSON(w, http.StatusOK, healthResponse{Bootstrapped: bootstrapped, HTTPS: https})
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
