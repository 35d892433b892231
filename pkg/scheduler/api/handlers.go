package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/google/uuid"

	nilerrors "github.com/virtengine/nilcc/pkg/errors"
	"github.com/virtengine/nilcc/pkg/scheduler/workload"
)

type createWorkloadBody struct {
	ID                  string                       `json:"id"`
	DockerCompose       string                       `json:"dockerCompose"`
	EnvVars             map[string]string            `json:"envVars"`
	Files               map[string]string            `json:"files"`
	PublicContainerName string                       `json:"publicContainerName"`
	PublicContainerPort uint16                       `json:"publicContainerPort"`
	MemoryMB            uint32                       `json:"memoryMb"`
	CPUs                uint32                       `json:"cpus"`
	GPUs                uint32                       `json:"gpus"`
	DiskSpaceGB         uint32                       `json:"diskSpaceGb"`
	Domain              string                       `json:"domain"`
	DockerCredentials   []workload.DockerCredentials `json:"dockerCredentials,omitempty"`
}

type createWorkloadResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleCreateWorkload(w http.ResponseWriter, r *http.Request) {
	var body createWorkloadBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, nilerrors.Newf(nilerrors.KindInput, nilerrors.CodeMalformedReport, "decoding create-workload body", "%v", err))
		return
	}

	id := uuid.New()
	if body.ID != "" {
		parsed, err := uuid.Parse(body.ID)
		if err != nil {
			s.writeError(w, nilerrors.Newf(nilerrors.KindInput, nilerrors.CodeMalformedReport, "parsing workload id", "%v", err))
			return
		}
		id = parsed
	}

	files := make(map[string][]byte, len(body.Files))
	for path, content := range body.Files {
		files[path] = []byte(content)
	}

	req := workload.CreateRequest{
		ID:                  id,
		DockerCompose:       body.DockerCompose,
		EnvVars:             body.EnvVars,
		Files:               files,
		DockerCredentials:   body.DockerCredentials,
		PublicContainerName: body.PublicContainerName,
		PublicContainerPort: body.PublicContainerPort,
		CPUs:                body.CPUs,
		MemoryMiB:           body.MemoryMB,
		DiskGiB:             body.DiskSpaceGB,
		GPUCount:            body.GPUs,
		Domain:              body.Domain,
	}

	created, err := s.scheduler.CreateWorkload(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, createWorkloadResponse{ID: created.String()})
}

type workloadIDBody struct {
	ID string `json:"id"`
}

func (s *Server) handleWorkloadCommand(action func(ctx context.Context, id uuid.UUID) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body workloadIDBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.writeError(w, nilerrors.Newf(nilerrors.KindInput, nilerrors.CodeMalformedReport, "decoding workload id body", "%v", err))
			return
		}
		id, err := uuid.Parse(body.ID)
		if err != nil {
			s.writeError(w, nilerrors.Newf(nilerrors.KindInput, nilerrors.CodeMalformedReport, "parsing workload id", "%v", err))
			return
		}
		if err := action(r.Context(), id); err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, nil)
	}
}

func (s *Server) handleListWorkloads(w http.ResponseWriter, r *http.Request) {
	list, err := s.scheduler.ListWorkloads(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

type containerLogsResponse struct {
	Lines []string `json:"lines"`
}

func (s *Server) handleContainerLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	container := query.Get("container")
	stream := query.Get("stream")
	if stream == "" {
		stream = "stdout"
	}

	tail, err := intQueryParam(query, "tail", 0)
	if err != nil {
		s.writeError(w, nilerrors.Newf(nilerrors.KindInput, nilerrors.CodeMalformedReport, "parsing tail", "%v", err))
		return
	}
	maxLines, err := intQueryParam(query, "maxLines", 1000)
	if err != nil {
		s.writeError(w, nilerrors.Newf(nilerrors.KindInput, nilerrors.CodeMalformedReport, "parsing maxLines", "%v", err))
		return
	}

	lines, err := s.logs.ReadLogs(r.Context(), container, stream, tail, maxLines)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, containerLogsResponse{Lines: lines})
}

func intQueryParam(query url.Values, key string, def int) (int, error) {
	v := query.Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.system.Health(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSystemStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.system.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

type bootstrapBody struct {
	ACME   ACMECredentials    `json:"acme"`
	Docker []DockerCredential `json:"docker"`
}

func (s *Server) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	var body bootstrapBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, nilerrors.Newf(nilerrors.KindInput, nilerrors.CodeMalformedReport, "decoding bootstrap body", "%v", err))
		return
	}
	req := BootstrapRequest{ACME: body.ACME, Docker: body.Docker}
	if err := s.bootstrapper.Bootstrap(r.Context(), req); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nil)
}

type upgradeBody struct {
	Version string `json:"version"`
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	var body upgradeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, nilerrors.Newf(nilerrors.KindInput, nilerrors.CodeMalformedReport, "decoding upgrade body", "%v", err))
		return
	}
	if err := s.upgrader.BeginUpgrade(r.Context(), body.Version); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nil)
}
