// Package workload models a tenant workload and the host resource
// allocator that admits, tracks and releases its reservations.
package workload

import (
	"fmt"

	"github.com/google/uuid"
)

// DockerCredentials is a registry login a workload's compose file needs
// to pull private images.
type DockerCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Server   string `json:"server,omitempty"`
}

// Ports is the 3-port tuple a workload is allocated from the host's open
// range.
type Ports struct {
	HTTP     uint16
	HTTPS    uint16
	CVMAgent uint16
}

// Workload is the persisted tenant workload record.
type Workload struct {
	ID                  uuid.UUID
	DockerCompose       string
	EnvVars             map[string]string
	Files               map[string][]byte
	DockerCredentials   []DockerCredentials
	PublicContainerName string
	PublicContainerPort uint16
	CPUs                uint32
	MemoryMiB           uint32
	DiskGiB             uint32
	GPUs                []string
	Ports               Ports
	Domain              string
	Enabled             bool
	ArtifactsVersion    string
	LastReportedEvent   *string
}

// CreateRequest is the input to Scheduler.CreateWorkload and Allocator.Admit.
type CreateRequest struct {
	ID                  uuid.UUID
	DockerCompose       string
	EnvVars             map[string]string
	Files               map[string][]byte
	DockerCredentials   []DockerCredentials
	PublicContainerName string
	PublicContainerPort uint16
	CPUs                uint32
	MemoryMiB           uint32
	DiskGiB             uint32
	GPUCount            uint32
	Domain              string
}

func (r CreateRequest) String() string {
	return fmt.Sprintf("CreateRequest{id=%s domain=%s cpus=%d gpus=%d}", r.ID, r.Domain, r.CPUs, r.GPUCount)
}
