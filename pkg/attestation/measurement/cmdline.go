// Package measurement renders the kernel command line used to boot a
// workload and computes the SEV-SNP launch digest an operator compares
// against a running VM's attestation report.
package measurement

import (
	"fmt"
	"strings"
)

// The Placeholder constants are the substitution tokens a kernel command
// line template must reference; RenderCmdline rejects a template that is
// missing either one.
const (
	PlaceholderVerityRootHash    = "{VERITY_ROOT_HASH}"
	PlaceholderDockerComposeHash = "{DOCKER_COMPOSE_HASH}"
)

// KernelArgs are the values substituted into a kernel command-line
// template.
type KernelArgs struct {
	DockerComposeHash  string
	FilesystemRootHash [32]byte
}

// RenderCmdline substitutes KernelArgs into template, returning an error
// naming the first placeholder the template does not actually reference.
// A template author who renames a placeholder without updating callers
// gets a clear error instead of a silently wrong boot command line.
func RenderCmdline(template string, args KernelArgs) (string, error) {
	if !strings.Contains(template, PlaceholderVerityRootHash) {
		return "", fmt.Errorf("kernel command line template is missing %s", PlaceholderVerityRootHash)
	}
	if !strings.Contains(template, PlaceholderDockerComposeHash) {
		return "", fmt.Errorf("kernel command line template is missing %s", PlaceholderDockerComposeHash)
	}

	rendered := strings.ReplaceAll(template, PlaceholderVerityRootHash, fmt.Sprintf("%x", args.FilesystemRootHash))
	rendered = strings.ReplaceAll(rendered, PlaceholderDockerComposeHash, args.DockerComposeHash)
	return rendered, nil
}
