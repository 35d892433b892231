// Package compose validates a tenant-supplied docker-compose document
// before a workload is scheduled onto a host.
package compose

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ReservedEnvKeys are env var names a tenant compose file must never
// reference: they are injected by the host to configure the edge proxy's
// ACME account and would otherwise let a workload read or clobber them.
var ReservedEnvKeys = []string{
	"CADDY_ACME_EAB_KEY_ID",
	"CADDY_ACME_EAB_MAC_KEY",
}

// ReservedNameSubstrings are substrings a service or container name must
// not contain, since they collide with the host's own attester and proxy
// component names.
var ReservedNameSubstrings = []string{
	"nilcc-attester",
	"nilcc-proxy",
}

// service is the subset of a compose service definition this system
// inspects.
type service struct {
	ContainerName string        `yaml:"container_name"`
	Environment   interface{}   `yaml:"environment"`
	Ports         []interface{} `yaml:"ports"`
}

type document struct {
	Services map[string]service `yaml:"services"`
}

// Validate checks composeText against the reserved-env, reserved-name,
// public-container-presence and reserved-port rules. publicContainerName
// must appear as either a service name or a container_name.
func Validate(composeText string, publicContainerName string) error {
	var doc document
	if err := yaml.Unmarshal([]byte(composeText), &doc); err != nil {
		return fmt.Errorf("parsing compose document: %w", err)
	}
	if len(doc.Services) == 0 {
		return fmt.Errorf("compose document defines no services")
	}

	if err := checkReservedEnv(composeText); err != nil {
		return err
	}

	foundPublic := false
	for name, svc := range doc.Services {
		if containsReservedSubstring(name) {
			return fmt.Errorf("service name %q references a reserved component name", name)
		}
		if svc.ContainerName != "" && containsReservedSubstring(svc.ContainerName) {
			return fmt.Errorf("container_name %q references a reserved component name", svc.ContainerName)
		}
		if name == publicContainerName || svc.ContainerName == publicContainerName {
			foundPublic = true
		}
		if err := checkPorts(svc.Ports); err != nil {
			return fmt.Errorf("service %q: %w", name, err)
		}
	}
	if !foundPublic {
		return fmt.Errorf("public_container_name %q does not match any service name or container_name", publicContainerName)
	}

	return nil
}

func containsReservedSubstring(name string) bool {
	lower := strings.ToLower(name)
	for _, reserved := range ReservedNameSubstrings {
		if strings.Contains(lower, reserved) {
			return true
		}
	}
	return false
}

func checkReservedEnv(composeText string) error {
	for _, key := range ReservedEnvKeys {
		if strings.Contains(composeText, key) {
			return fmt.Errorf("compose document references reserved environment variable %q", key)
		}
	}
	return nil
}

var shortPortRegexp = regexp.MustCompile(`^(?:[0-9.]+:)?(\d+)(?:-(\d+))?(?::(\d+)(?:-(\d+))?)?(?:/(tcp|udp))?$`)

// checkPorts rejects any published host port range that covers 80 or 443,
// across both compose short-form and long-form port syntaxes.
func checkPorts(ports []interface{}) error {
	for _, p := range ports {
		switch v := p.(type) {
		case string:
			if err := checkShortPort(v); err != nil {
				return err
			}
		case int:
			if err := checkHostRange(v, v); err != nil {
				return err
			}
		case map[string]interface{}:
			if err := checkLongPort(v); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkShortPort(spec string) error {
	// short forms: "H:G[/proto]" (host:guest), "H/proto" or bare "H"
	// (host port published directly), "H-H2:G-G2" (ranges).
	parts := strings.SplitN(spec, "/", 2)
	hostPort := parts[0]

	// strip an optional leading bind-address (e.g. "127.0.0.1:8080:80")
	if segs := strings.Split(hostPort, ":"); len(segs) == 3 {
		hostPort = segs[1] + ":" + segs[2]
	}

	segs := strings.SplitN(hostPort, ":", 2)
	return checkRangeString(segs[0])
}

func checkLongPort(m map[string]interface{}) error {
	raw, ok := m["published"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case int:
		return checkHostRange(v, v)
	case string:
		return checkRangeString(v)
	default:
		return nil
	}
}

func checkRangeString(s string) error {
	if !strings.Contains(s, "-") {
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil
		}
		return checkHostRange(n, n)
	}
	bounds := strings.SplitN(s, "-", 2)
	lo, err1 := strconv.Atoi(bounds[0])
	hi, err2 := strconv.Atoi(bounds[1])
	if err1 != nil || err2 != nil {
		return nil
	}
	return checkHostRange(lo, hi)
}

func checkHostRange(lo, hi int) error {
	for _, reserved := range []int{80, 443} {
		if lo <= reserved && reserved <= hi {
			return fmt.Errorf("published host port range %d-%d covers reserved port %d", lo, hi, reserved)
		}
	}
	return nil
}
