package proxy

import (
	"fmt"
	"strings"
)

// TemplateRenderer renders the route table into the line-oriented config
// format the edge proxy's validator and reload command expect: two
// frontend blocks per route, one for HTTP matched by Host header and one
// for HTTPS matched by SNI, each forwarding to the workload's local port.
type TemplateRenderer struct{}

// Render implements Renderer.
func (TemplateRenderer) Render(routes []Route, timeouts Timeouts) (string, error) {
	var b strings.Builder

	fmt.Fprintf(&b, "# generated, do not edit\n")
	fmt.Fprintf(&b, "global\n")
	fmt.Fprintf(&b, "  connect_timeout %s\n", orDefault(timeouts.Connect, "5s"))
	fmt.Fprintf(&b, "  client_timeout %s\n", orDefault(timeouts.Client, "30s"))
	fmt.Fprintf(&b, "  server_timeout %s\n", orDefault(timeouts.Server, "30s"))
	fmt.Fprintf(&b, "  max_connections %d\n\n", maxConnOrDefault(timeouts.MaxConnections))

	for _, r := range routes {
		fmt.Fprintf(&b, "frontend http_%s\n", r.WorkloadID)
		fmt.Fprintf(&b, "  bind :80\n")
		fmt.Fprintf(&b, "  match host(%s)\n", r.Domain)
		fmt.Fprintf(&b, "  forward 127.0.0.1:%d\n\n", r.HTTPPort)

		fmt.Fprintf(&b, "frontend https_%s\n", r.WorkloadID)
		fmt.Fprintf(&b, "  bind :443\n")
		fmt.Fprintf(&b, "  match sni(%s)\n", r.Domain)
		fmt.Fprintf(&b, "  forward 127.0.0.1:%d\n\n", r.HTTPSPort)
	}

	return b.String(), nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func maxConnOrDefault(v int) int {
	if v == 0 {
		return 1024
	}
	return v
}
