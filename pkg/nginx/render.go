package nginx

import (
	"fmt"
	"strings"

	"github.com/torrust/tracker-certs/pkg/certstore"
)

// Route maps one public hostname to its backend service.
type Route struct {
	Hostname string
	Upstream string
}

// render produces the complete nginx configuration for the target state.
// The output is a full standalone config file, so `nginx -t -c` can
// validate the staged artifact before it replaces the live one. The
// render is deterministic: the same inputs always produce the same
// bytes, which makes apply-then-rollback restore the original artifact
// exactly.
func (m *Manager) render(state State, bundle *certstore.Bundle) (string, error) {
	if len(m.routes) == 0 {
		return "", fmt.Errorf("no routes to render")
	}
	if state == StateHTTPSActive {
		if bundle == nil {
			return "", fmt.Errorf("https configuration requires a certificate bundle")
		}
		if bundle.CertificatePath == "" || bundle.PrivateKeyPath == "" {
			return "", fmt.Errorf("bundle for %s has no artifact paths", bundle.Primary())
		}
	}

	var b strings.Builder

	b.WriteString("# Managed by tracker-certs. Do not edit: this file is replaced whole\n")
	b.WriteString("# on every configuration change.\n\n")
	b.WriteString("user nginx;\n")
	b.WriteString("worker_processes auto;\n")
	b.WriteString("error_log /var/log/nginx/error.log warn;\n")
	b.WriteString("pid /var/run/nginx.pid;\n\n")
	b.WriteString("events {\n")
	b.WriteString("    worker_connections 1024;\n")
	b.WriteString("}\n\n")
	b.WriteString("http {\n")
	b.WriteString("    include /etc/nginx/mime.types;\n")
	b.WriteString("    default_type application/octet-stream;\n\n")
	b.WriteString("    sendfile on;\n")
	b.WriteString("    tcp_nopush on;\n")
	b.WriteString("    keepalive_timeout 65;\n")
	b.WriteString("    client_max_body_size 10M;\n\n")

	for _, route := range m.routes {
		fmt.Fprintf(&b, "    upstream %s {\n", upstreamName(route.Hostname))
		fmt.Fprintf(&b, "        server %s;\n", route.Upstream)
		b.WriteString("        keepalive 32;\n")
		b.WriteString("    }\n\n")
	}

	for _, route := range m.routes {
		switch state {
		case StateHTTPOnly:
			m.writeHTTPServer(&b, route, false)
		case StateHTTPSActive:
			m.writeHTTPServer(&b, route, true)
			m.writeHTTPSServer(&b, route, bundle)
		default:
			return "", fmt.Errorf("unknown proxy state %q", state)
		}
	}

	b.WriteString("}\n")
	return b.String(), nil
}

// writeHTTPServer renders the port-80 server block. The ACME challenge
// location is present in both states: renewal revalidates over plain
// HTTP even while HTTPS is active.
func (m *Manager) writeHTTPServer(b *strings.Builder, route Route, redirect bool) {
	b.WriteString("    server {\n")
	b.WriteString("        listen 80;\n")
	fmt.Fprintf(b, "        server_name %s;\n\n", route.Hostname)

	b.WriteString("        location ^~ /.well-known/acme-challenge/ {\n")
	fmt.Fprintf(b, "            root %s;\n", m.webroot)
	b.WriteString("            default_type text/plain;\n")
	b.WriteString("        }\n\n")

	if redirect {
		b.WriteString("        location / {\n")
		fmt.Fprintf(b, "            return 301 https://%s$request_uri;\n", route.Hostname)
		b.WriteString("        }\n")
	} else {
		m.writeProxyLocation(b, route)
	}

	b.WriteString("    }\n\n")
}

func (m *Manager) writeHTTPSServer(b *strings.Builder, route Route, bundle *certstore.Bundle) {
	b.WriteString("    server {\n")
	b.WriteString("        listen 443 ssl;\n")
	b.WriteString("        http2 on;\n")
	fmt.Fprintf(b, "        server_name %s;\n\n", route.Hostname)

	fmt.Fprintf(b, "        ssl_certificate %s;\n", bundle.CertificatePath)
	fmt.Fprintf(b, "        ssl_certificate_key %s;\n\n", bundle.PrivateKeyPath)

	b.WriteString("        ssl_protocols TLSv1.2 TLSv1.3;\n")
	b.WriteString("        ssl_prefer_server_ciphers on;\n")
	b.WriteString("        ssl_session_cache shared:SSL:10m;\n")
	b.WriteString("        ssl_session_timeout 10m;\n\n")

	b.WriteString("        add_header X-Content-Type-Options \"nosniff\" always;\n")
	b.WriteString("        add_header X-Frame-Options \"SAMEORIGIN\" always;\n\n")

	m.writeProxyLocation(b, route)

	b.WriteString("    }\n\n")
}

func (m *Manager) writeProxyLocation(b *strings.Builder, route Route) {
	b.WriteString("        location / {\n")
	fmt.Fprintf(b, "            proxy_pass http://%s;\n", upstreamName(route.Hostname))
	b.WriteString("            proxy_http_version 1.1;\n\n")

	b.WriteString("            proxy_set_header Host $host;\n")
	b.WriteString("            proxy_set_header X-Real-IP $remote_addr;\n")
	b.WriteString("            proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;\n")
	b.WriteString("            proxy_set_header X-Forwarded-Proto $scheme;\n\n")

	b.WriteString("            proxy_set_header Upgrade $http_upgrade;\n")
	b.WriteString("            proxy_set_header Connection \"upgrade\";\n\n")

	b.WriteString("            proxy_connect_timeout 60s;\n")
	b.WriteString("            proxy_read_timeout 60s;\n")
	b.WriteString("        }\n")
}

// upstreamName derives a deterministic nginx upstream identifier from a
// hostname.
func upstreamName(hostname string) string {
	sanitized := strings.NewReplacer(".", "_", "-", "_").Replace(strings.ToLower(hostname))
	return sanitized + "_backend"
}
