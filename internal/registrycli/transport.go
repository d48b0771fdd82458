package registrycli

import (
	"crypto/tls"
	"net/http"
)

// insecureTransport skips TLS verification for registries explicitly marked
// insecure in [registries.<name>] — used for local/dev registries with
// self-signed TLS. Plain-HTTP registries are not handled by it.
func insecureTransport() http.RoundTripper {
	return &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // operator opt-in per registry
	}
}
