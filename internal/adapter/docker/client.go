package docker

import (
	"github.com/docker/docker/client"
)

// NewClient builds a Docker Engine API client from an explicit host (a
// unix:// or tcp:// address), or from the DOCKER_HOST/DOCKER_TLS_VERIFY
// environment the daemon's own CLI honors when host is empty.
func NewClient(host string) (*client.Client, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	} else {
		opts = append(opts, client.FromEnv)
	}
	return client.NewClientWithOpts(opts...)
}
