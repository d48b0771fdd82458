// Package registrycli resolves OCI image digests against configured
// registries and their mirrors, used by the redeploy-on-image-update
// deployment strategy.
package registrycli

import (
	"context"
	"fmt"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"

	"github.com/chiwei-platform/fleetform/internal/config"
	"github.com/chiwei-platform/fleetform/internal/domain"
)

// Client resolves image references to digests, honoring per-registry
// mirrors and the insecure (skip TLS verification) setting.
type Client struct {
	registries map[string]config.RegistryConfig
}

func New(registries map[string]config.RegistryConfig) *Client {
	return &Client{registries: registries}
}

// ResolveDigest returns the digest of imageRef. If the ref's registry has
// configured mirrors, it tries the primary first, then each mirror in
// order; if none of the mirrors have the tag, it reports the primary's
// error as BackendTransient so the caller retries with backoff.
func (c *Client) ResolveDigest(ctx context.Context, imageRef string) (string, error) {
	ref, err := name.ParseReference(imageRef)
	if err != nil {
		return "", fmt.Errorf("%w: parse image ref %q: %v", domain.ErrInvalidPayload, imageRef, err)
	}

	opts := c.remoteOptions(ctx, ref.Context().RegistryStr())
	digest, primaryErr := resolve(ref, opts)
	if primaryErr == nil {
		return digest, nil
	}

	regCfg, ok := c.registries[ref.Context().RegistryStr()]
	if ok {
		for _, mirror := range regCfg.Mirrors {
			mirrorRef, err := name.ParseReference(mirror + "/" + ref.Context().RepositoryStr() + ":" + refTag(ref))
			if err != nil {
				continue
			}
			mirrorOpts := c.remoteOptions(ctx, mirror)
			if digest, err := resolve(mirrorRef, mirrorOpts); err == nil {
				return digest, nil
			}
		}
	}

	return "", fmt.Errorf("%w: resolve digest for %q: %v", domain.ErrBackendTransient, imageRef, primaryErr)
}

func resolve(ref name.Reference, opts []remote.Option) (string, error) {
	desc, err := remote.Head(ref, opts...)
	if err != nil {
		return "", err
	}
	return desc.Digest.String(), nil
}

func refTag(ref name.Reference) string {
	if tagged, ok := ref.(name.Tag); ok {
		return tagged.TagStr()
	}
	return "latest"
}

func (c *Client) remoteOptions(ctx context.Context, registryHost string) []remote.Option {
	opts := []remote.Option{remote.WithContext(ctx), remote.WithAuthFromKeychain(authn.DefaultKeychain)}
	if regCfg, ok := c.registries[registryHost]; ok && regCfg.Insecure {
		opts = append(opts, remote.WithTransport(insecureTransport()))
	}
	return opts
}
