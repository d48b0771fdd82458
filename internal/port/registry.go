package port

import "context"

// DigestResolver resolves an image reference to its content digest, used by
// the redeploy-on-image-update deployment strategy.
type DigestResolver interface {
	ResolveDigest(ctx context.Context, imageRef string) (string, error)
}
