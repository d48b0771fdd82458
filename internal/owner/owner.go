// Package owner encodes and decodes the owner set attached to every app,
// in the compact form the Kubernetes backend stamps onto its namespace as an
// annotation. The Docker backend does not persist owners.
package owner

import (
	"encoding/json"
	"fmt"

	"github.com/chiwei-platform/fleetform/internal/domain"
)

// AnnotationKey is the well-known key backends store the encoded owner set
// under.
const AnnotationKey = "fleetform.io/owners"

// Encode serializes owners to the compact JSON array stored in a single
// annotation/label value.
func Encode(owners []domain.Owner) (string, error) {
	raw, err := json.Marshal(owners)
	if err != nil {
		return "", fmt.Errorf("encode owners: %w", err)
	}
	return string(raw), nil
}

// Decode parses a previously Encode-d value; an empty or malformed value
// decodes to no owners rather than an error, since a missing annotation is
// the common case for apps created before owner tracking existed.
func Decode(value string) []domain.Owner {
	if value == "" {
		return nil
	}
	var owners []domain.Owner
	if err := json.Unmarshal([]byte(value), &owners); err != nil {
		return nil
	}
	return owners
}

// Merge is domain.UnionOwners exposed under this package for call sites
// that only import owner, not domain, for owner-set arithmetic.
func Merge(a, b []domain.Owner) []domain.Owner {
	return domain.UnionOwners(a, b)
}
