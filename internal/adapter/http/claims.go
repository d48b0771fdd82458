package http

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// extractIDTokenClaims reads the bearer id-token off Authorization and
// returns its claims unverified: OpenID authentication itself (signature
// and issuer verification, cookie management) is out of scope here, this
// only recovers the claim set the id-token-claims-to-owner hook maps to an
// Owner. A request without a bearer token yields no claims, which the
// caller treats as an anonymous deploy.
func extractIDTokenClaims(authHeader string) (map[string]any, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return nil, false
	}
	raw := strings.TrimPrefix(authHeader, prefix)

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, false
	}
	return map[string]any(claims), true
}
