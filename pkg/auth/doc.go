// Package auth issues and validates the bearer credentials endpoints use
// against the API. Endpoint tokens are HMAC-signed JWTs minted at
// registration with a configurable lifetime; admin access uses a static
// token list from configuration. Token revocation happens implicitly:
// removing an endpoint invalidates its token because the auth middleware
// resolves the endpoint id on every request.
package auth
