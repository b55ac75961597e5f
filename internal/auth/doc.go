// Package auth guards the relay's admin HTTP API with HS256 JWT bearer
// tokens.
//
// Tokens carry a subject ("sub") and a mandatory expiry ("exp"). They are
// minted offline with the `coven-relay token` command using the configured
// auth.jwt_secret and presented as:
//
//	Authorization: Bearer <token>
//
// When no secret is configured the admin endpoints are open; deploy them
// behind the Tailscale listener or a private interface in that case.
package auth
