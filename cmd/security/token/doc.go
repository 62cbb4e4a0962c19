// Package token signs and verifies the bearer tokens handed out at login.
//
// Tokens are HS256 JWTs carrying the identity ID as subject plus issued-at and expiry.
// They are stateless: validity is a pure function of signature, issuer and the clock at
// the moment of Verify.
//
// Environment:
// - RELAY_TOKEN_SECRET: HMAC key, at least 32 bytes.
// - RELAY_TOKEN_TTL: token lifetime (default 1h).
// - RELAY_TOKEN_ISSUER: iss claim (default "relay").
// - RELAY_TOKEN_LEEWAY: clock skew tolerance for iat/exp (default 0).
package token
