// Package oautherr defines the protocol error taxonomy shared by the
// authorization service and the HTTP layer. Sentinel values are compared
// with errors.Is; wrapping context stays server-side and is never surfaced
// to callers.
package oautherr

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidClient covers unknown clients, disabled clients and bad
	// client secrets. Deliberately a single value so callers cannot
	// distinguish the cases.
	ErrInvalidClient = errors.New("invalid client")

	// ErrInvalidRedirect is returned when a redirect_uri is not an exact
	// member of the client's registered set.
	ErrInvalidRedirect = errors.New("invalid redirect uri")

	// ErrInvalidGrant covers expired, consumed, revoked and unknown
	// authorization codes and refresh tokens. Undifferentiated to avoid
	// enumeration oracles.
	ErrInvalidGrant = errors.New("invalid grant")

	// ErrInvalidChallenge is returned on a PKCE verifier mismatch or an
	// unsupported code_challenge_method.
	ErrInvalidChallenge = errors.New("invalid code challenge")

	// ErrKeyNotFound is returned when a token's kid does not resolve to a
	// known signing key. Surfaced to callers as a generic auth failure.
	ErrKeyNotFound = errors.New("signing key not found")

	// ErrEncryptionIntegrity is returned when credential decryption fails
	// its authentication tag or associated-data check.
	ErrEncryptionIntegrity = errors.New("encryption integrity failure")

	// ErrRateLimited is returned when the rate gate denies a request.
	ErrRateLimited = errors.New("rate limited")

	// ErrInvalidRequest covers malformed protocol requests (missing or
	// unsupported parameters).
	ErrInvalidRequest = errors.New("invalid request")
)

// Code returns the RFC 6749 error code for err. Internal failures
// (KeyNotFound, EncryptionIntegrity) collapse to invalid_grant so the wire
// response carries no internal detail.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrInvalidClient):
		return "invalid_client"
	case errors.Is(err, ErrInvalidRedirect), errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrInvalidChallenge), errors.Is(err, ErrInvalidGrant),
		errors.Is(err, ErrKeyNotFound), errors.Is(err, ErrEncryptionIntegrity):
		return "invalid_grant"
	case errors.Is(err, ErrRateLimited):
		return "slow_down"
	default:
		return "server_error"
	}
}

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
