package httpauth

import (
	"errors"
	"fmt"
)

// Internal acceptor/verifier sentinels. Unrecoverable-auth and retry
// outcomes are surfaced as Result values, not errors; a malformed
// challenge header is handled by dropping the offending token rather than
// returning an error up through RoundTrip, while a malformed header a
// verifier depends on surfaces as a MutualAuthError.
var (
	// errRejectChallenge means an acceptor declined a challenge; the
	// challenge parser moves on to the next one in strength order.
	errRejectChallenge = errors.New("httpauth: challenge rejected")

	// errNoCredentials means a scheme was selected but no credential
	// material is cached to build a response from.
	errNoCredentials = errors.New("httpauth: no cached credentials")

	// errMutualAuthFailed means a verifier detected a mismatch between
	// the expected and server-supplied proof of knowledge.
	errMutualAuthFailed = errors.New("httpauth: mutual authentication failed")

	// errMalformedHeader means a response header a verifier depends on
	// could not be parsed.
	errMalformedHeader = errors.New("httpauth: malformed response header")
)

// MutualAuthError is returned by Transport.RoundTrip when a server's
// Authentication-Info (or, for Negotiate/NTLM, a repeated challenge
// header on a 2xx/3xx response) fails to verify against the credentials
// this session sent. It does not clear the session's cached credentials:
// the request itself may have been processed correctly by the server,
// only the proof-of-knowledge it returned was wrong or missing.
type MutualAuthError struct {
	Class *Class
	Host  string
	Err   error
}

func (e *MutualAuthError) Error() string {
	return fmt.Sprintf("httpauth: %s mutual authentication failed for %s: %v", e.Class.id, e.Host, e.Err)
}

func (e *MutualAuthError) Unwrap() error { return e.Err }
