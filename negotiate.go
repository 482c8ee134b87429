package httpauth

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// SecurityProvider abstracts over a GSSAPI, SSPI, or pure-Go backend
// driving a Negotiate/NTLM token exchange, so negotiateAccept/Respond/
// Verify never need to know which mechanism is actually producing
// tokens.
type SecurityProvider interface {
	InitializeContext(serverHostname, schemeName string) (SecurityContext, error)
}

// SecurityContext is one in-progress token exchange against one server.
type SecurityContext interface {
	// Step advances the exchange given the token the server offered
	// (nil on the first call). It returns the next token to send, if
	// any, and whether the exchange is complete.
	Step(input []byte) (output []byte, complete bool, err error)
	Dispose()
}

// negotiateProviders maps a scheme name ("Negotiate", "NTLM") to the
// SecurityProvider servicing it. No GSSAPI provider ships by default
// (see DESIGN.md); register one with RegisterNegotiateProvider, or use
// NewNTLMProvider for the built-in NTLM backend.
var negotiateProviders = map[string]SecurityProvider{}

// RegisterNegotiateProvider installs the SecurityProvider used to
// service challenges for the named scheme ("Negotiate" or "NTLM").
func RegisterNegotiateProvider(schemeName string, p SecurityProvider) {
	negotiateProviders[schemeName] = p
}

// negotiateState is the Negotiate/NTLM portion of an AuthSession's
// credential cache.
type negotiateState struct {
	ctx         SecurityContext
	schemeName  string
	cachedToken string // base64; cleared after every response
}

// negotiateAccept starts or continues a security context's token
// exchange: attempt 0 always (re)initializes the context, and any later
// attempt must carry a continuation token in the challenge's opaque blob.
func negotiateAccept(sess *AuthSession, attempt int, hdl *Handler, c *Challenge) error {
	provider, ok := negotiateProviders[c.scheme.name]
	if !ok {
		return errRejectChallenge
	}

	var input []byte
	switch {
	case attempt == 0:
		// initial challenge: no input token yet
	case c.Opaque != "":
		decoded, err := base64.StdEncoding.DecodeString(c.Opaque)
		if err != nil {
			return errRejectChallenge
		}
		input = decoded
	default:
		return errRejectChallenge
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if attempt == 0 || sess.negotiate.ctx == nil {
		if sess.negotiate.ctx != nil {
			sess.negotiate.ctx.Dispose()
		}
		ctx, err := provider.InitializeContext(sess.host, c.scheme.name)
		if err != nil {
			return fmt.Errorf("httpauth: %s: %w", c.scheme.name, err)
		}
		sess.negotiate.ctx = ctx
		sess.negotiate.schemeName = c.scheme.name
	}

	output, _, err := sess.negotiate.ctx.Step(input)
	if err != nil {
		return fmt.Errorf("httpauth: %s: %w", c.scheme.name, err)
	}
	if len(output) > 0 {
		sess.negotiate.cachedToken = base64.StdEncoding.EncodeToString(output)
	}

	return nil
}

// negotiateRespond emits whatever output token negotiateAccept produced
// for this round, or nothing if the exchange has nothing left to send.
func negotiateRespond(sess *AuthSession, req *AuthRequest) (string, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.negotiate.cachedToken == "" {
		return "", nil
	}
	return sess.negotiate.schemeName + " " + sess.negotiate.cachedToken, nil
}

// negotiateVerify feeds a server's final token back into the security
// context to confirm mutual authentication, rejecting a response whose
// scheme name doesn't match the one this session negotiated.
func negotiateVerify(sess *AuthSession, req *AuthRequest, value string) error {
	parts := strings.SplitN(strings.TrimSpace(value), " ", 2)
	if len(parts) != 2 {
		return errMalformedHeader
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if !strings.EqualFold(parts[0], sess.negotiate.schemeName) {
		return errMutualAuthFailed
	}
	token, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return errMalformedHeader
	}
	if sess.negotiate.ctx == nil {
		return errMutualAuthFailed
	}
	if _, _, err := sess.negotiate.ctx.Step(token); err != nil {
		return fmt.Errorf("httpauth: %s: %w", sess.negotiate.schemeName, err)
	}
	return nil
}

// clearNegotiateToken drops any cached output token once the round trip
// that carried it completes: a token is good for exactly one request.
func (sess *AuthSession) clearNegotiateToken() {
	sess.mu.Lock()
	sess.negotiate.cachedToken = ""
	sess.mu.Unlock()
}
