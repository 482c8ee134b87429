package httpauth

import (
	"net/http"
	"strings"
)

// ProtoMask identifies one or more authentication schemes an application
// handler is willing to use. The bits are ORed together when registering
// a handler with AddServerAuth/AddProxyAuth.
type ProtoMask uint

const (
	ProtoBasic ProtoMask = 1 << iota
	ProtoDigest
	ProtoNegotiate
)

// defaultProtoMask computes the protomask for a handler registered via
// SetServerAuth/SetProxyAuth (protomask == 0 at registration time):
// Basic and Digest always, plus Negotiate if the connection is a proxy
// role or the request is over TLS.
func defaultProtoMask(isProxy, isTLS bool) ProtoMask {
	mask := ProtoBasic | ProtoDigest
	if isProxy || isTLS {
		mask |= ProtoNegotiate
	}
	return mask
}

// resolveHandlers returns raw with every protomask == 0 entry (a
// Set*Auth registration) replaced by a copy carrying the effective
// default mask for this session's role/scheme. Explicit AddServerAuth/
// AddProxyAuth registrations (protomask != 0) pass through unchanged.
func resolveHandlers(raw []handlerSpec, isProxy, isTLS bool) []*Handler {
	out := make([]*Handler, len(raw))
	for i, spec := range raw {
		mask := spec.protomask
		if mask == 0 {
			mask = defaultProtoMask(isProxy, isTLS)
		}
		out[i] = &Handler{protomask: mask, cred: spec.cred, userdata: spec.userdata}
	}
	return out
}

// flag bits carried on a scheme's registry entry.
type schemeFlag uint

const (
	// flagOpaqueParam marks a scheme whose challenge carries a trailing,
	// unquoted base64 blob rather than the generic key=value grammar.
	flagOpaqueParam schemeFlag = 1 << iota
	// flagVerifyNon40x marks a scheme whose mutual-auth verifier may run
	// against a 2xx/3xx response carrying the challenge header, not just
	// an Authentication-Info header after the success-after-challenge
	// response.
	flagVerifyNon40x
)

// acceptor examines a parsed challenge and either adopts it (populating
// session-private state and returning nil) or rejects it.
type acceptor func(sess *AuthSession, attempt int, hdl *Handler, c *Challenge) error

// responder returns the credential header value to send for req, or ""
// if nothing should be sent (e.g. Negotiate before a token is available).
type responder func(sess *AuthSession, req *AuthRequest) (string, error)

// verifier checks a server-supplied Authentication-Info (or, for
// VerifyNon40x schemes, a repeated challenge header) against session
// state accumulated while sending the request. A non-nil error means
// mutual authentication failed.
type verifier func(sess *AuthSession, req *AuthRequest, value string) error

// scheme is one entry in the static registry (C3).
type scheme struct {
	id       ProtoMask
	strength int
	name     string
	accept   acceptor
	respond  responder
	verify   verifier
	flags    schemeFlag
}

// registry lists the supported schemes ordered weakest to strongest
// (Basic=10, Digest=20, Negotiate/NTLM=30). insertChallenge sorts parsed
// challenges by these strengths, so selectChallenge always prefers the
// strongest scheme a server offers over a weaker fallback.
var registry = []*scheme{
	{
		id:       ProtoBasic,
		strength: 10,
		name:     "Basic",
		accept:   basicAccept,
		respond:  basicRespond,
		verify:   nil,
		flags:    0,
	},
	{
		id:       ProtoDigest,
		strength: 20,
		name:     "Digest",
		accept:   digestAccept,
		respond:  digestRespond,
		verify:   digestVerify,
		flags:    0,
	},
	{
		id:       ProtoNegotiate,
		strength: 30,
		name:     "Negotiate",
		accept:   negotiateAccept,
		respond:  negotiateRespond,
		verify:   negotiateVerify,
		flags:    flagOpaqueParam | flagVerifyNon40x,
	},
	{
		id:       ProtoNegotiate,
		strength: 30,
		name:     "NTLM",
		accept:   negotiateAccept,
		respond:  negotiateRespond,
		verify:   negotiateVerify,
		flags:    flagOpaqueParam | flagVerifyNon40x,
	},
}

// lookupScheme returns the registry entry with the given name (case
// insensitive) whose id bit is present in mask, or nil.
func lookupScheme(name string, mask ProtoMask) *scheme {
	for _, s := range registry {
		if s.id&mask != 0 && strings.EqualFold(s.name, name) {
			return s
		}
	}
	return nil
}

// Class describes the role a session plays: server-auth (401) or
// proxy-auth (407), and the header/status pairing that goes with it.
type Class struct {
	id             string
	ReqHeader      string
	RespHeader     string
	RespInfoHeader string
	StatusCode     int
	failResult     Result
}

var (
	// ServerClass is the class descriptor for server (401) authentication.
	ServerClass = &Class{
		id:             "server-auth",
		ReqHeader:      "Authorization",
		RespHeader:     "WWW-Authenticate",
		RespInfoHeader: "Authentication-Info",
		StatusCode:     http.StatusUnauthorized,
		failResult:     ResultAuthFailed,
	}

	// ProxyClass is the class descriptor for proxy (407) authentication.
	ProxyClass = &Class{
		id:             "proxy-auth",
		ReqHeader:      "Proxy-Authorization",
		RespHeader:     "Proxy-Authenticate",
		RespInfoHeader: "Proxy-Authentication-Info",
		StatusCode:     http.StatusProxyAuthRequired,
		failResult:     ResultProxyAuthFailed,
	}
)

// Result is the outcome of a post-send pass.
type Result int

const (
	// ResultOK means nothing further is required.
	ResultOK Result = iota
	// ResultRetry means a challenge was accepted; the request should be resent.
	ResultRetry
	// ResultAuthFailed means server-auth is unrecoverable.
	ResultAuthFailed
	// ResultProxyAuthFailed means proxy-auth is unrecoverable.
	ResultProxyAuthFailed
	// ResultMutualAuthError means a mutual-auth verifier rejected the response.
	ResultMutualAuthError
)
