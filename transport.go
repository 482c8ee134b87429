package httpauth

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/jimrobinson/trace"
)

// errTooManyAttempts means the retry loop in RoundTrip asked for one
// more cloned request body than duplicateBody produced, i.e. more
// retries than Transport.maxAttempts allows for. RoundTrip's own attempt
// counter always catches this first; it exists as a defensive backstop.
var errTooManyAttempts = errors.New("httpauth: exceeded maximum retry attempts")

// defaultMaxAttempts bounds the retry loop in RoundTrip so a
// misbehaving or colluding pair of proxy/server challenges can't spin
// forever: net/http has no outer retry loop of its own, so Transport
// must supply one, and an unbounded one would let a server that always
// answers with a fresh (or just differently-stale) challenge keep a
// caller retrying indefinitely.
const defaultMaxAttempts = 4

// defaultBodyMemLimit is the in-memory ceiling, in bytes, for a cloned
// request body before spillBuffer spills it to a temp file.
const defaultBodyMemLimit = 1 << 20 // 1 MiB

// handlerSpec is a registration recorded against a Transport before any
// AuthSession exists for a given host: the protomask (0 for a
// Set*Auth-style default registration), credential callback, and opaque
// userdata to carry through to the credential callback.
type handlerSpec struct {
	protomask ProtoMask
	cred      CredentialFunc
	userdata  interface{}
}

// sessionKey identifies one AuthSession: its role (server or proxy) and
// the host:port it authenticates against. A Transport keeps at most one
// session per (class, host) pair, since RFC 7235 credentials are scoped
// to a server and role, not to an individual request.
type sessionKey struct {
	class *Class
	host  string
}

// Transport is an http.RoundTripper that attaches per-request auth
// state, emits Authorization/Proxy-Authorization headers from whichever
// scheme is currently selected for a host, retries once a challenge
// yields credentials, and verifies mutual-auth responses. It wraps an
// arbitrary base transport and keys its auth state off the request's
// (and, where applicable, the proxy's) host, so a caller using the same
// Transport across many requests to the same server pays the challenge/
// credential round trip only once rather than on every request.
//
// A Transport serves both server-auth (401) and proxy-auth (407)
// concurrently: if Proxy resolves a non-nil URL for a request, that
// request is tested against both the proxy's AuthSession (keyed by the
// proxy's host) and the origin's AuthSession (keyed by the request's
// host) on every round trip.
type Transport struct {
	// Base is the underlying RoundTripper. http.DefaultTransport is used
	// if nil.
	Base http.RoundTripper

	// Proxy reports the proxy URL to use for req, or (nil, nil) for a
	// direct connection, mirroring http.Transport.Proxy. It determines
	// only which AuthSession is consulted for Proxy-Authorization; it
	// does not itself route the request through a proxy (that remains
	// Base's responsibility, e.g. by also setting http.Transport.Proxy
	// to the same function).
	Proxy func(*http.Request) (*url.URL, error)

	// MaxAttempts bounds how many times a single RoundTrip call will
	// resend the request in response to ResultRetry. Defaults to
	// defaultMaxAttempts if <= 0.
	MaxAttempts int

	// BodyTempDir and BodyMemLimit configure the spillBuffer used to
	// clone a retryable request body (see duplicateBody in bodyclone.go).
	// BodyMemLimit defaults to defaultBodyMemLimit if 0; a negative value
	// disables the on-disk fallback entirely.
	BodyTempDir string
	BodyMemLimit int

	mu          sync.Mutex
	sessions    map[sessionKey]*AuthSession
	serverSpecs []handlerSpec
	proxySpecs  []handlerSpec
}

var transportTraceID = "github.com/jimrobinson/httpauth"

// NewTransport returns a Transport wrapping base (http.DefaultTransport
// if nil) with no credential sources registered. Register at least one
// of SetServerAuth/AddServerAuth/SetProxyAuth/AddProxyAuth before use;
// a Transport with no registrations is a transparent passthrough.
func NewTransport(base http.RoundTripper) *Transport {
	return &Transport{Base: base}
}

// CloseIdleConnections delegates to the base transport, if it exposes
// the method (http.Transport does); checked via an unexported interface
// since http.RoundTripper itself doesn't declare it.
func (t *Transport) CloseIdleConnections() {
	type closeIdler interface{ CloseIdleConnections() }
	if ci, ok := t.base().(closeIdler); ok {
		ci.CloseIdleConnections()
	}
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) proxyFunc() func(*http.Request) (*url.URL, error) {
	if t.Proxy != nil {
		return t.Proxy
	}
	return http.ProxyFromEnvironment
}

func (t *Transport) maxAttempts() int {
	if t.MaxAttempts > 0 {
		return t.MaxAttempts
	}
	return defaultMaxAttempts
}

func (t *Transport) bodyMemLimit() int {
	if t.BodyMemLimit != 0 {
		return t.BodyMemLimit
	}
	return defaultBodyMemLimit
}

// SetServerAuth appends cred as a default server-auth (401) credential
// source: Basic and Digest always, Negotiate when the target is https.
func (t *Transport) SetServerAuth(cred CredentialFunc, userdata interface{}) {
	t.register(ServerClass, 0, cred, userdata)
}

// SetProxyAuth appends cred as a default proxy-auth (407) credential
// source: Basic, Digest, and Negotiate always.
func (t *Transport) SetProxyAuth(cred CredentialFunc, userdata interface{}) {
	t.register(ProxyClass, 0, cred, userdata)
}

// AddServerAuth appends cred as an additional server-auth credential
// source restricted to the schemes named in mask. Multiple handlers
// compose; the first-registered handler that accepts a given challenge
// wins.
func (t *Transport) AddServerAuth(mask ProtoMask, cred CredentialFunc, userdata interface{}) {
	t.register(ServerClass, mask, cred, userdata)
}

// AddProxyAuth appends cred as an additional proxy-auth credential
// source restricted to the schemes named in mask.
func (t *Transport) AddProxyAuth(mask ProtoMask, cred CredentialFunc, userdata interface{}) {
	t.register(ProxyClass, mask, cred, userdata)
}

// register implements the shared bookkeeping behind the four public
// registration functions: record the spec for sessions created later,
// and append a resolved Handler to every session of this class that
// already exists, so a handler registered mid-flight still applies to
// a host Transport has already started a session for.
func (t *Transport) register(class *Class, mask ProtoMask, cred CredentialFunc, userdata interface{}) {
	spec := handlerSpec{protomask: mask, cred: cred, userdata: userdata}

	t.mu.Lock()
	defer t.mu.Unlock()

	if class == ProxyClass {
		t.proxySpecs = append(t.proxySpecs, spec)
	} else {
		t.serverSpecs = append(t.serverSpecs, spec)
	}

	for key, sess := range t.sessions {
		if key.class != class {
			continue
		}
		resolved := resolveHandlers([]handlerSpec{spec}, class == ProxyClass, sess.isTLS)
		sess.appendHandler(resolved[0])
	}
}

// ForgetAuth clears the cached credentials, selected scheme, and digest/
// negotiate state of every session (both roles, every host) tracked by
// this Transport, without discarding the registered handler chains: the
// next request to each host starts the challenge/credential exchange
// over, but doesn't need SetServerAuth/AddServerAuth called again.
func (t *Transport) ForgetAuth() {
	t.mu.Lock()
	sessions := make([]*AuthSession, 0, len(t.sessions))
	for _, sess := range t.sessions {
		sessions = append(sessions, sess)
	}
	t.mu.Unlock()

	for _, sess := range sessions {
		sess.clear()
	}
}

// session returns the AuthSession for (class, host), creating one (and
// resolving its handler chain from the specs registered so far) if
// necessary. isTLS and isProxy fix the session's context filter for its
// lifetime; a host that is first seen under one scheme keeps that
// filter even if a later request to the same host:port combination
// differs, which is the practical case only for unusual same-host
// http/https mixes.
func (t *Transport) session(class *Class, host string, isProxy, isTLS bool) *AuthSession {
	key := sessionKey{class: class, host: host}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sessions == nil {
		t.sessions = make(map[sessionKey]*AuthSession)
	}
	if sess, ok := t.sessions[key]; ok {
		return sess
	}

	specs := t.serverSpecs
	if class == ProxyClass {
		specs = t.proxySpecs
	}
	if len(specs) == 0 {
		return nil
	}

	sess := newAuthSession(class, host, isProxy, isTLS)
	for _, h := range resolveHandlers(specs, isProxy, isTLS) {
		sess.appendHandler(h)
	}
	t.sessions[key] = sess
	return sess
}

// RoundTrip implements http.RoundTripper. It attaches per-request auth
// records for whichever of the server/proxy sessions apply to req,
// emits credential headers from the currently selected scheme before
// sending, and on response parses new challenges or verifies
// mutual-auth responses, resending the request while a challenge keeps
// yielding credentials.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base()

	proxyURL, err := t.proxyFunc()(req)
	if err != nil {
		return nil, err
	}

	isTLS := req.URL.Scheme == "https"
	isConnect := req.Method == http.MethodConnect

	var serverSess, proxySess *AuthSession
	serverSess = t.session(ServerClass, req.URL.Host, false, isTLS)
	if proxyURL != nil {
		proxySess = t.session(ProxyClass, proxyURL.Host, true, isTLS)
	}

	serverReq := createAuthRequest(serverSess, req, isConnect)
	proxyReq := createAuthRequest(proxySess, req, isConnect)

	if serverReq == nil && proxyReq == nil {
		// No registered handler applies to this request at all; don't
		// pay for body cloning or header bookkeeping it'll never use.
		return base.RoundTrip(req)
	}

	nextBody, err := t.bodyCloner(req)
	if err != nil {
		return nil, err
	}

	traceFn, traceT := trace.M(transportTraceID, trace.Trace)

	for {
		if nextBody != nil {
			body, err := nextBody()
			if err != nil {
				return nil, err
			}
			req.Body = body
		}

		if err := preSend(serverSess, serverReq, req, ServerClass); err != nil {
			return nil, err
		}
		if err := preSend(proxySess, proxyReq, req, ProxyClass); err != nil {
			return nil, err
		}

		resp, err := base.RoundTrip(req)
		if err != nil {
			return nil, err
		}

		if serverSess != nil {
			serverSess.clearNegotiateToken()
		}
		if proxySess != nil {
			proxySess.clearNegotiateToken()
		}

		result := ResultOK
		if proxySess != nil {
			result = t.postSend(proxySess, ProxyClass, proxyReq, req, resp, isConnect)
		}
		if result == ResultOK && serverSess != nil {
			result = t.postSend(serverSess, ServerClass, serverReq, req, resp, isConnect)
		}

		switch result {
		case ResultOK:
			return resp, nil

		case ResultMutualAuthError:
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			class, host, verr := mutualAuthFailure(serverSess, proxySess)
			return nil, &MutualAuthError{Class: class, Host: host, Err: verr}

		case ResultAuthFailed, ResultProxyAuthFailed:
			// Unrecoverable: no challenge could be accepted (no
			// credentials, or the credential callback declined). Give up
			// and hand the caller the final challenge response rather
			// than an error, so it can still inspect the status code and
			// WWW-Authenticate/Proxy-Authenticate headers the server sent.
			return resp, nil

		case ResultRetry:
			attempt := 0
			if serverReq != nil {
				attempt += serverReq.Attempt
			}
			if proxyReq != nil {
				attempt += proxyReq.Attempt
			}
			if attempt >= t.maxAttempts() {
				return resp, nil
			}
			if traceT {
				trace.T(traceFn, "retrying %s %s after auth challenge (attempt %d)", req.Method, req.URL, attempt)
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			continue
		}
	}
}

// mutualAuthFailure reports which session's verifier most recently
// rejected a response, for attaching to a MutualAuthError. postSend only
// ever sets one session's lastError per round trip.
func mutualAuthFailure(serverSess, proxySess *AuthSession) (*Class, string, error) {
	if proxySess != nil {
		if msg := proxySess.LastError(); msg != "" {
			return ProxyClass, proxySess.host, errors.New(msg)
		}
	}
	if serverSess != nil {
		if msg := serverSess.LastError(); msg != "" {
			return ServerClass, serverSess.host, errors.New(msg)
		}
	}
	return ServerClass, "", errMutualAuthFailed
}

// createAuthRequest allocates the per-request auxiliary record for
// sess, if sess is non-nil and its context filter admits this method
// (CONNECT is the tunnel-establishment case some sessions exclude).
func createAuthRequest(sess *AuthSession, req *http.Request, isConnect bool) *AuthRequest {
	if sess == nil || !sess.filter(isConnect) {
		return nil
	}
	return &AuthRequest{
		Method: req.Method,
		URI:    req.URL.RequestURI(),
	}
}

// preSend runs before the request is handed to the base transport: if a
// scheme is selected for sess, call its responder and attach the
// resulting header.
func preSend(sess *AuthSession, areq *AuthRequest, req *http.Request, class *Class) error {
	if sess == nil || areq == nil {
		return nil
	}

	sel := sess.selectedScheme()
	if sel == nil {
		return nil
	}

	value, err := sel.respond(sess, areq)
	if err != nil {
		if err == errNoCredentials {
			return nil
		}
		return err
	}
	if value != "" {
		req.Header.Set(class.ReqHeader, value)
	}
	return nil
}

// isNon40xVerifiable reports whether status is a 2xx or 3xx response —
// the only class of responses a VerifyNon40x scheme's verifier runs
// against, since those schemes have no Authentication-Info equivalent
// to carry mutual-auth proof on the success response instead.
func isNon40xVerifiable(status int) bool {
	return status >= 200 && status < 400
}

// postSend runs after the base transport returns a response, for one
// session/class. It returns ResultOK if nothing further is required,
// ResultRetry if a challenge was accepted and the request should be
// resent, ResultMutualAuthError if a verifier rejected the response, or
// the class's failResult if every challenge was rejected.
func (t *Transport) postSend(sess *AuthSession, class *Class, areq *AuthRequest, req *http.Request, resp *http.Response, isConnect bool) Result {
	if sess == nil || areq == nil {
		return ResultOK
	}

	// Several challenge header lines are equivalent to one comma-joined
	// list (RFC 7235 §4.1), so all of them are parsed together.
	challengeHdr := strings.Join(resp.Header.Values(class.RespHeader), ", ")
	effStatus := class.StatusCode

	// Some proxies answer a CONNECT challenge with 401/WWW-Authenticate
	// instead of the correct 407/Proxy-Authenticate; tolerate it here
	// rather than failing a tunnel setup over a proxy's header mixup.
	if class == ProxyClass && isConnect && resp.StatusCode == http.StatusUnauthorized && challengeHdr == "" {
		effStatus = http.StatusUnauthorized
		challengeHdr = strings.Join(resp.Header.Values("WWW-Authenticate"), ", ")
	}

	infoHdr := resp.Header.Get(class.RespInfoHeader)
	sel := sess.selectedScheme()

	switch {
	// Step 1: verify Authentication-Info, for schemes whose verifier
	// applies only to the success-after-challenge response.
	//
	// sel.flags == 0 here and sel.flags != 0 in step 2 test only
	// whether any flag bit is set, not specifically flagVerifyNon40x:
	// a scheme that someday sets flagOpaqueParam without
	// flagVerifyNon40x (or the reverse) would get routed to the wrong
	// step. Every scheme in the registry currently sets both flags
	// together or neither, so the distinction doesn't matter yet, but
	// a future scheme that needs only one of the two should switch
	// these to explicit `sel.flags&flagVerifyNon40x == 0` bit tests.
	case infoHdr != "" && sel != nil && sel.verify != nil && sel.flags == 0:
		if err := sel.verify(sess, areq, infoHdr); err != nil {
			sess.setError(err)
			return ResultMutualAuthError
		}
		return ResultOK

	// Step 2: verify against a repeated challenge header on a 2xx/3xx
	// response (Negotiate/NTLM mutual auth, which has no
	// Authentication-Info equivalent).
	case sel != nil && sel.verify != nil && sel.flags != 0 && isNon40xVerifiable(resp.StatusCode) && challengeHdr != "":
		if err := sel.verify(sess, areq, challengeHdr); err != nil {
			sess.setError(err)
			return ResultMutualAuthError
		}
		return ResultOK

	// Step 3: a new challenge. Parse it, try to accept one, and either
	// ask for a retry or give up.
	case resp.StatusCode == effStatus && challengeHdr != "":
		attempt := areq.Attempt
		areq.Attempt++
		challenges := parseChallenges(challengeHdr, sess.handlersSnapshot())
		accepted := selectChallenge(sess, attempt, challenges)
		sess.setSelected(nil)
		if accepted == nil {
			sess.clear()
			return class.failResult
		}
		sess.setSelected(accepted.scheme)
		return ResultRetry

	default:
		return ResultOK
	}
}

// bodyCloner returns a function producing one fresh io.ReadCloser per
// call, good for up to Transport.maxAttempts sends of req's body, or
// nil if req has no body to clone. It reads req.Body to completion once
// up front via duplicateBody (bodyclone.go); RoundTrip only calls it
// once it already knows at least one session applies to req, so a
// request no handler will ever challenge never pays for body cloning.
func (t *Transport) bodyCloner(req *http.Request) (func() (io.ReadCloser, error), error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}

	clones, err := duplicateBody(req.Body, t.maxAttempts(), t.BodyTempDir, t.bodyMemLimit())
	if err != nil {
		return nil, err
	}

	i := 0
	return func() (io.ReadCloser, error) {
		if i >= len(clones) {
			return nil, errTooManyAttempts
		}
		rc := clones[i]
		i++
		return rc, nil
	}, nil
}
