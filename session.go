package httpauth

import "sync"

// CredentialFunc supplies a username/password pair for realm on the
// given retry attempt (0-based). Returning a non-nil error means "no
// credentials available"; the challenge that asked for them is rejected.
type CredentialFunc func(realm string, attempt int) (username, password string, err error)

// Handler is one application registration against a session: a bitmask
// of acceptable schemes, a credential callback, and opaque user data.
// protomask == 0 marks a handler registered via SetServerAuth/
// SetProxyAuth, whose effective mask is resolved per session from
// context (see resolveHandlers in scheme.go) rather than fixed at
// registration time.
type Handler struct {
	protomask ProtoMask
	cred      CredentialFunc
	userdata  interface{}
}

// AuthRequest is the per-HTTP-request auxiliary record tracking what a
// session has done for one request: the method/URI the response digest
// was computed over, and how many challenges this request has already
// been retried for. It is threaded through the one RoundTrip call's
// retry loop in transport.go — net/http has no request-private storage
// that would outlive a single RoundTrip.
type AuthRequest struct {
	Method  string
	URI     string
	Attempt int
}

// contextFilter decides, given whether the current request is a CONNECT
// tunnel-establishment request, whether this session's schemes apply to
// it: a proxy session seen over TLS only ever authenticates the CONNECT
// that opens the tunnel, never the opaque bytes that follow inside it.
type contextFilter func(isConnect bool) bool

func authAny(isConnect bool) bool        { return true }
func authConnect(isConnect bool) bool    { return isConnect }
func authNotConnect(isConnect bool) bool { return !isConnect }

// basicState is the Basic portion of an AuthSession's credential cache.
type basicState struct {
	blob string
}

// AuthSession holds all per-(endpoint, role) authentication state: the
// handler chain, the currently selected scheme, and each scheme's
// credential cache. It is safe for concurrent use; net/http.Transport
// can run multiple RoundTrip calls against the same host in parallel, so
// the nonce_count increment and stored_rdig snapshot in digestRespond
// must be (and are) taken under sess.mu.
type AuthSession struct {
	mu sync.Mutex

	class   *Class
	host    string
	filter  contextFilter
	isProxy bool
	isTLS   bool

	handlers []*Handler
	selected *scheme

	username  string
	basic     basicState
	digest    digestState
	negotiate negotiateState

	counter *NonceCounter

	lastError string
}

// newAuthSession constructs a session for host under class, with its
// context filter resolved from whether this is a proxy role over TLS.
func newAuthSession(class *Class, host string, isProxy, isTLS bool) *AuthSession {
	var filter contextFilter
	switch {
	case isProxy && isTLS:
		filter = authConnect
	case !isProxy && isTLS:
		filter = authNotConnect
	default:
		filter = authAny
	}

	return &AuthSession{
		class:   class,
		host:    host,
		filter:  filter,
		isProxy: isProxy,
		isTLS:   isTLS,
		counter: NewNonceCounter(8),
	}
}

// clear zeroes all per-session credential material, retaining only the
// handler chain and the session's identity.
func (sess *AuthSession) clear() {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.selected = nil
	sess.username = ""
	sess.basic = basicState{}
	sess.digest = digestState{}
	sess.negotiate = negotiateState{}
	sess.lastError = ""
}

// appendHandler adds hdl to the end of the handler chain. The chain is
// append-only: handlers are never removed, and the first-registered
// handler that accepts a given scheme wins.
func (sess *AuthSession) appendHandler(hdl *Handler) {
	sess.mu.Lock()
	sess.handlers = append(sess.handlers, hdl)
	sess.mu.Unlock()
}

// handlersSnapshot returns a copy of the current handler chain, safe to
// range over without holding sess.mu.
func (sess *AuthSession) handlersSnapshot() []*Handler {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	out := make([]*Handler, len(sess.handlers))
	copy(out, sess.handlers)
	return out
}

// selectedScheme returns the currently selected scheme, if any.
func (sess *AuthSession) selectedScheme() *scheme {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.selected
}

// setSelected records the scheme accepted by the most recent challenge
// parse, or clears it if accepted is nil (no challenge this round was
// acceptable).
func (sess *AuthSession) setSelected(s *scheme) {
	sess.mu.Lock()
	sess.selected = s
	sess.mu.Unlock()
}

// setError records a human-readable diagnostic for the most recent
// mutual-auth or provider failure, surfaced later via LastError when
// Transport.RoundTrip builds a MutualAuthError.
func (sess *AuthSession) setError(err error) {
	sess.mu.Lock()
	sess.lastError = err.Error()
	sess.mu.Unlock()
}

// LastError returns the diagnostic set by the most recent mutual-auth or
// provider failure, or "" if none occurred.
func (sess *AuthSession) LastError() string {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.lastError
}
