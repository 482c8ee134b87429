package httpauth

import (
	"crypto/md5"
	"crypto/rand"
	"encoding"
	"encoding/hex"
	"fmt"
	"hash"
	"strconv"
	"strings"
)

// digestState is the Digest session substate needed across a challenge
// and its retried request: realm, nonce, cnonce, opaque, algorithm, qop
// selection, nonce_count, H(A1), and the rolling-hash snapshot used to
// cheaply verify rspauth.
type digestState struct {
	realm     string
	nonce     string
	cnonce    string
	opaque    string
	algorithm string // "md5" or "md5-sess"
	qopAuth   bool

	nonceCount uint32
	hA1        string

	// storedRdig is the partial Request-Digest hash through
	// "...nc:cnonce:", cloned off before the qop value and H(A2) are absorbed, so
	// verify can resume it without recomputing the shared prefix. Non-nil
	// iff the last request sent qop=auth and no verify has consumed it yet.
	storedRdig hash.Hash
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// cloneHash snapshots h's internal state into a fresh hash.Hash using the
// encoding.BinaryMarshaler/BinaryUnmarshaler support crypto/md5's digest
// type provides, so a partially-written Request-Digest hash can be
// branched into a second, independent hash.Hash and finished twice
// without recomputing the shared prefix.
func cloneHash(h hash.Hash) (hash.Hash, error) {
	state, err := h.(encoding.BinaryMarshaler).MarshalBinary()
	if err != nil {
		return nil, err
	}
	clone := md5.New()
	if err := clone.(encoding.BinaryUnmarshaler).UnmarshalBinary(state); err != nil {
		return nil, err
	}
	return clone, nil
}

// generateCnonce returns a fresh client nonce: RFC 2617 leaves its
// construction to the client, only requiring that it be unpredictable.
// crypto/rand is always available in Go, so this always has a strong
// random source to draw from.
func generateCnonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return md5Hex(string(buf)), nil
}

// digestAccept validates a Digest challenge (RFC 2617 §3.2.1) and, unless
// it is a stale re-challenge, prompts for fresh credentials and derives a
// new H(A1). A stale re-challenge keeps the cached username and H(A1),
// only resetting the nonce, cnonce, and nonce count.
func digestAccept(sess *AuthSession, attempt int, hdl *Handler, c *Challenge) error {
	if c.Algorithm == "unknown" {
		return errRejectChallenge
	}
	if c.Algorithm == "md5-sess" && !c.QopAuth {
		return errRejectChallenge
	}
	if c.Realm == "" || c.Nonce == "" {
		return errRejectChallenge
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	username := sess.username
	var password string
	if !c.Stale {
		sess.digest = digestState{}

		var err error
		username, password, err = hdl.cred(c.Realm, attempt)
		if err != nil {
			return err
		}
		sess.username = username
	}

	algorithm := c.Algorithm
	if algorithm == "" {
		algorithm = "md5"
	}

	cnonce, err := generateCnonce()
	if err != nil {
		return err
	}

	sess.digest.realm = c.Realm
	sess.digest.nonce = c.Nonce
	sess.digest.opaque = c.Opaque
	sess.digest.algorithm = algorithm
	sess.digest.cnonce = cnonce
	sess.digest.qopAuth = c.GotQop
	sess.digest.nonceCount = 0
	sess.digest.storedRdig = nil
	if sess.counter != nil {
		sess.counter.Reset(c.Nonce)
	}

	if !c.Stale {
		// A stale re-challenge reuses the previously computed H(A1)
		// unchanged rather than recomputing it here. For algorithm=
		// MD5-sess this is technically imprecise, since MD5-sess's H(A1)
		// is itself derived from the nonce/cnonce pair that a stale
		// re-challenge rotates — but re-deriving it would require the
		// plaintext password again, which a stale re-challenge (by
		// definition, the same credentials are still valid) has no
		// reason to re-prompt for.
		base := md5Hex(username + ":" + c.Realm + ":" + password)
		if algorithm == "md5-sess" {
			base = md5Hex(base + ":" + c.Nonce + ":" + cnonce)
		}
		sess.digest.hA1 = base
		password = "" // best-effort zero; Go strings are immutable so this
		// only drops our local reference, it doesn't scrub the backing
		// bytes the way the C original zeroes its stack buffer.
	}

	return nil
}

// digestRespond builds the Authorization header value for the current
// request (RFC 2617 §3.2.2), advancing the nonce count and caching a
// resumable hash snapshot for digestVerify when qop=auth is in use.
func digestRespond(sess *AuthSession, req *AuthRequest) (string, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	d := &sess.digest
	if d.nonce == "" || d.hA1 == "" {
		return "", errNoCredentials
	}

	hA2 := md5Hex(req.Method + ":" + req.URI)

	rdig := md5.New()
	rdig.Write([]byte(d.hA1 + ":" + d.nonce + ":"))

	var nc string
	if d.qopAuth {
		n := sess.counter.Next(d.nonce)
		d.nonceCount = uint32(n)
		nc = fmt.Sprintf("%08x", n)
		rdig.Write([]byte(nc + ":" + d.cnonce + ":"))

		snap, err := cloneHash(rdig)
		if err != nil {
			return "", err
		}
		d.storedRdig = snap

		rdig.Write([]byte("auth:"))
	} else {
		d.storedRdig = nil
	}

	rdig.Write([]byte(hA2))
	response := hex.EncodeToString(rdig.Sum(nil))

	algName := "MD5"
	if d.algorithm == "md5-sess" {
		algName = "MD5-sess"
	}

	var b strings.Builder
	fmt.Fprintf(&b, `Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s", algorithm="%s"`,
		sess.username, d.realm, d.nonce, req.URI, response, algName)
	if d.opaque != "" {
		fmt.Fprintf(&b, `, opaque="%s"`, d.opaque)
	}
	if d.qopAuth {
		fmt.Fprintf(&b, `, cnonce="%s", nc=%s, qop="auth"`, d.cnonce, nc)
	}

	return b.String(), nil
}

// digestVerify checks a server's Authentication-Info (or, carried over
// from a 2069-style exchange, a bare nextnonce) against the request this
// session just sent, per RFC 2617 §3.2.3.
func digestVerify(sess *AuthSession, req *AuthRequest, value string) error {
	params := make(map[string]string)
	tk := newTokenizer(value)
	for {
		key, val, _, done, err := tk.next(false)
		if done {
			break
		}
		if err != nil {
			return errMalformedHeader
		}
		if val != nil {
			params[strings.ToLower(key)] = unquote(*val)
		}
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	d := &sess.digest

	qop, hasQop := params["qop"]
	if !hasQop {
		// RFC 2069 style: no mutual-auth material offered, accept silently.
		if nextnonce, ok := params["nextnonce"]; ok {
			d.nonce = nextnonce
		}
		return nil
	}

	rspauth, ok1 := params["rspauth"]
	cnonce, ok2 := params["cnonce"]
	ncHex, ok3 := params["nc"]
	if !ok1 || !ok2 || !ok3 {
		return errMutualAuthFailed
	}
	if cnonce != d.cnonce {
		return errMutualAuthFailed
	}
	nc, err := strconv.ParseUint(ncHex, 16, 32)
	if err != nil || uint32(nc) != d.nonceCount {
		return errMutualAuthFailed
	}

	if d.storedRdig == nil {
		return errMutualAuthFailed
	}
	rdig := d.storedRdig
	d.storedRdig = nil // consumed regardless of outcome

	rdig.Write([]byte(qop + ":"))
	rdig.Write([]byte(md5Hex(":" + req.URI)))
	expected := hex.EncodeToString(rdig.Sum(nil))

	if !strings.EqualFold(expected, rspauth) {
		return errMutualAuthFailed
	}

	if nextnonce, ok := params["nextnonce"]; ok {
		d.nonce = nextnonce
		// nonce_count is intentionally left unchanged; see DESIGN.md. The
		// counter is keyed by nonce, so the new nonce's entry is seeded
		// with the current count for the next request to continue from.
		sess.counter.Reset(nextnonce)
		for i := uint32(0); i < d.nonceCount; i++ {
			sess.counter.Next(nextnonce)
		}
	}

	return nil
}
