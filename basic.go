package httpauth

import "encoding/base64"

// basicAccept requires a realm (RFC 7617 §2) and asks the handler's
// credential callback for a username/password pair, base64-packing the
// result once up front so Respond is a pure cache lookup rather than
// redoing the encoding on every request.
func basicAccept(sess *AuthSession, attempt int, hdl *Handler, c *Challenge) error {
	if c.Realm == "" {
		return errRejectChallenge
	}

	username, password, err := hdl.cred(c.Realm, attempt)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	sess.username = username
	sess.basic.blob = base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
	sess.mu.Unlock()

	// best-effort: the caller's password string is immutable in Go, so
	// there is no buffer to zero the way the C original zeroes its stack
	// copy; the cached blob is the only credential material retained.
	return nil
}

// basicRespond returns the cached Authorization header value, or
// errNoCredentials if no challenge has been accepted yet.
func basicRespond(sess *AuthSession, req *AuthRequest) (string, error) {
	sess.mu.Lock()
	blob := sess.basic.blob
	sess.mu.Unlock()

	if blob == "" {
		return "", errNoCredentials
	}
	return "Basic " + blob, nil
}
