package httpauth

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

// TestTransportBasicChallenge checks that a Basic challenge produces
// Authorization: Basic am86Zm9v.
func TestTransportBasicChallenge(t *testing.T) {
	var seenAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth == "" {
			w.Header().Set("WWW-Authenticate", `Basic realm="x"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		seenAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := NewTransport(nil)
	tr.SetServerAuth(staticCred("jo", "foo"), nil)
	client := &http.Client{Transport: tr}

	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("jo:foo"))
	if seenAuth != want {
		t.Fatalf("got %q want %q", seenAuth, want)
	}
}

// TestTransportDigestNonceCountIncrements checks that the first retried
// request carries nc=00000001, and a later request reusing the
// already-selected scheme (no new challenge) carries nc=00000002.
func TestTransportDigestNonceCountIncrements(t *testing.T) {
	var requests int32
	var lastAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&requests, 1)
		if n == 1 {
			w.Header().Set("WWW-Authenticate", `Digest realm="x", nonce="abc", qop="auth"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		lastAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := NewTransport(nil)
	tr.SetServerAuth(staticCred("jo", "foo"), nil)
	client := &http.Client{Transport: tr}

	resp1, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get (1st): %v", err)
	}
	resp1.Body.Close()
	if !strings.Contains(lastAuth, "nc=00000001") {
		t.Fatalf("expected nc=00000001 on first authenticated request, got %s", lastAuth)
	}

	resp2, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get (2nd): %v", err)
	}
	resp2.Body.Close()
	if !strings.Contains(lastAuth, "nc=00000002") {
		t.Fatalf("expected nc=00000002 on second request against the same session, got %s", lastAuth)
	}
}

// TestTransportStaleNonceNoRepromptForCredentials checks that, after an
// accepted Digest exchange, a stale re-challenge does not re-invoke the
// credential callback, and that the next request uses nc=00000001 again
// under the new nonce.
func TestTransportStaleNonceNoRepromptForCredentials(t *testing.T) {
	var requests int32
	var credCalls int32
	var lastAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&requests, 1)
		switch n {
		case 1:
			w.Header().Set("WWW-Authenticate", `Digest realm="x", nonce="abc", qop="auth"`)
			w.WriteHeader(http.StatusUnauthorized)
		case 2:
			// server rotates the nonce out from under the client
			w.Header().Set("WWW-Authenticate", `Digest realm="x", nonce="def", qop="auth", stale=true`)
			w.WriteHeader(http.StatusUnauthorized)
		default:
			lastAuth = r.Header.Get("Authorization")
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	tr := NewTransport(nil)
	tr.MaxAttempts = 4
	tr.SetServerAuth(func(realm string, attempt int) (string, string, error) {
		atomic.AddInt32(&credCalls, 1)
		return "jo", "foo", nil
	}, nil)
	client := &http.Client{Transport: tr}

	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	resp.Body.Close()

	if credCalls != 1 {
		t.Fatalf("expected exactly 1 credential prompt across the stale rotation, got %d", credCalls)
	}
	if !strings.Contains(lastAuth, `nonce="def"`) || !strings.Contains(lastAuth, "nc=00000001") {
		t.Fatalf(`expected nonce="def", nc=00000001 after stale rotation, got %s`, lastAuth)
	}
}

// TestTransportChallengePriorityPrefersDigest checks that, offered both
// Basic and Digest, the client selects Digest.
func TestTransportChallengePriorityPrefersDigest(t *testing.T) {
	var lastAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			w.Header().Add("WWW-Authenticate", `Basic realm="x"`)
			w.Header().Add("WWW-Authenticate", `Digest realm="x", nonce="y"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		lastAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := NewTransport(nil)
	tr.SetServerAuth(staticCred("jo", "foo"), nil)
	client := &http.Client{Transport: tr}

	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	resp.Body.Close()

	if !strings.Contains(lastAuth, "Digest ") {
		t.Fatalf("expected Digest to be selected over Basic, got %s", lastAuth)
	}
}

// TestTransportMutualAuthFailure checks that a bogus rspauth in
// Authentication-Info surfaces as a *MutualAuthError, not a 200 response.
func TestTransportMutualAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			w.Header().Set("WWW-Authenticate", `Digest realm="x", nonce="abc", qop="auth"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Authentication-Info", `qop=auth, rspauth="deadbeef", cnonce="whatever", nc=00000001`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := NewTransport(nil)
	tr.SetServerAuth(staticCred("jo", "foo"), nil)
	client := &http.Client{Transport: tr}

	_, err := client.Get(srv.URL)
	if err == nil {
		t.Fatalf("expected a mutual-auth error")
	}

	var mae *MutualAuthError
	if !asMutualAuthError(err, &mae) {
		t.Fatalf("expected *MutualAuthError (possibly wrapped by *url.Error), got %v", err)
	}
}

// asMutualAuthError unwraps the *url.Error that http.Client wraps
// RoundTripper errors in, looking for a *MutualAuthError underneath.
func asMutualAuthError(err error, out **MutualAuthError) bool {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if mae, ok := err.(*MutualAuthError); ok {
			*out = mae
			return true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// TestTransportNoHandlersIsPassthrough checks that a Transport with no
// registrations doesn't alter requests or responses at all.
func TestTransportNoHandlersIsPassthrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	tr := NewTransport(nil)
	client := &http.Client{Transport: tr}

	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
