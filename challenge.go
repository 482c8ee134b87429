package httpauth

import (
	"strings"

	"github.com/jimrobinson/trace"
)

// Challenge is the parsed descriptor produced by the challenge parser for
// one scheme occurrence within a WWW-Authenticate/Proxy-Authenticate
// header. It is transient: it lives only for the duration of one
// post-send pass.
type Challenge struct {
	scheme  *scheme
	handler *Handler

	Realm     string
	Nonce     string
	Opaque    string
	Stale     bool
	GotQop    bool
	QopAuth   bool
	Algorithm string // "md5", "md5-sess", or "unknown"
}

func newChallenge(s *scheme, h *Handler) *Challenge {
	return &Challenge{scheme: s, handler: h, Algorithm: "md5"}
}

// claim returns the scheme/handler pair that accepts the bare scheme
// token name: the first handler in registration order whose protomask
// admits a registry scheme with that name.
func claim(name string, handlers []*Handler) (*scheme, *Handler) {
	for _, h := range handlers {
		if s := lookupScheme(name, h.protomask); s != nil {
			return s, h
		}
	}
	return nil, nil
}

// insertChallenge inserts c into *list in non-increasing strength order,
// ties broken by insertion order, so selectChallenge always tries the
// strongest scheme offered first.
func insertChallenge(list *[]*Challenge, c *Challenge) {
	l := *list
	i := 0
	for ; i < len(l); i++ {
		if l[i].scheme.strength < c.scheme.strength {
			break
		}
	}
	l = append(l, nil)
	copy(l[i+1:], l[i:])
	l[i] = c
	*list = l
}

// unquote strips one layer of surrounding ASCII single- or double-quotes.
func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// applyParam folds one key=value pair onto c, first stripping the
// value's outer quotes, per the RFC 7616/RFC 2617 auth-param names a
// Digest or Basic challenge carries.
func applyParam(c *Challenge, key, value string) {
	value = unquote(value)

	switch strings.ToLower(key) {
	case "realm":
		c.Realm = value
	case "nonce":
		c.Nonce = value
	case "opaque":
		c.Opaque = value
	case "stale":
		c.Stale = strings.EqualFold(value, "true")
	case "algorithm":
		switch strings.ToLower(value) {
		case "md5":
			c.Algorithm = "md5"
		case "md5-sess":
			c.Algorithm = "md5-sess"
		default:
			c.Algorithm = "unknown"
		}
	case "qop":
		for _, v := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(v), "auth") {
				c.GotQop = true
				c.QopAuth = true
				break
			}
		}
	}
}

// parseChallenges tokenizes value in challenge mode, claims each bare
// scheme token against the handler chain, and folds subsequent key=value
// parameters onto the most recently claimed challenge. Unclaimed tokens
// (no registered handler accepts the scheme name) are skipped along with
// any parameters that follow them, until the next bare token.
func parseChallenges(value string, handlers []*Handler) []*Challenge {
	var out []*Challenge
	var cur *Challenge

	traceFn, traceT := trace.M(transportTraceID, trace.Trace)

	tk := newTokenizer(value)
	for {
		key, val, sep, done, err := tk.next(true)
		if done {
			break
		}
		if err != nil {
			// A malformed token leaves the remainder of the header
			// ungrammatical; drop it rather than guess at resynchronizing.
			if traceT {
				trace.T(traceFn, "skipping malformed auth-param in %q: %v", value, err)
			}
			break
		}

		if val == nil {
			s, h := claim(key, handlers)
			if s == nil {
				cur = nil
				continue
			}
			cur = newChallenge(s, h)
			insertChallenge(&out, cur)

			if s.flags&flagOpaqueParam != 0 && sep == ' ' {
				// The scheme name was followed by whitespace rather than
				// a comma: the remainder up to the next comma is an
				// unquoted base64 blob, not generic key=value grammar.
				// Further leading spaces (e.g. "Negotiate  <token>")
				// are not part of the token.
				if n := len(tk.rest()) - len(strings.TrimLeft(tk.rest(), " ")); n > 0 {
					tk.advance(n)
				}
				blob := tk.rest()
				if i := strings.IndexByte(blob, ','); i >= 0 {
					cur.Opaque = blob[:i]
					tk.advance(i + 1)
				} else {
					cur.Opaque = blob
					tk.advance(len(blob))
				}
			}
			continue
		}

		if cur == nil {
			continue
		}
		applyParam(cur, key, *val)
	}

	return out
}

// selectChallenge walks challenges strongest-first, invoking each
// scheme's acceptor until one succeeds. It returns the accepted
// challenge, or nil if none were acceptable.
func selectChallenge(sess *AuthSession, attempt int, challenges []*Challenge) *Challenge {
	for _, c := range challenges {
		if c.scheme.accept == nil {
			continue
		}
		if err := c.scheme.accept(sess, attempt, c.handler, c); err == nil {
			return c
		}
	}
	return nil
}
