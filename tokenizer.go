package httpauth

import "errors"

// errMalformed is returned when an '=' appears with no key preceding it.
var errMalformed = errors.New("httpauth: malformed header: '=' with no preceding key")

// tokenizer is a cursor-based scanner over one RFC 7235
// challenge or Authentication-Info header value. It runs in two modes:
// plain key=value pair extraction (used for both challenge parameters
// and Authentication-Info), and, in challenge mode, a bare leading
// token pulled off before any '=' is seen, so a caller can tell
// "Negotiate <base64>" (an opaque-blob scheme) apart from "Digest
// realm=..." (a key=value scheme) before committing to either grammar.
// A pull-based lexer built around a fixed separator/quoting vocabulary
// can't express that fork cleanly, since which grammar applies depends
// on what the bare token turns out to name, not on anything the
// character scanner itself can see ahead of time; keeping the cursor
// and that decision together in one scanner avoids splitting them
// across a token producer and a consumer that would need to agree on
// the fork after the fact.
type tokenizer struct {
	s   string
	pos int
}

func newTokenizer(s string) *tokenizer {
	return &tokenizer{s: s}
}

// rest returns the unconsumed remainder of the header value.
func (t *tokenizer) rest() string {
	return t.s[t.pos:]
}

// advance skips n bytes of the remaining input.
func (t *tokenizer) advance(n int) {
	t.pos += n
	if t.pos > len(t.s) {
		t.pos = len(t.s)
	}
}

func isHTTPSpace(c byte) bool {
	return c == ' ' || c == '\r' || c == '\n' || c == '\t'
}

// next returns the next key/value pair, or (in challenge mode) a bare
// leading token with value == nil and sep set to the delimiter that
// followed it (',' , ' ', or 0 at end of input). done is true once the
// input is exhausted without producing a token.
func (t *tokenizer) next(challenge bool) (key string, value *string, sep byte, done bool, err error) {
	if t.pos >= len(t.s) {
		return "", nil, 0, true, nil
	}

	const (
		beforeEq = iota
		afterEq
		afterEqQuoted
	)

	state := beforeEq
	keyStart, keyEnd, valStart := -1, -1, -1

	i := t.pos
	for ; i < len(t.s); i++ {
		c := t.s[i]
		switch state {
		case beforeEq:
			switch {
			case c == '=':
				if keyStart < 0 {
					return "", nil, 0, false, errMalformed
				}
				keyEnd = i
				valStart = i + 1
				state = afterEq
			case (c == ' ' || c == ',') && challenge && keyStart >= 0:
				key = t.s[keyStart:i]
				t.pos = i + 1
				return key, nil, c, false, nil
			case keyStart < 0 && !isHTTPSpace(c):
				keyStart = i
			}
		case afterEq:
			switch c {
			case ',':
				key = t.s[keyStart:keyEnd]
				val := t.s[valStart:i]
				t.pos = i + 1
				return key, &val, 0, false, nil
			case '"':
				state = afterEqQuoted
			}
		case afterEqQuoted:
			if c == '"' {
				state = afterEq
			}
		}
	}

	// End of input reached mid-token.
	switch {
	case state != beforeEq && keyStart >= 0:
		key = t.s[keyStart:keyEnd]
		val := t.s[valStart:]
		t.pos = len(t.s)
		return key, &val, 0, false, nil
	case state == beforeEq && challenge && keyStart >= 0:
		key = t.s[keyStart:]
		t.pos = len(t.s)
		return key, nil, 0, false, nil
	default:
		t.pos = len(t.s)
		return "", nil, 0, true, nil
	}
}
