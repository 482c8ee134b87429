package httpauth

import (
	"encoding/json"
	"errors"
	"io"
	"net/url"
	"sort"
	"strings"
)

// NoCredentialsErr is returned by a Credentials implementation when no
// entry matches the request's host and path.
var NoCredentialsErr = errors.New("Matching login credentials not found")

// Credentials resolves a username/password pair for a request URI and
// the realm a server challenged for. Implementations are free to prompt
// interactively, consult a keyring, or (as OrderedCredentials does) walk
// a static, domain/path-scoped table.
type Credentials interface {
	Login(uri *url.URL, realm string) (username, password string, err error)
}

// CredentialFuncFor adapts a Credentials lookup table into the
// CredentialFunc signature a Handler expects, resolving realm against
// uri on every call. An application that already maintains a
// Credentials store (for instance one loaded with NewCredentialsJSON)
// can register it directly with Transport.SetServerAuth/AddServerAuth
// this way instead of writing its own closure. The retry attempt number
// is ignored: a static table has nothing new to offer on a second pass,
// and a failed lookup surfaces as NoCredentialsErr regardless of which
// attempt produced it.
func CredentialFuncFor(uri *url.URL, creds Credentials) CredentialFunc {
	return func(realm string, attempt int) (username, password string, err error) {
		return creds.Login(uri, realm)
	}
}

// Credential is one domain/path-scoped username/password entry. An
// empty Domain or Path matches anything; a Domain beginning with "."
// matches that domain and all of its subdomains, while a bare domain
// (no leading dot) also matches its subdomains per the historical
// cookie-matching convention this table borrows from.
type Credential struct {
	Domain   string
	Path     string
	Username string
	Password string
}

// NewCredential builds a Credential, lower-casing domain for later
// case-insensitive matching.
func NewCredential(domain, path, username, password string) Credential {
	return Credential{
		Domain:   strings.ToLower(domain),
		Path:     path,
		Username: username,
		Password: password,
	}
}

// Matches reports whether c applies to uri.
func (c Credential) Matches(uri *url.URL) bool {
	return c.domainMatch(uri.Host) && c.pathMatch(uri.Path)
}

func (c Credential) domainMatch(host string) bool {
	host = strings.ToLower(host)
	if c.Domain == "" || c.Domain == host {
		return true
	}
	if strings.HasPrefix(c.Domain, ".") {
		return strings.HasSuffix(host, c.Domain)
	}
	// A bare domain only matches its subdomains once it has at least one
	// label separator: a single-label Domain like "com" would otherwise
	// match every ".com" host via the HasSuffix check below.
	if strings.Count(c.Domain, ".") < 1 {
		return false
	}
	return strings.HasSuffix(host, "."+c.Domain)
}

func (c Credential) pathMatch(path string) bool {
	if c.Path == "" || c.Path == path {
		return true
	}
	if !strings.HasPrefix(path, c.Path) {
		return false
	}
	return strings.HasSuffix(c.Path, "/") || path[len(c.Path)] == '/'
}

// NewCredentialsJSON decodes a JSON array of Credential entries from r
// and returns them as an OrderedCredentials, sorted so Login's linear
// scan always reaches the most specific match first.
func NewCredentialsJSON(r io.Reader) (Credentials, error) {
	if r == nil {
		return nil, errors.New("httpauth: nil credentials reader")
	}

	var entries []Credential
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return nil, err
	}
	for i := range entries {
		entries[i].Domain = strings.ToLower(entries[i].Domain)
	}

	oc := &OrderedCredentials{v: entries}
	sort.Sort(oc)
	return oc, nil
}

// OrderedCredentials is a Credentials table kept sorted so the first
// Matches hit in Login is always the most specific one available:
// exact domains before wildcard domains, longer domains before shorter,
// and likewise for paths.
type OrderedCredentials struct {
	v []Credential
}

// Login returns the first entry whose domain and path both match uri,
// ignoring realm: this table has no way to distinguish two realms on
// the same host/path, so realm is accepted only to satisfy the
// Credentials interface.
func (c *OrderedCredentials) Login(uri *url.URL, realm string) (username, password string, err error) {
	for _, entry := range c.v {
		if entry.Matches(uri) {
			return entry.Username, entry.Password, nil
		}
	}
	return "", "", NoCredentialsErr
}

func (c *OrderedCredentials) Len() int      { return len(c.v) }
func (c *OrderedCredentials) Swap(i, j int) { c.v[i], c.v[j] = c.v[j], c.v[i] }
func (c *OrderedCredentials) Less(i, j int) bool {
	return compareCredentials(c.v[i], c.v[j]) < 0
}

// compareCredentials orders a before b when a is the more specific
// entry: a present domain before an absent one, a fully qualified
// domain before a wildcard, more domain labels before fewer, then
// lexical domain, then more path segments before fewer, then lexical
// path.
func compareCredentials(a, b Credential) int {
	if r := emptyLast(a.Domain, b.Domain); r != 0 {
		return r
	}
	if r := wildcardLast(a.Domain, b.Domain); r != 0 {
		return r
	}
	if r := moreComponentsFirst(a.Domain, b.Domain, '.'); r != 0 {
		return r
	}
	if r := lexical(a.Domain, b.Domain); r != 0 {
		return r
	}
	if r := moreComponentsFirst(a.Path, b.Path, '/'); r != 0 {
		return r
	}
	return lexical(a.Path, b.Path)
}

func emptyLast(a, b string) int {
	switch {
	case a == "" && b != "":
		return 1
	case a != "" && b == "":
		return -1
	default:
		return 0
	}
}

func wildcardLast(a, b string) int {
	aWild, bWild := strings.HasPrefix(a, "."), strings.HasPrefix(b, ".")
	switch {
	case !aWild && bWild:
		return -1
	case aWild && !bWild:
		return 1
	default:
		return 0
	}
}

func moreComponentsFirst(a, b string, sep byte) int {
	na, nb := strings.Count(a, string(sep)), strings.Count(b, string(sep))
	switch {
	case na > nb:
		return -1
	case na < nb:
		return 1
	default:
		return 0
	}
}

func lexical(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
