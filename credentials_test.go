package httpauth

import (
	"bytes"
	"encoding/json"
	"math/rand"
	"net/url"
	"reflect"
	"sort"
	"testing"
	"time"
)

var credentialFixture = []Credential{
	{Domain: "www.abc.example.com", Path: "/archive/all/2013/", Username: "a", Password: "a"},
	{Domain: "www.abc.example.com", Path: "/archive/all/2014/", Username: "b", Password: "b"},
	{Domain: "www.abc.example.com", Path: "/archive/all/", Username: "c", Password: "c"},
	{Domain: "abc.example.com", Path: "/content/", Username: "e", Password: "e"},
	{Domain: "def.example2.org", Path: "/", Username: "d", Password: "d"},
	{Domain: "ghi.example.org", Path: "/", Username: "f", Password: "f"},
	{Domain: "www.example.org", Path: "/", Username: "g", Password: "g"},
	{Domain: "example.org", Path: "/", Username: "h", Password: "h"},
	{Domain: "", Path: "", Username: "i", Password: "i"},
}

type credentialLookup struct {
	url      string
	username string
	password string
}

var credentialLookups = []credentialLookup{
	{"http://www.abc.example.com/archive/all/2013/", "a", "a"},
	{"http://www.abc.example.com/archive/all/2014/", "b", "b"},
	{"http://www.abc.example.com/archive/all/", "c", "c"},
	{"http://www.abc.example.com/archive/all/other/", "c", "c"},
	{"http://def.example2.org/content/", "d", "d"},
	{"http://www.example.org/some/path", "g", "g"},
	{"http://login.example.org/", "h", "h"},
	{"http://example.com/", "i", "i"},
}

func TestNewCredentialsJSON(t *testing.T) {
	buf := &bytes.Buffer{}

	enc := json.NewEncoder(buf)
	if err := enc.Encode(shuffledCredentials()); err != nil {
		t.Fatalf("unable to encode credentials: %v", err)
	}

	creds, err := NewCredentialsJSON(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("NewCredentialsJSON: %v", err)
	}

	for i, lookup := range credentialLookups {
		uri, err := url.Parse(lookup.url)
		if err != nil {
			t.Errorf("%d: unable to parse %s: %v", i, lookup.url, err)
			continue
		}
		u, p, err := creds.Login(uri, "Login")
		if err != nil {
			t.Errorf("%d: expected credentials for %s, got an error: %v", i, lookup.url, err)
			continue
		}
		if u != lookup.username || p != lookup.password {
			t.Errorf("%d: expected %s/%s, got %s/%s", i, lookup.username, lookup.password, u, p)
		}
	}
}

func TestOrderedCredentialsSortsMostSpecificFirst(t *testing.T) {
	oc := &OrderedCredentials{v: shuffledCredentials()}
	sort.Sort(oc)

	for i, got := range oc.v {
		if !reflect.DeepEqual(got, credentialFixture[i]) {
			t.Errorf("oc.v[%d]: expected %v got %v", i, credentialFixture[i], got)
		}
	}
}

// TestCredentialFuncForDrivesBasicAccept exercises CredentialFuncFor
// through the same call site basicAccept uses (hdl.cred(realm, attempt)),
// confirming the adapter resolves against the request URI passed to it
// rather than anything carried on the realm string, and that the retry
// attempt number has no bearing on a static table's answer.
func TestCredentialFuncForDrivesBasicAccept(t *testing.T) {
	creds := &OrderedCredentials{v: append([]Credential(nil), credentialFixture...)}
	sort.Sort(creds)

	uri, err := url.Parse("http://www.example.org/some/path")
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}

	cred := CredentialFuncFor(uri, creds)
	sess := newAuthSession(ServerClass, "www.example.org", false, false)
	hdl := &Handler{protomask: ProtoBasic, cred: cred}
	c := &Challenge{scheme: lookupScheme("Basic", ProtoBasic), Realm: "Restricted"}

	for _, attempt := range []int{0, 1} {
		if err := basicAccept(sess, attempt, hdl, c); err != nil {
			t.Fatalf("basicAccept (attempt %d): %v", attempt, err)
		}
		if sess.username != "g" {
			t.Fatalf("basicAccept (attempt %d): expected username g, got %s", attempt, sess.username)
		}
	}
}

// TestCredentialFuncForNoMatchRejectsChallenge confirms a host with no
// matching entry surfaces NoCredentialsErr through the CredentialFunc
// adapter, and that basicAccept, given that error, rejects the challenge
// rather than caching an empty credential.
func TestCredentialFuncForNoMatchRejectsChallenge(t *testing.T) {
	creds := &OrderedCredentials{v: []Credential{
		{Domain: "only.example.org", Path: "/", Username: "x", Password: "y"},
	}}

	uri, err := url.Parse("http://other.example.net/")
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}

	cred := CredentialFuncFor(uri, creds)
	if _, _, err := cred("Restricted", 0); err != NoCredentialsErr {
		t.Fatalf("expected NoCredentialsErr, got %v", err)
	}

	sess := newAuthSession(ServerClass, "other.example.net", false, false)
	hdl := &Handler{protomask: ProtoBasic, cred: cred}
	c := &Challenge{scheme: lookupScheme("Basic", ProtoBasic), Realm: "Restricted"}
	if err := basicAccept(sess, 0, hdl, c); err == nil {
		t.Fatalf("expected basicAccept to reject a challenge with no matching credential")
	}
}

type domainMatchCase struct {
	domain   string
	host     string
	expected bool
	explain  string
}

var domainMatchCases = []domainMatchCase{
	{"example.org", "example.org", true, "identical domains must match"},
	{"www.example.org", "www.Example.Org", true, "domains are case insensitive"},
	{"www.HighWire.ORG", "www.highwire.org", true, "domains are case insensitive"},
	{"example.org", "www.example.org", true, "a root domain matches its hosts"},
	{".example.org", "login.example.org", true, "a dot-prefixed domain matches any host within that domain"},
	{".example.org", "a1.login.example.org", true, "a dot-prefixed domain matches any host within that domain"},
	{".example.org", "example.org", false, "a dot-prefixed domain does not match the root domain"},
	{"example.org", "www.bmj.org", false, "different domains under the same top-level domain must not match"},
	{"com", "example.com", false, "a single-label domain must not match by bare suffix"},
	{"org", "bmj.org", false, "a single-label domain must not match by bare suffix"},
}

func TestCredentialDomainMatch(t *testing.T) {
	for i, v := range domainMatchCases {
		c := NewCredential(v.domain, "", "", "")
		if v.expected != c.domainMatch(v.host) {
			t.Errorf("%d: [%s] matching [%s] produced %v: expected %v (%s)",
				i, v.host, c.Domain, !v.expected, v.expected, v.explain)
		}
	}
}

type pathMatchCase struct {
	path     string
	test     string
	expected bool
	explain  string
}

var pathMatchCases = []pathMatchCase{
	{"/", "/login", true, "prefix match and a trailing / for c.Path must match"},
	{"/protected/realm", "/protected/realm/1", true, "prefix match and a / following the overlapping text must match"},
	{"/login", "/", false, "no absolute equality and no prefix match must not match"},
}

func TestCredentialPathMatch(t *testing.T) {
	for i, v := range pathMatchCases {
		c := NewCredential("", v.path, "", "")
		if v.expected != c.pathMatch(v.test) {
			t.Errorf("%d: [%s] matching [%s] produced %v: expected %v (%s)",
				i, v.test, c.Path, !v.expected, v.expected, v.explain)
		}
	}
}

func shuffledCredentials() []Credential {
	set := make([]Credential, len(credentialFixture))
	copy(set, credentialFixture)

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := len(set) - 1; i > 0; i-- {
		j := r.Intn(i + 1)
		set[i], set[j] = set[j], set[i]
	}
	return set
}
