package httpauth

import (
	"fmt"

	"github.com/Azure/go-ntlmssp"
)

// ntlmProvider is a SecurityProvider backed by github.com/Azure/go-ntlmssp,
// a pure-Go NTLM implementation that builds and parses the Type 1/2/3
// messages without calling into any platform SSPI library. Unlike
// GSSAPI/SSPI, NTLM carries no ambient credential cache, so the provider
// is constructed with explicit credentials rather than deriving them
// from the platform.
type ntlmProvider struct {
	domain, username, password string
}

// NewNTLMProvider returns a SecurityProvider for the "NTLM" scheme, usable
// with RegisterNegotiateProvider. domain may be empty.
func NewNTLMProvider(domain, username, password string) SecurityProvider {
	return ntlmProvider{domain: domain, username: username, password: password}
}

func (p ntlmProvider) InitializeContext(serverHostname, schemeName string) (SecurityContext, error) {
	return &ntlmContext{provider: p}, nil
}

// ntlmContext drives NTLM's two-message exchange: a Type 1 Negotiate
// message, then (given the server's Type 2 Challenge) a Type 3
// Authenticate message. There is no third round trip.
type ntlmContext struct {
	provider ntlmProvider
	step     int
}

func (c *ntlmContext) Step(input []byte) (output []byte, complete bool, err error) {
	switch c.step {
	case 0:
		msg, err := ntlmssp.NewNegotiateMessage(c.provider.domain, "")
		if err != nil {
			return nil, false, fmt.Errorf("ntlm negotiate: %w", err)
		}
		c.step = 1
		return msg, false, nil
	case 1:
		if len(input) == 0 {
			return nil, false, fmt.Errorf("ntlm: missing challenge message")
		}
		msg, err := ntlmssp.ProcessChallenge(input, c.provider.username, c.provider.password)
		if err != nil {
			return nil, false, fmt.Errorf("ntlm authenticate: %w", err)
		}
		c.step = 2
		return msg, true, nil
	default:
		return nil, true, nil
	}
}

func (c *ntlmContext) Dispose() {}
