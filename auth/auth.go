// Package auth defines the bridge's authenticator contract and a
// reference CIDR+token implementation, per spec.md §4.3. Certificate and
// CIDR-list file loading stay outside this package; callers parse those
// themselves and hand this package already-built values.
package auth

import (
	"context"
	"crypto/subtle"
	"net"
)

// Decision is the authenticator's verdict for one connection attempt.
type Decision struct {
	Accept   bool
	Method   string
	ClientIP string
	Reason   string
}

// Accepted builds an accept Decision.
func Accepted(method, clientIP string) Decision {
	return Decision{Accept: true, Method: method, ClientIP: clientIP}
}

// Rejected builds a reject Decision carrying a reason string, reflected
// by the host path as close code 4001.
func Rejected(reason string) Decision {
	return Decision{Accept: false, Reason: reason}
}

// Attempt describes one inbound connection, already stripped of
// transport-layer detail the authenticator shouldn't need.
type Attempt struct {
	RemoteAddr string
	Token      string
}

// Authenticator is the opaque per-connection accept/reject hook spec.md
// §4.3 treats as an external collaborator. The core evaluates it once per
// accept, before the connection enters CONNECTED.
type Authenticator interface {
	Authenticate(ctx context.Context, attempt Attempt) Decision
}

// AllowAll never rejects; it is the default used when a host is started
// without an authenticator.
type AllowAll struct{}

func (AllowAll) Authenticate(context.Context, Attempt) Decision {
	return Accepted("none", "")
}

// CIDRTokenAuthenticator accepts a connection only if its remote address
// falls within one of AllowedNetworks (when non-empty) and its token
// matches Token in constant time (when Token is non-empty). Both checks
// are optional; an authenticator with neither configured accepts
// everything, matching AllowAll.
type CIDRTokenAuthenticator struct {
	AllowedNetworks []*net.IPNet
	Token           string
}

// NewCIDRTokenAuthenticator parses each CIDR string once at construction
// time so Authenticate never touches the filesystem or does error-prone
// parsing per request.
func NewCIDRTokenAuthenticator(cidrs []string, token string) (*CIDRTokenAuthenticator, error) {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			return nil, err
		}
		nets = append(nets, n)
	}
	return &CIDRTokenAuthenticator{AllowedNetworks: nets, Token: token}, nil
}

func (a *CIDRTokenAuthenticator) Authenticate(_ context.Context, attempt Attempt) Decision {
	host, _, err := net.SplitHostPort(attempt.RemoteAddr)
	if err != nil {
		host = attempt.RemoteAddr
	}
	ip := net.ParseIP(host)

	if len(a.AllowedNetworks) > 0 {
		if ip == nil || !a.inAnyNetwork(ip) {
			return Rejected("remote address not in an allowed network")
		}
	}

	if a.Token != "" {
		if subtle.ConstantTimeCompare([]byte(attempt.Token), []byte(a.Token)) != 1 {
			return Rejected("invalid token")
		}
	}

	return Accepted("cidr+token", host)
}

func (a *CIDRTokenAuthenticator) inAnyNetwork(ip net.IP) bool {
	for _, n := range a.AllowedNetworks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
