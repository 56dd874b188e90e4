// Package auth provides the credential lookups a Channel needs to
// establish a memcached binary SASL session and an HTTP config fetch
// against a Couchbase cluster.
//
// Grounded on authenticator/auth.go: this generalizes its package-level
// clusterURL global and free functions into an explicit, mockable
// interface so tests can supply fixed credentials without cbauth's global
// registration, per spec.md's component-boundary note that external auth
// is injected, not hardwired.
package auth

import (
	"net/http"
	"strings"

	"github.com/couchbase/cbauth"
	"github.com/pkg/errors"
)

// Provider resolves the credentials a Channel or config fetch needs.
type Provider interface {
	// MemcachedCredentials returns the SASL username/password for the kv
	// node at address (host:port).
	MemcachedCredentials(address string) (user, password string, err error)

	// HTTPCredentials returns the basic-auth username/password for an
	// HTTP request to address (host:port).
	HTTPCredentials(address string) (user, password string, err error)

	// SetRequestAuth attaches cluster auth to an outgoing HTTP request.
	SetRequestAuth(req *http.Request) error
}

// cbauthProvider is the default Provider, backed by the running process's
// cbauth registration, matching GetMemcachedServiceAuth/ServiceHttpAuth.
type cbauthProvider struct{}

// NewCBAuthProvider returns the default cbauth-backed Provider. The caller
// is responsible for having completed cbauth's own process-wide init
// (cbauth.Default / revrpc), the same precondition InitAuthenticator
// documents.
func NewCBAuthProvider() Provider {
	return cbauthProvider{}
}

func (cbauthProvider) MemcachedCredentials(address string) (string, string, error) {
	user, password, err := cbauth.GetMemcachedServiceAuth(stripScheme(address))
	if err != nil {
		return "", "", errors.Wrap(err, "get memcached service auth")
	}
	return user, password, nil
}

func (cbauthProvider) HTTPCredentials(address string) (string, string, error) {
	user, password, err := cbauth.GetHTTPServiceAuth(stripScheme(address))
	if err != nil {
		return "", "", errors.Wrap(err, "get http service auth")
	}
	return user, password, nil
}

func (cbauthProvider) SetRequestAuth(req *http.Request) error {
	cbauth.SetRequestAuthVia(req, nil)
	return nil
}

// Static is a fixed-credentials Provider for tests and for deployments that
// bypass cbauth (e.g. a local single-node dev cluster), matching the
// teacher's TestSetUserPassword override path.
type Static struct {
	User     string
	Password string
}

func (s Static) MemcachedCredentials(string) (string, string, error) { return s.User, s.Password, nil }
func (s Static) HTTPCredentials(string) (string, string, error)      { return s.User, s.Password, nil }
func (s Static) SetRequestAuth(req *http.Request) error {
	req.SetBasicAuth(s.User, s.Password)
	return nil
}

func stripScheme(endpoint string) string {
	return strings.TrimPrefix(strings.TrimPrefix(endpoint, "http://"), "https://")
}
