// Package auth specifies the Authenticator and UserDetailProvider contracts
// and the pipeline that composes them. Concrete authenticators (JSON file,
// PAM, REST, anonymous) are external collaborators — see
// examples/jsonfileauth and examples/restauth for reference
// implementations exercising this contract.
package auth

import (
	"context"
	"crypto/x509"
	"fmt"
)

// Credentials carries whatever the control loop collected before calling
// Authenticate: a cleartext password (from PASS), an optional client
// certificate chain (from the TLS handshake, for AUTH TLS + client certs),
// and the connecting source IP (for IP-based policy and the failed-logins
// cache).
type Credentials struct {
	Password        string
	ClientCertChain []*x509.Certificate
	SourceIP        string
}

// Principal is the authenticated identity returned by Authenticate: at
// minimum a username.
type Principal struct {
	Username string
}

// Name satisfies storage.User.
func (p Principal) Name() string { return p.Username }

// UserDetail is the richer user record produced from a Principal by a
// UserDetailProvider. It also satisfies storage.User.
type UserDetail struct {
	Principal
	HomeDir string
}

// ErrorKind enumerates Authenticator failure reasons.
type ErrorKind int

const (
	ErrBadPassword ErrorKind = iota
	ErrBadUser
	ErrBadCert
	ErrIPDisallowed
	ErrCNDisallowed
	ErrImplPropagated
)

// Error is the error type Authenticate and ProvideUserDetail return.
type Error struct {
	Kind    ErrorKind
	Message string
	Source  error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("authentication failed (%d)", e.Kind)
}

func (e *Error) Unwrap() error { return e.Source }

// NewError builds an auth Error of the given kind.
func NewError(kind ErrorKind, message string, source error) *Error {
	return &Error{Kind: kind, Message: message, Source: source}
}

// Authenticator verifies a username/credentials pair and returns the
// authenticated Principal.
type Authenticator interface {
	Authenticate(ctx context.Context, username string, creds Credentials) (Principal, error)
}

// CertSufficiencyChecker is an optional Authenticator capability: when
// implemented and CertAuthSufficient(username) returns true, a valid client
// certificate bypasses PASS.
type CertSufficiencyChecker interface {
	CertAuthSufficient(username string) bool
}

// UserDetailProvider produces the richer UserDetail record from an
// authenticated Principal.
type UserDetailProvider interface {
	ProvideUserDetail(ctx context.Context, p Principal) (UserDetail, error)
}

// Pipeline composes an Authenticator and a UserDetailProvider into the
// single call the control loop needs for PASS: authenticate, then fetch
// user detail, collapsing provider errors into auth errors.
type Pipeline struct {
	Authenticator Authenticator
	Provider      UserDetailProvider
}

// NewPipeline builds a Pipeline. provider may be nil, in which case the
// UserDetail is derived trivially from the Principal (HomeDir "/").
func NewPipeline(authenticator Authenticator, provider UserDetailProvider) *Pipeline {
	return &Pipeline{Authenticator: authenticator, Provider: provider}
}

// AuthenticateAndGetUser runs Authenticate then ProvideUserDetail.
func (p *Pipeline) AuthenticateAndGetUser(ctx context.Context, username string, creds Credentials) (UserDetail, error) {
	principal, err := p.Authenticator.Authenticate(ctx, username, creds)
	if err != nil {
		return UserDetail{}, err
	}

	if p.Provider == nil {
		return UserDetail{Principal: principal, HomeDir: "/"}, nil
	}

	detail, err := p.Provider.ProvideUserDetail(ctx, principal)
	if err != nil {
		return UserDetail{}, NewError(ErrImplPropagated, "user detail lookup failed", err)
	}
	return detail, nil
}

// CertAuthSufficient reports whether, for the given username, a validated
// client certificate alone is sufficient (no PASS required). Returns false
// when the underlying Authenticator does not implement
// CertSufficiencyChecker.
func (p *Pipeline) CertAuthSufficient(username string) bool {
	checker, ok := p.Authenticator.(CertSufficiencyChecker)
	if !ok {
		return false
	}
	return checker.CertAuthSufficient(username)
}
