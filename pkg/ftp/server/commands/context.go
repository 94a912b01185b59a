// Package commands implements one handler per FTP verb, behind the uniform
// signature
//
//	func(context.Context, *CommandContext) (reply.Reply, error)
//
// Handlers fall into three shapes: synchronous state mutation, a storage
// call with a deferred reply posted on the session's ControlMsg channel, or
// a data-channel dispatch (reply 150 followed later by 226/4xx/5xx from the
// data-channel coordinator).
package commands

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/goftpd/goftpd/pkg/ftp/auth"
	"github.com/goftpd/goftpd/pkg/ftp/command"
	"github.com/goftpd/goftpd/pkg/ftp/datachan"
	"github.com/goftpd/goftpd/pkg/ftp/metrics"
	"github.com/goftpd/goftpd/pkg/ftp/reply"
	"github.com/goftpd/goftpd/pkg/ftp/session"
	"github.com/goftpd/goftpd/pkg/ftp/storage"
	"github.com/goftpd/goftpd/pkg/ftp/switchboard"
)

// ConnectionMode selects how passive-mode data connections are accepted.
type ConnectionMode int

const (
	// PerConnectionBind opens a fresh ephemeral listener for every PASV.
	PerConnectionBind ConnectionMode = iota
	// Pooled pre-binds the passive port range at startup and routes inbound
	// connections through the switchboard keyed on observed source IP.
	Pooled
	// Proxy is Pooled plus a PROXY-protocol v2 header read in front of every
	// accepted connection, keyed on the proxy-reported source IP instead of
	// the observed TCP peer.
	Proxy
)

// ActivePassiveMode restricts which of PORT/PASV a session may use,
// enforced by the middleware chain, not by handlers.
type ActivePassiveMode int

const (
	Both ActivePassiveMode = iota
	ActiveOnly
	PassiveOnly
)

// FTPSRequirement gates which sessions must upgrade to TLS before most
// commands are accepted.
type FTPSRequirement int

const (
	FTPSNone FTPSRequirement = iota
	FTPSAll
	FTPSAcceptAnonymous
)

// SiteMD5Policy controls who may issue SITE MD5.
type SiteMD5Policy int

const (
	SiteMD5Disabled SiteMD5Policy = iota
	SiteMD5Accounts
	SiteMD5AllUsers
)

// PassiveHostFunc resolves the IPv4 address advertised in a PASV 227 reply.
// localAddr is the control connection's local address as observed by the
// server.
type PassiveHostFunc func(localAddr net.Addr) (net.IP, error)

var errNotIPv4 = errors.New("passive host policy did not resolve an IPv4 address")

// FromConnection derives the advertised PASV IP from the control
// connection's local address — the default PassiveHost policy.
func FromConnection(localAddr net.Addr) (net.IP, error) {
	host, _, err := net.SplitHostPort(localAddr.String())
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return nil, errNotIPv4
	}
	return ip.To4(), nil
}

// FixedHost always advertises the same configured IPv4 address.
func FixedHost(ip net.IP) PassiveHostFunc {
	v4 := ip.To4()
	return func(net.Addr) (net.IP, error) {
		if v4 == nil {
			return nil, errNotIPv4
		}
		return v4, nil
	}
}

// PortRand is the RNG for PASV port selection, one per Server and shared by
// all of its sessions. It is injected via
// Deps instead of called off the global math/rand functions so tests can
// seed it deterministically (spec note: the teacher's own PASV retry logic
// shares one process-wide generator across connections).
type PortRand struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewPortRand returns a PortRand seeded from seed. Two PortRands built
// from the same seed produce the same sequence of ports.
func NewPortRand(seed int64) *PortRand {
	return &PortRand{rnd: rand.New(rand.NewSource(seed))}
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (p *PortRand) Intn(n int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rnd.Intn(n)
}

// Deps are the dependencies shared by every session on a Server; they are
// immutable once the server starts serving.
type Deps struct {
	Auth    *auth.Pipeline
	Storage storage.Backend

	// TLSConfig is used both to upgrade the control channel (AUTH TLS) and,
	// when PROT P is active, the data channel. Nil means FTPS is disabled.
	TLSConfig *tls.Config

	Mode              ConnectionMode
	ActivePassiveMode ActivePassiveMode
	FTPSRequiredData  FTPSRequirement

	PassivePortLow  int
	PassivePortHigh int
	PassiveHost     PassiveHostFunc
	PASVRetries     int

	// PortRand selects the candidate port on each PASV bind attempt. Never
	// nil once a Server is constructed; server.New seeds one from the
	// current time when the caller's Config leaves it unset.
	PortRand *PortRand

	// Switchboard is non-nil in Pooled/Proxy mode.
	Switchboard *switchboard.Switchboard
	DataCoord   *datachan.Coordinator

	SiteMD5 SiteMD5Policy

	DialTimeout time.Duration

	Logger  *slog.Logger
	Metrics metrics.Sink
}

// CommandContext is passed to every handler: the per-session mutable state
// plus the parsed command and the server-wide Deps.
type CommandContext struct {
	Session *session.Session
	Cmd     command.Command
	Deps    *Deps

	// ConnCtx lives for the connection, not just this one command. Handlers
	// that spawn a background goroutine (deferred storage calls, PASV/PORT
	// accept-or-dial) must use this instead of the ctx passed into Handler,
	// which may be cancelled as soon as the handler returns.
	ConnCtx context.Context

	// PostReply lets a handler that defers its reply (storage call with a
	// deferred reply, shape 2) post a ControlChanMsg once the background
	// call completes. It must not be called synchronously from within the
	// handler itself — only from the goroutine it spawns.
	PostReply func(session.ControlChanMsg)
}

// Handler is the uniform per-verb handler contract.
type Handler func(ctx context.Context, cc *CommandContext) (reply.Reply, error)
