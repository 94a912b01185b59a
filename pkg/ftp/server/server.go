// Package server wires the control-channel loop together with the
// middleware chain and command dispatcher. One goroutine serves each
// accepted connection; graceful shutdown drains them via
// pkg/ftp/shutdown.Notifier.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/goftpd/goftpd/pkg/ftp/auth"
	"github.com/goftpd/goftpd/pkg/ftp/command"
	"github.com/goftpd/goftpd/pkg/ftp/datachan"
	"github.com/goftpd/goftpd/pkg/ftp/metrics"
	"github.com/goftpd/goftpd/pkg/ftp/proxyproto"
	"github.com/goftpd/goftpd/pkg/ftp/reply"
	"github.com/goftpd/goftpd/pkg/ftp/server/commands"
	"github.com/goftpd/goftpd/pkg/ftp/server/middleware"
	"github.com/goftpd/goftpd/pkg/ftp/session"
	"github.com/goftpd/goftpd/pkg/ftp/shutdown"
	"github.com/goftpd/goftpd/pkg/ftp/storage"
	"github.com/goftpd/goftpd/pkg/ftp/switchboard"
	"github.com/goftpd/goftpd/pkg/ftp/tlsconn"
	"github.com/goftpd/goftpd/pkg/ftp/wire"
)

// Config is everything needed to stand up one FTP(S) listener.
type Config struct {
	Addr     string
	Greeting string

	Auth    *auth.Pipeline
	Storage storage.Backend

	TLSConfig            *tls.Config
	FTPSRequiredControl  bool
	FTPSRequiredData     commands.FTPSRequirement
	Mode                 commands.ConnectionMode
	ActivePassiveMode    commands.ActivePassiveMode
	PassivePortLow       int
	PassivePortHigh      int
	PassiveHost          commands.PassiveHostFunc
	PASVRetries          int
	// PortRand selects PASV candidate ports. Nil means New seeds one from
	// the current time; set it explicitly to make port selection (and the
	// retry-collision path) deterministic in tests.
	PortRand *commands.PortRand
	SiteMD5              commands.SiteMD5Policy
	DialTimeout          time.Duration
	IdleTimeout          time.Duration
	LineMode             wire.StrictMode
	UseProxyProtocol     bool
	ExternalControlPort  int

	FailedLogins middleware.FailedLoginChecker
	Listener     middleware.Listener

	Logger  *slog.Logger
	Metrics metrics.Sink
}

// Server serves the FTP control protocol over one TCP listener.
type Server struct {
	cfg      Config
	deps     *commands.Deps
	dispatch map[command.Verb]commands.Handler
	chain    middleware.Next
	sb       *switchboard.Switchboard
	shutdown *shutdown.Notifier
	logger   *slog.Logger
}

// New builds a Server, wiring the dispatch table and middleware chain. In
// Pooled/Proxy mode it also creates (but does not start) the switchboard;
// callers must use ListenAndServe, which starts it.
func New(cfg Config) *Server {
	if cfg.Greeting == "" {
		cfg.Greeting = "Welcome"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}
	if cfg.PassiveHost == nil {
		cfg.PassiveHost = commands.FromConnection
	}
	if cfg.PASVRetries <= 0 {
		cfg.PASVRetries = 10
	}
	if cfg.PortRand == nil {
		cfg.PortRand = commands.NewPortRand(time.Now().UnixNano())
	}

	dataCoord := datachan.New(cfg.Storage, cfg.Metrics)

	var sb *switchboard.Switchboard
	if cfg.Mode != commands.PerConnectionBind {
		ports := make([]int, 0, cfg.PassivePortHigh-cfg.PassivePortLow+1)
		for p := cfg.PassivePortLow; p <= cfg.PassivePortHigh; p++ {
			ports = append(ports, p)
		}
		sb = switchboard.New(ports)
	}

	deps := &commands.Deps{
		Auth:              cfg.Auth,
		Storage:           cfg.Storage,
		TLSConfig:         cfg.TLSConfig,
		Mode:              cfg.Mode,
		ActivePassiveMode: cfg.ActivePassiveMode,
		FTPSRequiredData:  cfg.FTPSRequiredData,
		PassivePortLow:    cfg.PassivePortLow,
		PassivePortHigh:   cfg.PassivePortHigh,
		PassiveHost:       cfg.PassiveHost,
		PASVRetries:       cfg.PASVRetries,
		PortRand:          cfg.PortRand,
		Switchboard:       sb,
		DataCoord:         dataCoord,
		SiteMD5:           cfg.SiteMD5,
		DialTimeout:       cfg.DialTimeout,
		Logger:            cfg.Logger,
		Metrics:           cfg.Metrics,
	}

	s := &Server{
		cfg:      cfg,
		deps:     deps,
		dispatch: dispatchTable,
		sb:       sb,
		shutdown: shutdown.New(),
		logger:   cfg.Logger,
	}
	s.chain = middleware.Chain(
		middleware.Logging(cfg.Logger),
		middleware.Notification(cfg.Listener),
		middleware.FTPSEnforcement(cfg.FTPSRequiredControl),
		middleware.AuthGate(cfg.FailedLogins),
		middleware.ActivePassiveEnforcement(cfg.ActivePassiveMode),
	)(s.terminal)
	return s
}

// dispatchTable maps every recognised verb to its handler.
var dispatchTable = map[command.Verb]commands.Handler{
	command.USER: commands.User,
	command.PASS: commands.Pass,
	command.ACCT: commands.Acct,
	command.CWD:  commands.Cwd,
	command.CDUP: commands.Cdup,
	command.QUIT: commands.Quit,
	command.PORT: commands.Port,
	command.PASV: commands.Pasv,
	command.TYPE: commands.Type,
	command.STRU: commands.Stru,
	command.MODE: commands.Mode,
	command.RETR: commands.Retr,
	command.STOR: commands.Stor,
	command.STOU: commands.Stou,
	command.APPE: commands.Appe,
	command.ALLO: commands.Allo,
	command.REST: commands.Rest,
	command.RNFR: commands.Rnfr,
	command.RNTO: commands.Rnto,
	command.ABOR: commands.Abor,
	command.DELE: commands.Dele,
	command.RMD:  commands.Rmd,
	command.MKD:  commands.Mkd,
	command.PWD:  commands.Pwd,
	command.LIST: commands.List,
	command.NLST: commands.Nlst,
	command.SITE: commands.Site,
	command.SYST: commands.Syst,
	command.STAT: commands.Stat,
	command.HELP: commands.Help,
	command.NOOP: commands.Noop,
	command.AUTH: commands.AuthTLS,
	command.PBSZ: commands.Pbsz,
	command.PROT: commands.Prot,
	command.CCC:  commands.Ccc,
	command.FEAT: commands.Feat,
	command.OPTS: commands.Opts,
	command.MDTM: commands.Mdtm,
	command.SIZE: commands.Size,
	command.MLSD: commands.Mlsd,
	command.MLST: commands.Mlst,
}

// terminal is the dispatcher stage at the end of the middleware chain.
func (s *Server) terminal(ctx context.Context, cc *commands.CommandContext, ev middleware.Event) (reply.Reply, error) {
	if ev.Kind == middleware.EventCommand {
		h, ok := s.dispatch[ev.Cmd.Verb]
		if !ok {
			return reply.New(reply.CodeNotImplemented, "Command not implemented"), nil
		}
		cc.Cmd = ev.Cmd
		return h(ctx, cc)
	}
	return internalReply(ev.Msg), nil
}

// internalReply turns a posted ControlChanMsg into the reply the client
// sees, completing the deferred-reply and data-channel handler shapes.
func internalReply(msg session.ControlChanMsg) reply.Reply {
	switch msg.Kind {
	case session.MsgSentData, session.MsgWrittenData:
		return commands.DataTransferReply(msg.Kind)
	case session.MsgStorageError:
		return commands.StorageReply(msg.Path, msg.Error)
	case session.MsgMkdirSuccess, session.MsgRmdirSuccess, session.MsgDelSuccess,
		session.MsgRenameSuccess, session.MsgCommandChannelReply:
		if r, ok := msg.Reply.(reply.Reply); ok {
			return r
		}
		return reply.None()
	default:
		// MsgAuthSuccess, MsgExitControlLoop, MsgDataConnectionClosedAfterAbort:
		// either not produced by this implementation or already answered
		// synchronously (ABOR replies 226 directly).
		return reply.None()
	}
}

// ListenAndServe accepts connections on cfg.Addr until ctx is cancelled,
// serving each on its own goroutine, then waits for every in-flight
// connection to finish.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("ftp: listen %s: %w", s.cfg.Addr, err)
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	if s.sb != nil {
		poolListeners, err := bindPool(s.cfg.PassivePortLow, s.cfg.PassivePortHigh)
		if err != nil {
			return fmt.Errorf("ftp: bind passive port pool: %w", err)
		}
		go s.sb.Run()
		defer s.sb.Stop()
		for _, pl := range poolListeners {
			pl := pl
			go s.acceptPooled(pl)
			defer pl.Close()
		}
	}

	go func() {
		<-ctx.Done()
		s.shutdown.Shutdown()
		ln.Close()
	}()

	s.logger.Info("ftp server listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.shutdown.Quiesce():
				s.shutdown.Linger()
				return nil
			default:
				s.logger.Warn("accept error", "error", err)
				continue
			}
		}
		s.shutdown.Register()
		s.cfg.Metrics.SessionOpened()
		go func() {
			defer s.shutdown.Done()
			defer s.cfg.Metrics.SessionClosed()
			s.serveConn(ctx, conn)
		}()
	}
}

// serveConn runs one connection's control loop end to end: optional PROXY
// header, greeting, the decode/middleware/dispatch/encode pump, and the
// AUTH TLS stream swap.
func (s *Server) serveConn(parent context.Context, raw net.Conn) {
	connCtx, cancel := context.WithCancel(parent)
	defer cancel()

	source, destination := raw.RemoteAddr(), raw.LocalAddr()

	if s.cfg.UseProxyProtocol {
		hdr, err := proxyproto.ParseV2(raw)
		if err != nil {
			raw.Close()
			return
		}
		source, destination = hdr.Source, hdr.Destination
	}

	switchable := tlsconn.New(raw)
	defer switchable.Close()

	sess := session.New(session.ConnAddr{Source: source, Destination: destination})
	defer func() {
		if s.sb != nil && sess.SwitchboardActive != nil {
			s.sb.Release(*sess.SwitchboardActive)
		}
	}()

	cc := &commands.CommandContext{
		Session: sess,
		Deps:    s.deps,
		ConnCtx: connCtx,
		PostReply: func(msg session.ControlChanMsg) {
			select {
			case sess.ControlMsg <- msg:
			default:
			}
		},
	}

	greeting := reply.New(reply.CodeServiceReady, s.cfg.Greeting)
	if _, err := switchable.Write(greeting.Encode()); err != nil {
		return
	}

	decoder := wire.NewDecoder(s.cfg.LineMode)
	lines := make(chan lineOrErr)
	go readLines(switchable, decoder, lines)

	idleTimeout := s.cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 600 * time.Second
	}
	timer := time.NewTimer(idleTimeout)
	defer timer.Stop()

	for {
		select {
		case le, ok := <-lines:
			if !ok || le.err != nil {
				return
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(idleTimeout)

			if s.handleLine(connCtx, cc, switchable, le.line) {
				return
			}

		case msg := <-sess.ControlMsg:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(idleTimeout)

			r, _ := s.chain(connCtx, cc, middleware.Event{Kind: middleware.EventInternal, Msg: msg})
			if !r.IsNone() {
				if _, err := switchable.Write(r.Encode()); err != nil {
					return
				}
			}

		case <-timer.C:
			_, _ = switchable.Write(reply.New(reply.CodeServiceNotAvailable, "Idle timeout").Encode())
			return
		}
	}
}

// handleLine parses and dispatches one client line, writing its reply.
// Returns true when the connection should close (QUIT, a write failure, or
// a failed AUTH TLS handshake).
func (s *Server) handleLine(ctx context.Context, cc *commands.CommandContext, conn net.Conn, line string) bool {
	cmd, err := command.Parse(line)
	if err != nil {
		var pe *command.ParseError
		code := reply.CodeSyntaxError
		msg := err.Error()
		if ok := asParseError(err, &pe); ok {
			code, msg = pe.Code, pe.Message
		}
		_, writeErr := conn.Write(reply.New(code, msg).Encode())
		return writeErr != nil
	}

	r, _ := s.chain(ctx, cc, middleware.Event{Kind: middleware.EventCommand, Cmd: cmd})
	if !r.IsNone() {
		if _, err := conn.Write(r.Encode()); err != nil {
			return true
		}
	}

	if cmd.Verb == command.QUIT {
		return true
	}
	if cmd.Verb == command.AUTH && r.Code == reply.CodeAuthTLSOK && s.deps.TLSConfig != nil {
		if err := conn.(*tlsconn.Switchable).Upgrade(s.deps.TLSConfig); err != nil {
			return true
		}
		cc.Session.SetCmdTLS(true)
	}
	return false
}

func asParseError(err error, target **command.ParseError) bool {
	pe, ok := err.(*command.ParseError)
	if ok {
		*target = pe
	}
	return ok
}

type lineOrErr struct {
	line string
	err  error
}

// readLines feeds conn's bytes into decoder and emits one lineOrErr per
// framed command line, running until conn errors or closes.
func readLines(conn net.Conn, decoder *wire.Decoder, out chan<- lineOrErr) {
	defer close(out)
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			decoder.Feed(buf[:n])
			for {
				line, ok, derr := decoder.Next()
				if derr != nil {
					out <- lineOrErr{err: derr}
					return
				}
				if !ok {
					break
				}
				out <- lineOrErr{line: line}
			}
		}
		if err != nil {
			out <- lineOrErr{err: err}
			return
		}
	}
}

// bindPool pre-binds every port in [low, high] for Pooled/Proxy mode.
func bindPool(low, high int) ([]net.Listener, error) {
	listeners := make([]net.Listener, 0, high-low+1)
	for port := low; port <= high; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return nil, fmt.Errorf("bind port %d: %w", port, err)
		}
		listeners = append(listeners, ln)
	}
	return listeners, nil
}

// acceptPooled accepts every inbound connection on one pre-bound passive
// port and routes it through the switchboard, keyed on the real client
// source IP (Proxy mode: from the PROXY v2 header; Pooled mode: the
// observed TCP peer).
func (s *Server) acceptPooled(ln net.Listener) {
	port := ln.Addr().(*net.TCPAddr).Port
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go func() {
			sourceIP := hostOf(conn.RemoteAddr())
			if s.cfg.UseProxyProtocol {
				hdr, err := proxyproto.ParseV2(conn)
				if err != nil {
					conn.Close()
					return
				}
				sourceIP = hdr.Source.IP.String()
			}
			s.sb.Dispatch(sourceIP, port, conn)
		}()
	}
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
