// Package middleware implements the ordered layer stack the control loop
// runs every event through before it reaches the command dispatcher:
// Logging, Notification, FTPS enforcement, Auth gate, Active/passive
// enforcement, Dispatcher.
package middleware

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/goftpd/goftpd/pkg/ftp/command"
	"github.com/goftpd/goftpd/pkg/ftp/reply"
	"github.com/goftpd/goftpd/pkg/ftp/server/commands"
	"github.com/goftpd/goftpd/pkg/ftp/session"
)

// EventKind discriminates the two inputs the control loop's pump
// multiplexes: a freshly parsed client command, or an internal message
// posted by a background task.
type EventKind int

const (
	EventCommand EventKind = iota
	EventInternal
)

// Event wraps one input to the middleware chain.
type Event struct {
	Kind EventKind
	Cmd  command.Command        // valid when Kind == EventCommand
	Msg  session.ControlChanMsg // valid when Kind == EventInternal
}

// Next is the signature every layer forwards to, terminating in the
// dispatcher.
type Next func(ctx context.Context, cc *commands.CommandContext, ev Event) (reply.Reply, error)

// Middleware wraps a Next into a new Next, the standard Go middleware
// shape.
type Middleware func(Next) Next

// Chain composes layers outermost-first: Chain(a, b, c)(terminal) runs a,
// then b, then c, then terminal.
func Chain(layers ...Middleware) Middleware {
	return func(terminal Next) Next {
		next := terminal
		for i := len(layers) - 1; i >= 0; i-- {
			next = layers[i](next)
		}
		return next
	}
}

// Listener receives presence/data notifications derived from internal
// events of interest.
type Listener interface {
	Notify(PresenceEvent)
}

// PresenceEvent is the payload delivered to Listener.Notify.
type PresenceEvent struct {
	Kind     string
	Username string
	TraceID  string
	Seq      uint64
}

// NopListener discards every event; the default when no listener is
// configured.
type NopListener struct{}

func (NopListener) Notify(PresenceEvent) {}

// FailedLoginChecker is the narrow contract the auth gate layer consults
// before handing PASS to the authenticator. Implemented by
// internal/failedlogins.Cache.
type FailedLoginChecker interface {
	Check(sourceIP, username string) (locked bool, retryAfter time.Duration)
	RecordFailure(sourceIP, username string)
	Reset(sourceIP, username string)
}

// nopChecker never locks anyone out; the default when no checker is
// configured.
type nopChecker struct{}

func (nopChecker) Check(string, string) (bool, time.Duration) { return false, 0 }
func (nopChecker) RecordFailure(string, string)                {}
func (nopChecker) Reset(string, string)                        {}

// Logging assigns each event a monotonic per-session sequence number and
// records the event and its resulting reply.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Next) Next {
		return func(ctx context.Context, cc *commands.CommandContext, ev Event) (reply.Reply, error) {
			seq := cc.Session.NextSeq()
			r, err := next(ctx, cc, ev)
			if ev.Kind == EventCommand {
				logger.Debug("command handled",
					"seq", seq, "verb", ev.Cmd.Verb, "code", r.Code)
			} else {
				logger.Debug("internal event handled", "seq", seq, "kind", ev.Msg.Kind)
			}
			return r, err
		}
	}
}

// eventsOfInterest are the internal message kinds that produce a presence
// or data notification.
var eventsOfInterest = map[session.ControlChanMsgKind]string{
	session.MsgAuthSuccess:     "auth_success",
	session.MsgExitControlLoop: "exit",
	session.MsgSentData:        "sent_data",
	session.MsgWrittenData:     "written_data",
	session.MsgMkdirSuccess:    "mkdir",
	session.MsgRmdirSuccess:    "rmdir",
	session.MsgDelSuccess:      "del",
	session.MsgRenameSuccess:   "rename",
}

// Notification emits a presence/data event to listener after the inner
// chain handles an internal event of interest.
func Notification(listener Listener) Middleware {
	if listener == nil {
		listener = NopListener{}
	}
	return func(next Next) Next {
		return func(ctx context.Context, cc *commands.CommandContext, ev Event) (reply.Reply, error) {
			r, err := next(ctx, cc, ev)
			if ev.Kind == EventInternal {
				if kind, ok := eventsOfInterest[ev.Msg.Kind]; ok {
					username := ""
					if u, ok := cc.Session.User(); ok {
						username = u.Name()
					}
					listener.Notify(PresenceEvent{Kind: kind, Username: username, Seq: cc.Session.NextSeq()})
				}
			}
			return r, err
		}
	}
}

// ftpsExemptVerbs are accepted before the control channel upgrades to TLS
// when FTPS is required.
var ftpsExemptVerbs = map[command.Verb]bool{
	command.AUTH: true,
	command.QUIT: true,
	command.HELP: true,
	command.FEAT: true,
}

// FTPSEnforcement rejects every non-exempt command with 534 until the
// control channel is TLS-wrapped, when required=true.
func FTPSEnforcement(required bool) Middleware {
	return func(next Next) Next {
		if !required {
			return next
		}
		return func(ctx context.Context, cc *commands.CommandContext, ev Event) (reply.Reply, error) {
			if ev.Kind == EventCommand && !cc.Session.CmdTLS() && !ftpsExemptVerbs[ev.Cmd.Verb] {
				return reply.New(reply.CodeTLSRequired, "FTPS required before this command"), nil
			}
			return next(ctx, cc, ev)
		}
	}
}

// authGateExemptVerbs may be issued before the session reaches WaitCmd.
var authGateExemptVerbs = map[command.Verb]bool{
	command.USER: true,
	command.PASS: true,
	command.AUTH: true,
	command.PBSZ: true,
	command.PROT: true,
	command.FEAT: true,
	command.HELP: true,
	command.NOOP: true,
	command.QUIT: true,
}

// AuthGate rejects every command not in authGateExemptVerbs unless the
// session is already logged in, and consults checker before PASS is
// forwarded so a repeatedly-failing client is locked out.
func AuthGate(checker FailedLoginChecker) Middleware {
	if checker == nil {
		checker = nopChecker{}
	}
	return func(next Next) Next {
		return func(ctx context.Context, cc *commands.CommandContext, ev Event) (reply.Reply, error) {
			if ev.Kind != EventCommand {
				return next(ctx, cc, ev)
			}
			if cc.Session.State() != session.StateWaitCmd && !authGateExemptVerbs[ev.Cmd.Verb] {
				return reply.New(reply.CodeNotLoggedIn, "Please login with USER and PASS"), nil
			}

			if ev.Cmd.Verb != command.PASS {
				return next(ctx, cc, ev)
			}

			username, _ := cc.Session.Username()
			srcIP := sourceIP(cc)
			if locked, retryAfter := checker.Check(srcIP, username); locked {
				return reply.Newf(reply.CodeNotLoggedIn, "Too many failed logins, retry in %s", retryAfter), nil
			}

			r, err := next(ctx, cc, ev)
			if r.Code == reply.CodeLoggedIn {
				checker.Reset(srcIP, username)
			} else {
				checker.RecordFailure(srcIP, username)
			}
			return r, err
		}
	}
}

// ActivePassiveEnforcement rejects PORT when mode is PassiveOnly and PASV
// when mode is ActiveOnly.
func ActivePassiveEnforcement(mode commands.ActivePassiveMode) Middleware {
	return func(next Next) Next {
		return func(ctx context.Context, cc *commands.CommandContext, ev Event) (reply.Reply, error) {
			if ev.Kind == EventCommand {
				switch {
				case ev.Cmd.Verb == command.PORT && mode == commands.PassiveOnly:
					return reply.New(reply.CodeNotImplemented, "PORT disabled, passive only"), nil
				case ev.Cmd.Verb == command.PASV && mode == commands.ActiveOnly:
					return reply.New(reply.CodeNotImplemented, "PASV disabled, active only"), nil
				}
			}
			return next(ctx, cc, ev)
		}
	}
}

func sourceIP(cc *commands.CommandContext) string {
	addr := cc.Session.ConnAddr.Source
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
