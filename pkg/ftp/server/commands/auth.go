package commands

import (
	"context"
	"net"

	"github.com/goftpd/goftpd/pkg/ftp/auth"
	"github.com/goftpd/goftpd/pkg/ftp/command"
	"github.com/goftpd/goftpd/pkg/ftp/reply"
	"github.com/goftpd/goftpd/pkg/ftp/session"
)

// User handles USER: records the username and transitions New -> WaitPass.
// Always succeeds syntactically; the real check happens on PASS.
func User(ctx context.Context, cc *CommandContext) (reply.Reply, error) {
	cc.Session.BeginLogin(cc.Cmd.Username)
	return reply.New(reply.CodeNeedPassword, "Password required for "+cc.Cmd.Username), nil
}

// Pass handles PASS: drives the authentication pipeline, then either
// transitions to WaitCmd (230) or resets to New (530).
func Pass(ctx context.Context, cc *CommandContext) (reply.Reply, error) {
	username, ok := cc.Session.Username()
	if !ok || cc.Session.State() != session.StateWaitPass {
		return reply.New(reply.CodeBadSequence, "Send USER first"), nil
	}

	creds := auth.Credentials{
		Password: cc.Cmd.Password,
		SourceIP: sourceIP(cc),
	}

	user, err := cc.Deps.Auth.AuthenticateAndGetUser(ctx, username, creds)
	if err != nil {
		cc.Deps.Metrics.AuthAttempt(false)
		cc.Session.FailLogin()
		return authReply(err), nil
	}

	cc.Deps.Metrics.AuthAttempt(true)
	cc.Session.CompleteLogin(user)
	return reply.New(reply.CodeLoggedIn, "User logged in, proceed"), nil
}

// Acct handles ACCT: accepted but without any account-level distinction in
// this implementation (no backend surfaces one).
func Acct(ctx context.Context, cc *CommandContext) (reply.Reply, error) {
	return reply.New(reply.CodeOK, "Account command okay"), nil
}

// AuthTLS handles AUTH: only the TLS mechanism is supported. The actual
// socket upgrade happens in the control loop after this reply is sent.
func AuthTLS(ctx context.Context, cc *CommandContext) (reply.Reply, error) {
	if cc.Deps.TLSConfig == nil {
		return reply.New(reply.CodeNotImplementedArg, "TLS not configured"), nil
	}
	if cc.Cmd.AuthMech != "TLS" {
		return reply.New(reply.CodeNotImplementedArg, "Unsupported AUTH mechanism"), nil
	}
	return reply.New(reply.CodeAuthTLSOK, "AUTH TLS successful"), nil
}

// Pbsz handles PBSZ: accepted with 200 regardless of argument, since
// streaming TLS makes the protection buffer size meaningless.
func Pbsz(ctx context.Context, cc *CommandContext) (reply.Reply, error) {
	return reply.New(reply.CodeOK, "PBSZ=0"), nil
}

// Prot handles PROT: C clears data_tls, P sets it, S/E are rejected with
// 504.
func Prot(ctx context.Context, cc *CommandContext) (reply.Reply, error) {
	switch cc.Cmd.Prot {
	case command.ProtClear:
		cc.Session.SetDataTLS(false)
		return reply.New(reply.CodeOK, "PROT C ok"), nil
	case command.ProtPrivate:
		cc.Session.SetDataTLS(true)
		return reply.New(reply.CodeOK, "PROT P ok"), nil
	default:
		return reply.New(reply.CodeNotImplementedArg, "Only PROT C/P supported"), nil
	}
}

// sourceIP extracts the bare IP string from the control connection's
// recorded source address, for Credentials.SourceIP and the failed-logins
// cache key.
func sourceIP(cc *CommandContext) string {
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

// Ccc handles CCC: TLS-to-plaintext downgrade mid-session is not supported,
// reported with 502.
func Ccc(ctx context.Context, cc *CommandContext) (reply.Reply, error) {
	return reply.New(reply.CodeNotImplemented, "CCC not supported"), nil
}
