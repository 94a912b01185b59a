package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goftpd/goftpd/pkg/ftp/auth"
	"github.com/goftpd/goftpd/pkg/ftp/command"
	"github.com/goftpd/goftpd/pkg/ftp/metrics"
	"github.com/goftpd/goftpd/pkg/ftp/reply"
	"github.com/goftpd/goftpd/pkg/ftp/server/commands"
	"github.com/goftpd/goftpd/pkg/ftp/session"
)

type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }

func newCC(t *testing.T) *commands.CommandContext {
	t.Helper()
	sess := session.New(session.ConnAddr{
		Source:      fakeAddr("10.0.0.1:1234"),
		Destination: fakeAddr("10.0.0.2:21"),
	})
	return &commands.CommandContext{
		Session: sess,
		Deps:    &commands.Deps{Metrics: metrics.Nop{}},
		ConnCtx: context.Background(),
	}
}

func okTerminal(ctx context.Context, cc *commands.CommandContext, ev Event) (reply.Reply, error) {
	return reply.New(reply.CodeOK, "ok"), nil
}

func TestChainRunsOutermostFirst(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next Next) Next {
			return func(ctx context.Context, cc *commands.CommandContext, ev Event) (reply.Reply, error) {
				order = append(order, name)
				return next(ctx, cc, ev)
			}
		}
	}
	chain := Chain(mark("a"), mark("b"), mark("c"))(okTerminal)
	_, err := chain(context.Background(), newCC(t), Event{Kind: EventCommand})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestFTPSEnforcementBlocksUntilTLS(t *testing.T) {
	cc := newCC(t)
	chain := FTPSEnforcement(true)(okTerminal)

	r, err := chain(context.Background(), cc, Event{Kind: EventCommand, Cmd: command.Command{Verb: command.RETR}})
	require.NoError(t, err)
	assert.Equal(t, reply.CodeTLSRequired, r.Code)

	r, err = chain(context.Background(), cc, Event{Kind: EventCommand, Cmd: command.Command{Verb: command.AUTH}})
	require.NoError(t, err)
	assert.Equal(t, reply.CodeOK, r.Code)

	cc.Session.SetCmdTLS(true)
	r, err = chain(context.Background(), cc, Event{Kind: EventCommand, Cmd: command.Command{Verb: command.RETR}})
	require.NoError(t, err)
	assert.Equal(t, reply.CodeOK, r.Code)
}

func TestFTPSEnforcementDisabledPassesThrough(t *testing.T) {
	cc := newCC(t)
	chain := FTPSEnforcement(false)(okTerminal)
	r, err := chain(context.Background(), cc, Event{Kind: EventCommand, Cmd: command.Command{Verb: command.RETR}})
	require.NoError(t, err)
	assert.Equal(t, reply.CodeOK, r.Code)
}

func TestAuthGateRejectsBeforeLogin(t *testing.T) {
	cc := newCC(t)
	chain := AuthGate(nil)(okTerminal)
	r, err := chain(context.Background(), cc, Event{Kind: EventCommand, Cmd: command.Command{Verb: command.RETR}})
	require.NoError(t, err)
	assert.Equal(t, reply.CodeNotLoggedIn, r.Code)
}

func TestAuthGateExemptsLoginVerbs(t *testing.T) {
	cc := newCC(t)
	chain := AuthGate(nil)(okTerminal)
	r, err := chain(context.Background(), cc, Event{Kind: EventCommand, Cmd: command.Command{Verb: command.USER}})
	require.NoError(t, err)
	assert.Equal(t, reply.CodeOK, r.Code)
}

func TestAuthGatePassesAfterLogin(t *testing.T) {
	cc := newCC(t)
	cc.Session.BeginLogin("bob")
	cc.Session.CompleteLogin(auth.UserDetail{Principal: auth.Principal{Username: "bob"}})
	chain := AuthGate(nil)(okTerminal)
	r, err := chain(context.Background(), cc, Event{Kind: EventCommand, Cmd: command.Command{Verb: command.RETR}})
	require.NoError(t, err)
	assert.Equal(t, reply.CodeOK, r.Code)
}

type fakeChecker struct {
	locked        bool
	checkCalls    int
	failures      int
	resets        int
}

func (f *fakeChecker) Check(sourceIP, username string) (bool, time.Duration) {
	f.checkCalls++
	return f.locked, time.Minute
}
func (f *fakeChecker) RecordFailure(sourceIP, username string) { f.failures++ }
func (f *fakeChecker) Reset(sourceIP, username string)         { f.resets++ }

func TestAuthGateLocksOutRepeatedFailures(t *testing.T) {
	cc := newCC(t)
	cc.Session.BeginLogin("bob")
	checker := &fakeChecker{locked: true}
	chain := AuthGate(checker)(okTerminal)
	r, err := chain(context.Background(), cc, Event{Kind: EventCommand, Cmd: command.Command{Verb: command.PASS}})
	require.NoError(t, err)
	assert.Equal(t, reply.CodeNotLoggedIn, r.Code)
	assert.Equal(t, 1, checker.checkCalls)
	assert.Equal(t, 0, checker.failures)
}

func TestAuthGateRecordsFailureOnNonLoginReply(t *testing.T) {
	cc := newCC(t)
	cc.Session.BeginLogin("bob")
	checker := &fakeChecker{}
	failTerminal := func(ctx context.Context, cc *commands.CommandContext, ev Event) (reply.Reply, error) {
		return reply.New(reply.CodeNotLoggedIn, "bad"), nil
	}
	chain := AuthGate(checker)(failTerminal)
	_, err := chain(context.Background(), cc, Event{Kind: EventCommand, Cmd: command.Command{Verb: command.PASS}})
	require.NoError(t, err)
	assert.Equal(t, 1, checker.failures)
	assert.Equal(t, 0, checker.resets)
}

func TestAuthGateResetsOnSuccessfulLogin(t *testing.T) {
	cc := newCC(t)
	cc.Session.BeginLogin("bob")
	checker := &fakeChecker{}
	loginTerminal := func(ctx context.Context, cc *commands.CommandContext, ev Event) (reply.Reply, error) {
		return reply.New(reply.CodeLoggedIn, "ok"), nil
	}
	chain := AuthGate(checker)(loginTerminal)
	_, err := chain(context.Background(), cc, Event{Kind: EventCommand, Cmd: command.Command{Verb: command.PASS}})
	require.NoError(t, err)
	assert.Equal(t, 1, checker.resets)
	assert.Equal(t, 0, checker.failures)
}

func TestActivePassiveEnforcement(t *testing.T) {
	cc := newCC(t)

	passiveOnly := ActivePassiveEnforcement(commands.PassiveOnly)(okTerminal)
	r, err := passiveOnly(context.Background(), cc, Event{Kind: EventCommand, Cmd: command.Command{Verb: command.PORT}})
	require.NoError(t, err)
	assert.Equal(t, reply.CodeNotImplemented, r.Code)

	activeOnly := ActivePassiveEnforcement(commands.ActiveOnly)(okTerminal)
	r, err = activeOnly(context.Background(), cc, Event{Kind: EventCommand, Cmd: command.Command{Verb: command.PASV}})
	require.NoError(t, err)
	assert.Equal(t, reply.CodeNotImplemented, r.Code)

	both := ActivePassiveEnforcement(commands.Both)(okTerminal)
	r, err = both(context.Background(), cc, Event{Kind: EventCommand, Cmd: command.Command{Verb: command.PASV}})
	require.NoError(t, err)
	assert.Equal(t, reply.CodeOK, r.Code)
}

type fakeListener struct {
	events []PresenceEvent
}

func (f *fakeListener) Notify(ev PresenceEvent) { f.events = append(f.events, ev) }

func TestNotificationEmitsOnEventsOfInterest(t *testing.T) {
	cc := newCC(t)
	listener := &fakeListener{}
	chain := Notification(listener)(okTerminal)

	_, err := chain(context.Background(), cc, Event{
		Kind: EventInternal,
		Msg:  session.ControlChanMsg{Kind: session.MsgMkdirSuccess},
	})
	require.NoError(t, err)
	require.Len(t, listener.events, 1)
	assert.Equal(t, "mkdir", listener.events[0].Kind)
}

func TestNotificationIgnoresUninterestingEvents(t *testing.T) {
	cc := newCC(t)
	listener := &fakeListener{}
	chain := Notification(listener)(okTerminal)

	_, err := chain(context.Background(), cc, Event{
		Kind: EventInternal,
		Msg:  session.ControlChanMsg{Kind: session.MsgStorageError},
	})
	require.NoError(t, err)
	assert.Empty(t, listener.events)
}

func TestLoggingPassesThroughReply(t *testing.T) {
	cc := newCC(t)
	chain := Logging(nil)(okTerminal)
	r, err := chain(context.Background(), cc, Event{Kind: EventCommand, Cmd: command.Command{Verb: command.NOOP}})
	require.NoError(t, err)
	assert.Equal(t, reply.CodeOK, r.Code)
}
