package commands

import (
	"bytes"
	"context"
	"io"
	"net"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goftpd/goftpd/pkg/ftp/auth"
	"github.com/goftpd/goftpd/pkg/ftp/command"
	"github.com/goftpd/goftpd/pkg/ftp/metrics"
	"github.com/goftpd/goftpd/pkg/ftp/reply"
	"github.com/goftpd/goftpd/pkg/ftp/session"
	"github.com/goftpd/goftpd/pkg/ftp/storage"
)

type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }

type fakeAuthenticator struct {
	goodPassword string
}

func (f *fakeAuthenticator) Authenticate(ctx context.Context, username string, creds auth.Credentials) (auth.Principal, error) {
	if username == "bob" && creds.Password == f.goodPassword {
		return auth.Principal{Username: "bob"}, nil
	}
	return auth.Principal{}, auth.NewError(auth.ErrBadPassword, "bad password", nil)
}

type fakeBackend struct {
	dirs     map[string]bool
	files    map[string]storage.Metadata
	features storage.Features
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		dirs:  map[string]bool{"/": true, "/home": true},
		files: map[string]storage.Metadata{"/file.txt": {Len: 42, Modified: time.Unix(0, 0)}},
	}
}

func (b *fakeBackend) Metadata(ctx context.Context, user storage.User, path string) (storage.Metadata, error) {
	if b.dirs[path] {
		return storage.Metadata{IsDir: true}, nil
	}
	if m, ok := b.files[path]; ok {
		m.IsFile = true
		return m, nil
	}
	return storage.Metadata{}, storage.NewError(storage.ErrPermanentFileNotAvailable, path, "not found", nil)
}

func (b *fakeBackend) List(ctx context.Context, user storage.User, path string) ([]storage.DirEntry, error) {
	return nil, nil
}
func (b *fakeBackend) Get(ctx context.Context, user storage.User, path string, startPos uint64) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(nil)), nil
}
func (b *fakeBackend) Put(ctx context.Context, user storage.User, r io.Reader, path string, startPos uint64) (int64, error) {
	return io.Copy(io.Discard, r)
}
func (b *fakeBackend) Del(ctx context.Context, user storage.User, path string) error {
	delete(b.files, path)
	return nil
}
func (b *fakeBackend) MkDir(ctx context.Context, user storage.User, path string) error {
	b.dirs[path] = true
	return nil
}
func (b *fakeBackend) RmDir(ctx context.Context, user storage.User, path string) error {
	delete(b.dirs, path)
	return nil
}
func (b *fakeBackend) Rename(ctx context.Context, user storage.User, from, to string) error {
	return nil
}
func (b *fakeBackend) Cwd(ctx context.Context, user storage.User, path string) error { return nil }
func (b *fakeBackend) ListFmt(ctx context.Context, user storage.User, path string) (io.Reader, error) {
	return bytes.NewReader(nil), nil
}
func (b *fakeBackend) MD5(ctx context.Context, user storage.User, path string) (string, error) {
	return "d41d8cd98f00b204e9800998ecf8427e", nil
}
func (b *fakeBackend) Features() storage.Features { return b.features }

func newTestCC(t *testing.T, verb command.Verb) *CommandContext {
	t.Helper()
	sess := session.New(session.ConnAddr{
		Source:      fakeAddr("10.0.0.1:1234"),
		Destination: fakeAddr("10.0.0.2:21"),
	})
	backend := newFakeBackend()
	deps := &Deps{
		Auth:        auth.NewPipeline(&fakeAuthenticator{goodPassword: "secret"}, nil),
		Storage:     backend,
		PASVRetries: 10,
		Metrics:     metrics.Nop{},
	}
	return &CommandContext{
		Session: sess,
		Cmd:     command.Command{Verb: verb},
		Deps:    deps,
		ConnCtx: context.Background(),
		PostReply: func(msg session.ControlChanMsg) {
			sess.ControlMsg <- msg
		},
	}
}

func TestUserThenPassSucceeds(t *testing.T) {
	cc := newTestCC(t, command.USER)
	cc.Cmd.Username = "bob"
	r, err := User(context.Background(), cc)
	require.NoError(t, err)
	assert.Equal(t, reply.CodeNeedPassword, r.Code)
	assert.Equal(t, session.StateWaitPass, cc.Session.State())

	cc.Cmd = command.Command{Verb: command.PASS, Password: "secret"}
	r, err = Pass(context.Background(), cc)
	require.NoError(t, err)
	assert.Equal(t, reply.CodeLoggedIn, r.Code)
	assert.Equal(t, session.StateWaitCmd, cc.Session.State())
}

func TestPassWrongPasswordResetsToNewNotWaitPass(t *testing.T) {
	cc := newTestCC(t, command.USER)
	cc.Cmd.Username = "bob"
	_, err := User(context.Background(), cc)
	require.NoError(t, err)

	cc.Cmd = command.Command{Verb: command.PASS, Password: "wrong"}
	r, err := Pass(context.Background(), cc)
	require.NoError(t, err)
	assert.Equal(t, reply.CodeNotLoggedIn, r.Code)
	assert.Equal(t, session.StateNew, cc.Session.State())

	// A second PASS without an intervening USER must fail bad-sequence.
	r, err = Pass(context.Background(), cc)
	require.NoError(t, err)
	assert.Equal(t, reply.CodeBadSequence, r.Code)
}

func TestCwdRejectsFileTarget(t *testing.T) {
	cc := newTestCC(t, command.CWD)
	cc.Cmd.Path = "/file.txt"
	r, err := Cwd(context.Background(), cc)
	require.NoError(t, err)
	assert.Equal(t, reply.CodeFileNotFound, r.Code)
}

func TestCwdAcceptsDirTarget(t *testing.T) {
	cc := newTestCC(t, command.CWD)
	cc.Cmd.Path = "/home"
	r, err := Cwd(context.Background(), cc)
	require.NoError(t, err)
	assert.Equal(t, reply.CodeFileActionOK, r.Code)
	assert.Equal(t, "/home", cc.Session.Cwd())
}

func TestRnfrRntoPairing(t *testing.T) {
	cc := newTestCC(t, command.RNFR)
	cc.Cmd.Path = "/file.txt"
	r, err := Rnfr(context.Background(), cc)
	require.NoError(t, err)
	assert.Equal(t, reply.CodeFileActionPending, r.Code)

	cc.Cmd = command.Command{Verb: command.RNTO, Path: "/renamed.txt"}
	r, err = Rnto(context.Background(), cc)
	require.NoError(t, err)
	assert.True(t, r.IsNone())
	msg := <-cc.Session.ControlMsg
	assert.Equal(t, session.MsgRenameSuccess, msg.Kind)
}

func TestRntoWithoutRnfrFailsBadSequence(t *testing.T) {
	cc := newTestCC(t, command.RNTO)
	cc.Cmd.Path = "/renamed.txt"
	r, err := Rnto(context.Background(), cc)
	require.NoError(t, err)
	assert.Equal(t, reply.CodeBadSequence, r.Code)
}

func TestMkdPostsSuccessMessage(t *testing.T) {
	cc := newTestCC(t, command.MKD)
	cc.Cmd.Path = "/newdir"
	r, err := Mkd(context.Background(), cc)
	require.NoError(t, err)
	assert.True(t, r.IsNone())
	msg := <-cc.Session.ControlMsg
	assert.Equal(t, session.MsgMkdirSuccess, msg.Kind)
}

func TestSizeReportsFileLength(t *testing.T) {
	cc := newTestCC(t, command.SIZE)
	cc.Cmd.Path = "/file.txt"
	r, err := Size(context.Background(), cc)
	require.NoError(t, err)
	assert.True(t, r.IsNone())
	msg := <-cc.Session.ControlMsg
	assert.Equal(t, session.MsgCommandChannelReply, msg.Kind)
	assert.Equal(t, reply.CodeFileStatus, msg.Reply.(reply.Reply).Code)
	assert.Equal(t, "42", msg.Reply.(reply.Reply).Message)
}

func TestMlstReportsFactsOnSingleLine(t *testing.T) {
	cc := newTestCC(t, command.MLST)
	cc.Cmd.Path = "/file.txt"
	r, err := Mlst(context.Background(), cc)
	require.NoError(t, err)
	assert.True(t, r.IsNone())
	msg := <-cc.Session.ControlMsg
	assert.Equal(t, session.MsgCommandChannelReply, msg.Kind)
	reported := msg.Reply.(reply.Reply)
	assert.Equal(t, reply.KindSingle, reported.Kind)
	assert.Equal(t, reply.CodeFileStatus, reported.Code)
	assert.Contains(t, reported.Message, "type=file;size=42;modify=")
	assert.Contains(t, reported.Message, " /file.txt")
}

func TestFeatSortedAndGatedOnCapabilities(t *testing.T) {
	cc := newTestCC(t, command.FEAT)
	r, err := Feat(context.Background(), cc)
	require.NoError(t, err)
	require.Equal(t, reply.KindMulti, r.Kind)
	// Without TLS or restart/md5 features, only the always-on lines appear.
	// Each carries its mandatory leading space (RFC 2389); Encode only
	// auto-indents lines starting with a digit.
	assert.Contains(t, r.Lines, " SIZE")
	assert.Contains(t, r.Lines, " MDTM")
	assert.Contains(t, r.Lines, " UTF8")
	assert.NotContains(t, r.Lines, " AUTH TLS")
	assert.NotContains(t, r.Lines, " REST STREAM")
	// Feature lines sit between the header and the trailer, in sorted order.
	assert.True(t, sort.StringsAreSorted(r.Lines[1:len(r.Lines)-1]))
}

func TestOptsUTF8OnAccepted(t *testing.T) {
	cc := newTestCC(t, command.OPTS)
	cc.Cmd.OptsArg = "UTF8 ON"
	r, err := Opts(context.Background(), cc)
	require.NoError(t, err)
	assert.Equal(t, reply.CodeOK, r.Code)
}

func TestRestGatedOnFeatureRestart(t *testing.T) {
	cc := newTestCC(t, command.REST)
	cc.Cmd.RestPos = 100
	r, err := Rest(context.Background(), cc)
	require.NoError(t, err)
	assert.Equal(t, reply.CodeNotImplementedArg, r.Code)

	cc.Deps.Storage.(*fakeBackend).features = storage.FeatureRestart
	r, err = Rest(context.Background(), cc)
	require.NoError(t, err)
	assert.Equal(t, reply.CodeFileActionPending, r.Code)
}

func TestRetrArmsDataCommandAndReplies150(t *testing.T) {
	cc := newTestCC(t, command.RETR)
	cc.Cmd.Path = "/file.txt"
	r, err := Retr(context.Background(), cc)
	require.NoError(t, err)
	assert.Equal(t, reply.CodeFileStatusOK, r.Code)

	cmd, _, ok := cc.Session.TakeDataCommand(context.Background())
	require.True(t, ok)
	assert.Equal(t, session.EndpointRetr, cmd.Kind)
	assert.Equal(t, "/file.txt", cmd.Path)
}

func TestPortDialsAndArmsBinding(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	done := make(chan struct{})
	go func() {
		defer close(done)
		c, err := ln.Accept()
		if err == nil {
			c.Close()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	cc := newTestCC(t, command.PORT)
	cc.Cmd.Host = [4]byte{127, 0, 0, 1}
	cc.Cmd.Port = uint16(addr.Port)

	r, err := Port(context.Background(), cc)
	require.NoError(t, err)
	assert.Equal(t, reply.CodeOK, r.Code)
	<-done
}

func TestAborSignalsPendingTransfer(t *testing.T) {
	cc := newTestCC(t, command.ABOR)
	cc.Session.SetDataCommand(session.DataCommand{Kind: session.EndpointRetr, Path: "/file.txt"})
	r, err := Abor(context.Background(), cc)
	require.NoError(t, err)
	assert.Equal(t, reply.CodeClosingDataConn, r.Code)

	_, abortCh, ok := cc.Session.TakeDataCommand(context.Background())
	require.True(t, ok)
	select {
	case <-abortCh:
	default:
		t.Fatal("abort channel was not signalled")
	}
}
