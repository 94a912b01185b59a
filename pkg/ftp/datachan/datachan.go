// Package datachan implements the data-channel coordinator: one goroutine
// per data-channel command, covering PASV accept / PORT connect, the
// optional TLS wrap, LIST/NLST/MLSD formatting, RETR/STOR/STOU/APPE
// transfer, and abort handling.
package datachan

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/goftpd/goftpd/pkg/ftp/metrics"
	"github.com/goftpd/goftpd/pkg/ftp/session"
	"github.com/goftpd/goftpd/pkg/ftp/storage"
)

// Coordinator executes the transfer associated with one data-channel
// command once its socket is established.
type Coordinator struct {
	Backend storage.Backend
	Metrics metrics.Sink
}

// New creates a Coordinator. metricsSink may be nil (treated as metrics.Nop).
func New(backend storage.Backend, metricsSink metrics.Sink) *Coordinator {
	if metricsSink == nil {
		metricsSink = metrics.Nop{}
	}
	return &Coordinator{Backend: backend, Metrics: metricsSink}
}

// Binding pairs one session with the Coordinator and TLS config it should
// use for its data connections. It is the concrete switchboard.SessionHandle
// registered per passive-port reservation, and is also used directly by the
// PASV/PORT handlers' own accept/dial loop outside of pooled mode.
type Binding struct {
	coord  *Coordinator
	sess   *session.Session
	tlsCfg *tls.Config
	user   storage.User
}

// NewBinding builds a Binding for one session's next data-channel command.
func NewBinding(coord *Coordinator, sess *session.Session, tlsCfg *tls.Config, user storage.User) *Binding {
	return &Binding{coord: coord, sess: sess, tlsCfg: tlsCfg, user: user}
}

// pendingCommandTimeout bounds how long the coordinator waits for its
// session to supply a DataCommand after the socket is already established,
// guarding against a data connection opened without a transfer command. It
// does not bound the transfer itself.
const pendingCommandTimeout = 30 * time.Second

// HandleDataConn implements switchboard.SessionHandle.
func (b *Binding) HandleDataConn(conn net.Conn) {
	b.coord.run(context.Background(), conn, b.sess, b.tlsCfg, b.user)
}

// Serve drives conn directly; used by the non-pooled PASV/PORT accept/dial
// paths which do not go through the switchboard.
func (b *Binding) Serve(ctx context.Context, conn net.Conn) {
	b.coord.run(ctx, conn, b.sess, b.tlsCfg, b.user)
}

// run establishes the optional TLS wrap, waits for the pending data
// command, runs the transfer, and posts the completion message back to the
// control loop.
func (c *Coordinator) run(ctx context.Context, conn net.Conn, sess *session.Session, tlsCfg *tls.Config, user storage.User) {
	start := time.Now()

	// Step 1: TLS wrap if PROT P is in effect.
	if sess.DataTLS() && tlsCfg != nil {
		tlsSrv := tls.Server(conn, tlsCfg)
		if err := tlsSrv.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			c.postMsg(sess, session.ControlChanMsg{Kind: session.MsgStorageError, Error: err})
			return
		}
		conn = tlsSrv
	}
	defer conn.Close()

	// Step 2: wait for the pending command — the handler that set it may
	// not have run yet. Bounded separately from ctx so a slow client never
	// truncates the transfer itself once the command has arrived.
	waitCtx, cancelWait := context.WithTimeout(ctx, pendingCommandTimeout)
	cmd, abortCh, ok := sess.TakeDataCommand(waitCtx)
	cancelWait()
	if !ok {
		return
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-abortCh:
			_ = conn.Close()
		case <-done:
		}
	}()

	kindLabel, bytesN, err := c.dispatch(ctx, cmd, conn, user)
	close(done)

	// Read the abort signal itself, so an abort that arrived before dispatch
	// returned is reported whichever goroutine ran first.
	abandoned := false
	select {
	case <-abortCh:
		abandoned = true
	default:
	}

	dur := time.Since(start)
	if abandoned {
		c.postMsg(sess, session.ControlChanMsg{Kind: session.MsgDataConnectionClosedAfterAbort, Abandoned: true})
		c.Metrics.TransferCompleted(kindLabel, bytesN, dur, false)
		return
	}

	c.Metrics.TransferCompleted(kindLabel, bytesN, dur, err == nil)
	c.postMsg(sess, c.completionMessage(cmd, bytesN, err))
}

// postMsg never blocks: the control-channel message slot is capacity 1, and
// the single-transfer-at-a-time invariant guarantees it is empty by the
// time a transfer completes.
func (c *Coordinator) postMsg(sess *session.Session, msg session.ControlChanMsg) {
	select {
	case sess.ControlMsg <- msg:
	default:
	}
}

func (c *Coordinator) completionMessage(cmd session.DataCommand, bytesN int64, err error) session.ControlChanMsg {
	if err != nil {
		return session.ControlChanMsg{Kind: session.MsgStorageError, Error: err, Path: cmd.Path, Bytes: bytesN}
	}
	switch cmd.Kind {
	case session.EndpointRetr, session.EndpointList, session.EndpointNLST, session.EndpointMLSD:
		return session.ControlChanMsg{Kind: session.MsgSentData, Path: cmd.Path, Bytes: bytesN}
	default:
		return session.ControlChanMsg{Kind: session.MsgWrittenData, Path: cmd.Path, Bytes: bytesN}
	}
}

func (c *Coordinator) dispatch(ctx context.Context, cmd session.DataCommand, conn net.Conn, user storage.User) (kind string, bytesN int64, err error) {
	switch cmd.Kind {
	case session.EndpointList:
		n, err := c.sendListing(ctx, conn, user, cmd.Path, formatLong)
		return "LIST", n, err
	case session.EndpointNLST:
		n, err := c.sendListing(ctx, conn, user, cmd.Path, formatBare)
		return "NLST", n, err
	case session.EndpointMLSD:
		n, err := c.sendListing(ctx, conn, user, cmd.Path, formatFacts)
		return "MLSD", n, err
	case session.EndpointRetr:
		n, err := c.retrieve(ctx, conn, user, cmd)
		return "RETR", n, err
	case session.EndpointStor, session.EndpointAppe:
		n, err := c.store(ctx, conn, user, cmd)
		return "STOR", n, err
	case session.EndpointStou:
		n, err := c.storeUnique(ctx, conn, user, cmd)
		return "STOU", n, err
	default:
		return "", 0, fmt.Errorf("datachan: unknown endpoint kind %v", cmd.Kind)
	}
}

type formatFn func(storage.DirEntry) string

func (c *Coordinator) sendListing(ctx context.Context, conn net.Conn, user storage.User, path string, format formatFn) (int64, error) {
	entries, err := c.Backend.List(ctx, user, path)
	if err != nil {
		return 0, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	var total int64
	for _, e := range entries {
		line := format(e) + "\r\n"
		n, err := io.WriteString(conn, line)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func formatLong(e storage.DirEntry) string {
	kind := byte('-')
	if e.IsDir {
		kind = 'd'
	} else if e.IsSymlink {
		kind = 'l'
	}
	return fmt.Sprintf("%c%s 1 %d %d %12d %s %s",
		kind, "rwxr-xr-x", e.UID, e.GID, e.Len,
		e.Modified.Format("Jan _2 15:04"), e.Name)
}

func formatBare(e storage.DirEntry) string { return e.Name }

func formatFacts(e storage.DirEntry) string {
	typ := "file"
	if e.IsDir {
		typ = "dir"
	}
	return fmt.Sprintf("type=%s;size=%d;modify=%s;unix.uid=%d;unix.gid=%d; %s",
		typ, e.Len, e.Modified.UTC().Format("20060102150405"), e.UID, e.GID, e.Name)
}

func (c *Coordinator) retrieve(ctx context.Context, conn net.Conn, user storage.User, cmd session.DataCommand) (int64, error) {
	r, err := c.Backend.Get(ctx, user, cmd.Path, cmd.StartPos)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	return io.Copy(conn, r)
}

func (c *Coordinator) store(ctx context.Context, conn net.Conn, user storage.User, cmd session.DataCommand) (int64, error) {
	return c.Backend.Put(ctx, user, conn, cmd.Path, cmd.StartPos)
}

// storeUnique implements STOU: a UUIDv4-named file in the current
// directory. The UUIDv4 space makes collisions practically impossible, but
// still calls for one retry.
func (c *Coordinator) storeUnique(ctx context.Context, conn net.Conn, user storage.User, cmd session.DataCommand) (int64, error) {
	dir := cmd.Path
	if dir == "" {
		dir = "."
	}

	name := uuid.NewString()
	n, err := c.Backend.Put(ctx, user, conn, joinPath(dir, name), 0)
	if isCollision(err) {
		name = uuid.NewString()
		n, err = c.Backend.Put(ctx, user, conn, joinPath(dir, name), 0)
	}
	return n, err
}

func isCollision(err error) bool {
	se, ok := err.(*storage.Error)
	return ok && se.Kind == storage.ErrFileNameNotAllowed
}

func joinPath(dir, name string) string {
	if dir == "" || dir == "." {
		return "/" + name
	}
	if dir[len(dir)-1] == '/' {
		return dir + name
	}
	return dir + "/" + name
}
