package commands

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/goftpd/goftpd/pkg/ftp/datachan"
	"github.com/goftpd/goftpd/pkg/ftp/reply"
	"github.com/goftpd/goftpd/pkg/ftp/session"
	"github.com/goftpd/goftpd/pkg/ftp/storage"
	"github.com/goftpd/goftpd/pkg/ftp/switchboard"
)

// Type handles TYPE: only ASCII/Image are meaningful here; both are accepted.
func Type(ctx context.Context, cc *CommandContext) (reply.Reply, error) {
	return reply.New(reply.CodeOK, "Type set"), nil
}

// Stru handles STRU: only 'F' (file structure) is meaningfully supported.
func Stru(ctx context.Context, cc *CommandContext) (reply.Reply, error) {
	if cc.Cmd.Structure != 'F' {
		return reply.New(reply.CodeNotImplementedArg, "Only STRU F supported"), nil
	}
	return reply.New(reply.CodeOK, "Structure set to F"), nil
}

// Mode handles MODE: only 'S' (stream mode) is meaningfully supported.
func Mode(ctx context.Context, cc *CommandContext) (reply.Reply, error) {
	if cc.Cmd.Mode != 'S' {
		return reply.New(reply.CodeNotImplementedArg, "Only MODE S supported"), nil
	}
	return reply.New(reply.CodeOK, "Mode set to S"), nil
}

// Allo handles ALLO: accepted, no-op (no backend enforces pre-allocated
// storage).
func Allo(ctx context.Context, cc *CommandContext) (reply.Reply, error) {
	return reply.New(reply.CodeOK, "ALLO command ignored"), nil
}

// Rest handles REST: records start_pos, gated on the backend advertising
// FeatureRestart.
func Rest(ctx context.Context, cc *CommandContext) (reply.Reply, error) {
	if !cc.Deps.Storage.Features().Has(storage.FeatureRestart) {
		return reply.New(reply.CodeNotImplementedArg, "Restart not supported"), nil
	}
	cc.Session.SetStartPos(cc.Cmd.RestPos)
	return reply.Newf(reply.CodeFileActionPending, "Restarting at %d", cc.Cmd.RestPos), nil
}

// Abor handles ABOR: signals the data-channel coordinator's abort channel
// if a transfer is in flight, then replies 226.
func Abor(ctx context.Context, cc *CommandContext) (reply.Reply, error) {
	cc.Session.RequestAbort()
	return reply.New(reply.CodeClosingDataConn, "Closed data channel"), nil
}

// Pasv handles PASV: binds a passive-mode listener, advertises it with 227,
// and spawns the accept goroutine that will hand the first connection to
// the data-channel coordinator.
func Pasv(ctx context.Context, cc *CommandContext) (reply.Reply, error) {
	host, err := cc.Deps.PassiveHost(cc.Session.ConnAddr.Destination)
	if err != nil {
		return reply.New(reply.CodeLocalError, "Cannot determine passive host"), nil
	}

	binding := datachan.NewBinding(cc.Deps.DataCoord, cc.Session, cc.Deps.TLSConfig, user(cc))

	if cc.Deps.Switchboard != nil {
		ip := sourceIP(cc)
		port, ok := cc.Deps.Switchboard.Reserve(ip)
		if !ok {
			return reply.New(reply.CodeCantOpenDataConn, "No passive ports available"), nil
		}
		cc.Deps.Switchboard.Register(port, binding)
		cc.Session.SwitchboardActive = &switchboard.Key{SourceIP: ip, DstPort: port}
		return reply.New(reply.CodeEnteringPassive, pasvMessage(host, port)), nil
	}

	listener, port, err := bindRandomPort(cc.Deps.PassivePortLow, cc.Deps.PassivePortHigh, cc.Deps.PASVRetries, cc.Deps.PortRand)
	if err != nil {
		return reply.New(reply.CodeCantOpenDataConn, "Cannot open passive connection"), nil
	}
	go acceptOnce(cc.ConnCtx, listener, binding)
	return reply.New(reply.CodeEnteringPassive, pasvMessage(host, port)), nil
}

// Port handles PORT: parses the client's advertised address, connects out,
// and spawns the data-channel coordinator for that connection.
func Port(ctx context.Context, cc *CommandContext) (reply.Reply, error) {
	addr := net.JoinHostPort(
		fmt.Sprintf("%d.%d.%d.%d", cc.Cmd.Host[0], cc.Cmd.Host[1], cc.Cmd.Host[2], cc.Cmd.Host[3]),
		strconv.Itoa(int(cc.Cmd.Port)),
	)
	timeout := cc.Deps.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return reply.New(reply.CodeCantOpenDataConn, "Cannot connect to "+addr), nil
	}
	binding := datachan.NewBinding(cc.Deps.DataCoord, cc.Session, cc.Deps.TLSConfig, user(cc))
	go binding.Serve(cc.ConnCtx, conn)
	return reply.New(reply.CodeOK, "PORT command successful"), nil
}

// DataTransferReply maps a data-channel coordinator completion message kind
// to its terminal success reply, once the coordinator's ControlChanMsg
// arrives on the control loop.
func DataTransferReply(kind session.ControlChanMsgKind) reply.Reply {
	if kind == session.MsgSentData {
		return reply.New(reply.CodeClosingDataConn, "Transfer complete")
	}
	return reply.New(reply.CodeClosingDataConn, "File successfully written")
}

// dispatchData implements the shape-3 handlers: arm the session's one-shot
// data command and reply 150 synchronously.
func dispatchData(cc *CommandContext, kind session.EndpointKind, path string) (reply.Reply, error) {
	startPos := cc.Session.TakeStartPos()
	if startPos > 0 && !cc.Deps.Storage.Features().Has(storage.FeatureRestart) {
		return reply.New(reply.CodeNotImplementedArg, "Restart not supported"), nil
	}
	cc.Session.SetDataCommand(session.DataCommand{Kind: kind, Path: path, StartPos: startPos})
	return reply.New(reply.CodeFileStatusOK, "Ready to receive data"), nil
}

func List(ctx context.Context, cc *CommandContext) (reply.Reply, error) {
	return dispatchData(cc, session.EndpointList, resolvePath(cc, cc.Cmd.Path))
}

func Nlst(ctx context.Context, cc *CommandContext) (reply.Reply, error) {
	return dispatchData(cc, session.EndpointNLST, resolvePath(cc, cc.Cmd.Path))
}

func Mlsd(ctx context.Context, cc *CommandContext) (reply.Reply, error) {
	return dispatchData(cc, session.EndpointMLSD, resolvePath(cc, cc.Cmd.Path))
}

// Mlst handles MLST: a single-entry fact listing delivered on the control
// channel itself (no data connection), unlike MLSD.
func Mlst(ctx context.Context, cc *CommandContext) (reply.Reply, error) {
	target := resolvePath(cc, cc.Cmd.Path)
	go func() {
		meta, err := cc.Deps.Storage.Metadata(cc.ConnCtx, user(cc), target)
		if err != nil {
			cc.PostReply(session.ControlChanMsg{Kind: session.MsgStorageError, Error: err, Path: target})
			return
		}
		typ := "file"
		if meta.IsDir {
			typ = "dir"
		}
		facts := fmt.Sprintf("type=%s;size=%d;modify=%s", typ, meta.Len,
			meta.Modified.UTC().Format("20060102150405"))
		if meta.UID > 0 {
			facts += fmt.Sprintf(";unix.uid=%d", meta.UID)
		}
		if meta.GID > 0 {
			facts += fmt.Sprintf(";unix.gid=%d", meta.GID)
		}
		r := reply.New(reply.CodeFileStatus, facts+" "+target)
		cc.PostReply(session.ControlChanMsg{Kind: session.MsgCommandChannelReply, Reply: r, Path: target})
	}()
	return reply.None(), nil
}

func Retr(ctx context.Context, cc *CommandContext) (reply.Reply, error) {
	return dispatchData(cc, session.EndpointRetr, resolvePath(cc, cc.Cmd.Path))
}

func Stor(ctx context.Context, cc *CommandContext) (reply.Reply, error) {
	return dispatchData(cc, session.EndpointStor, resolvePath(cc, cc.Cmd.Path))
}

func Appe(ctx context.Context, cc *CommandContext) (reply.Reply, error) {
	return dispatchData(cc, session.EndpointAppe, resolvePath(cc, cc.Cmd.Path))
}

// Stou handles STOU: the filename is chosen by the data-channel
// coordinator; the handler only supplies the target directory.
func Stou(ctx context.Context, cc *CommandContext) (reply.Reply, error) {
	dir := cc.Session.Cwd()
	if cc.Cmd.Path != "" {
		dir = resolvePath(cc, cc.Cmd.Path)
	}
	return dispatchData(cc, session.EndpointStou, dir)
}

func pasvMessage(host net.IP, port int) string {
	ip := host.To4()
	p1, p2 := byte(port>>8), byte(port&0xFF)
	return fmt.Sprintf("Entering Passive Mode (%d,%d,%d,%d,%d,%d)", ip[0], ip[1], ip[2], ip[3], p1, p2)
}

// bindRandomPort implements "random port in range, up to 10 retries" PASV
// allocation for PerConnectionBind mode. rnd is injected rather than drawn
// from the global math/rand functions so the retry-collision path is
// seedable in tests.
func bindRandomPort(low, high, retries int, rnd *PortRand) (net.Listener, int, error) {
	if retries <= 0 {
		retries = 10
	}
	if rnd == nil {
		rnd = NewPortRand(time.Now().UnixNano())
	}
	span := high - low + 1
	var lastErr error
	for i := 0; i < retries; i++ {
		port := low + rnd.Intn(span)
		l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			return l, port, nil
		}
		lastErr = err
	}
	return nil, 0, lastErr
}

// acceptOnce accepts exactly one connection on listener, hands it to the
// data-channel coordinator, and closes the listener either way.
func acceptOnce(ctx context.Context, listener net.Listener, binding *datachan.Binding) {
	defer listener.Close()
	conn, err := listener.Accept()
	if err != nil {
		return
	}
	binding.Serve(ctx, conn)
}
