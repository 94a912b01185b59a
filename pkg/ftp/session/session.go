// Package session holds the per-connection mutable state: authentication
// state machine, working directory, armed rename, and the data-channel
// handoff slot, all guarded by a single exclusive lock.
package session

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/goftpd/goftpd/pkg/ftp/auth"
	"github.com/goftpd/goftpd/pkg/ftp/switchboard"
)

// State is the session's control-channel authentication state machine:
// New --USER--> WaitPass --PASS ok--> WaitCmd.
type State int

const (
	StateNew State = iota
	StateWaitPass
	StateWaitCmd
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateWaitPass:
		return "wait-pass"
	case StateWaitCmd:
		return "wait-cmd"
	default:
		return "unknown"
	}
}

// DataCommand is the single-shot data-channel command handed from a
// command handler (PASV/PORT/RETR/...) to the data-channel coordinator.
// Exactly one may be pending at a time.
type DataCommand struct {
	Kind     EndpointKind
	Path     string
	StartPos uint64
}

// EndpointKind distinguishes the data transfer operation requested.
type EndpointKind int

const (
	EndpointList EndpointKind = iota
	EndpointNLST
	EndpointMLSD
	EndpointRetr
	EndpointStor
	EndpointStou
	EndpointAppe
)

// ConnAddr captures the source/destination address pair of the control
// connection, required for PASV IP derivation.
type ConnAddr struct {
	Source      net.Addr
	Destination net.Addr
}

// Session is one per control connection. All mutable fields are guarded by
// mu; callers must Lock/Unlock (or use the accessor methods) and must never hold
// the lock across a blocking backend/authenticator call.
type Session struct {
	mu sync.Mutex

	state      State
	username   string
	hasUser    bool
	user       auth.UserDetail
	hasUser2   bool // true once PASS succeeded and User is authenticated
	cwd        string
	renameFrom string
	hasRename  bool
	startPos   uint64
	dataTLS    bool
	cmdTLS     bool

	seq uint64

	ConnAddr ConnAddr
	// SwitchboardActive is non-nil once PASV reserves a pooled/proxy-mode
	// port, released when the control loop exits.
	SwitchboardActive *switchboard.Key

	// dataCmdCh is the single-shot slot described above, modeled as a
	// capacity-1 channel so the data-channel coordinator can block waiting
	// for it instead of polling. Storing a new value always replaces
	// (never stacks on top of) any unconsumed previous one: SetDataCommand
	// drains a stale value before sending.
	dataCmdCh chan DataCommand

	// abortCh is recreated by SetDataCommand so each data-channel command
	// gets its own abort signal; ABOR closes the current one.
	abortCh chan struct{}

	// ControlMsg is the channel by which background work (deferred storage
	// calls, data-channel workers) posts events back into the control
	// loop's event pump.
	ControlMsg chan ControlChanMsg

	CreatedAt time.Time
}

// New creates a Session positioned at the initial state with cwd "/".
func New(addr ConnAddr) *Session {
	return &Session{
		state:      StateNew,
		cwd:        "/",
		dataCmdCh:  make(chan DataCommand, 1),
		ControlMsg: make(chan ControlChanMsg, 1),
		ConnAddr:   addr,
		CreatedAt:  time.Now(),
	}
}

// Lock acquires the session's exclusive lock. Pair with Unlock; keep the
// critical section to pure state mutation, never an awaited I/O call.
func (s *Session) Lock()   { s.mu.Lock() }
func (s *Session) Unlock() { s.mu.Unlock() }

// State returns the current authentication state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// NextSeq returns a monotonically increasing per-session sequence number,
// used by the logging middleware.
func (s *Session) NextSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// BeginLogin records USER and transitions New -> WaitPass. Any prior
// username/state is cleared first, matching "username cleared on any state
// reset".
func (s *Session) BeginLogin(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.username = username
	s.hasUser = true
	s.state = StateWaitPass
	s.hasUser2 = false
	s.clearRenameLocked()
}

// CompleteLogin records a successful PASS: stores the authenticated user
// and transitions WaitPass -> WaitCmd. Maintains the invariant
// user.is_some <=> state == WaitCmd.
func (s *Session) CompleteLogin(user auth.UserDetail) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = user
	s.hasUser2 = true
	s.state = StateWaitCmd
}

// FailLogin resets to New on a failed PASS: a second PASS without an
// intervening USER must fail bad-sequence, so failure does not leave the
// session in WaitPass.
func (s *Session) FailLogin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateNew
	s.hasUser = false
	s.hasUser2 = false
	s.clearRenameLocked()
}

// Username returns the USER argument and whether it has been set.
func (s *Session) Username() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username, s.hasUser
}

// User returns the authenticated principal, if any.
func (s *Session) User() (auth.UserDetail, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user, s.hasUser2
}

// Cwd returns the current logical working directory.
func (s *Session) Cwd() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cwd
}

// SetCwd mutates the logical working directory.
func (s *Session) SetCwd(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cwd = path
}

// ArmRename arms rename_from after a successful metadata lookup on `from`.
func (s *Session) ArmRename(from string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renameFrom = from
	s.hasRename = true
}

// ConsumeRename atomically takes and clears rename_from, used by RNTO.
// ok is false if no RNFR is currently armed.
func (s *Session) ConsumeRename() (from string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	from, ok = s.renameFrom, s.hasRename
	s.clearRenameLocked()
	return from, ok
}

// ClearRename drops any armed RNFR without consuming it — called whenever a
// command other than RNTO is handled.
func (s *Session) ClearRename() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearRenameLocked()
}

func (s *Session) clearRenameLocked() {
	s.renameFrom = ""
	s.hasRename = false
}

// TakeStartPos returns and resets the REST offset.
func (s *Session) TakeStartPos() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos := s.startPos
	s.startPos = 0
	return pos
}

// SetStartPos records the REST offset for the next STOR/RETR/APPE.
func (s *Session) SetStartPos(pos uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startPos = pos
}

// DataTLS reports whether PROT P is in effect.
func (s *Session) DataTLS() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dataTLS
}

// SetDataTLS sets/clears PROT P state.
func (s *Session) SetDataTLS(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dataTLS = v
}

// CmdTLS reports whether the control channel is TLS-wrapped.
func (s *Session) CmdTLS() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmdTLS
}

// SetCmdTLS marks the control channel TLS-wrapped (after AUTH TLS).
func (s *Session) SetCmdTLS(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cmdTLS = v
}

// SetDataCommand installs the next data-channel command, replacing (never
// stacking on top of) any previous unconsumed one. Called by the
// LIST/RETR/STOR/... handler, independently of whether the data-channel
// coordinator has accepted its socket yet.
func (s *Session) SetDataCommand(cmd DataCommand) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.dataCmdCh: // drain a stale, unconsumed command
	default:
	}
	s.abortCh = make(chan struct{})
	s.dataCmdCh <- cmd
}

// TakeDataCommand blocks until a data-channel command is available or ctx
// is cancelled: the data-channel coordinator calls this right after
// accepting/connecting its socket, which may race ahead of the handler that
// will eventually call SetDataCommand.
func (s *Session) TakeDataCommand(ctx context.Context) (DataCommand, chan struct{}, bool) {
	select {
	case cmd := <-s.dataCmdCh:
		s.mu.Lock()
		ch := s.abortCh
		s.mu.Unlock()
		return cmd, ch, true
	case <-ctx.Done():
		return DataCommand{}, nil, false
	}
}

// RequestAbort signals the data-channel coordinator's abort channel, if one
// is pending. Returns true if a signal was delivered.
func (s *Session) RequestAbort() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.abortCh == nil {
		return false
	}
	select {
	case <-s.abortCh:
		// Already closed/consumed.
	default:
		close(s.abortCh)
	}
	return true
}

// ControlChanMsg is an internal message posted onto a session's control
// channel by a background task.
type ControlChanMsg struct {
	Kind ControlChanMsgKind

	// Reply carries a pre-built Reply for CommandChannelReply.
	Reply interface{ Encode() []byte }

	// Error carries the failure for StorageError.
	Error error

	Path      string
	Bytes     int64
	Username  string
	Abandoned bool // true for DataConnectionClosedAfterAbort
}

// ControlChanMsgKind enumerates the internal message kinds named throughout
// (AuthSuccess, ExitControlLoop, SentData, WrittenData, ...).
type ControlChanMsgKind int

const (
	MsgAuthSuccess ControlChanMsgKind = iota
	MsgExitControlLoop
	MsgSentData
	MsgWrittenData
	MsgMkdirSuccess
	MsgRmdirSuccess
	MsgDelSuccess
	MsgRenameSuccess
	MsgCommandChannelReply
	MsgStorageError
	MsgDataConnectionClosedAfterAbort
)
