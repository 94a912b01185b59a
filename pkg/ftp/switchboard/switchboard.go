// Package switchboard implements the pre-bound-port routing table used in
// pooled and proxy-protocol modes. The reservation table is owned by a
// single goroutine; every other goroutine interacts with it through
// request/reply channels — no external lock.
package switchboard

import (
	"fmt"
	"net"
)

// Key identifies a reservation: the client's source IP paired with the
// server-side destination (listening) port. This is stable between a
// session's control connection and every data connection it opens, under a
// trusted L4 proxy.
type Key struct {
	SourceIP string
	DstPort  int
}

func (k Key) String() string { return fmt.Sprintf("%s:%d", k.SourceIP, k.DstPort) }

// SessionHandle is whatever the switchboard hands an accepted data
// connection to. It is intentionally minimal — datachan.Binding
// implements it.
type SessionHandle interface {
	HandleDataConn(conn net.Conn)
}

type reserveRequest struct {
	sourceIP string
	reply    chan reserveResult
}

type reserveResult struct {
	port int
	ok   bool
}

type releaseRequest struct {
	key Key
}

type dispatchRequest struct {
	key      Key
	conn     net.Conn
	sourceIP string
}

type registerRequest struct {
	port    int
	session SessionHandle
	reply   chan struct{}
}

// Switchboard owns the pool of pre-bound passive ports and the
// (src-ip, dst-port) -> session routing table.
type Switchboard struct {
	ports []int

	reserveCh  chan reserveRequest
	releaseCh  chan releaseRequest
	dispatchCh chan dispatchRequest
	registerCh chan registerRequest
	stopCh     chan struct{}
}

// New creates a Switchboard over the given pre-bound port numbers. Call Run
// in its own goroutine before using Reserve/Release/Dispatch.
func New(ports []int) *Switchboard {
	return &Switchboard{
		ports:      ports,
		reserveCh:  make(chan reserveRequest),
		releaseCh:  make(chan releaseRequest),
		dispatchCh: make(chan dispatchRequest),
		registerCh: make(chan registerRequest),
		stopCh:     make(chan struct{}),
	}
}

// Run is the switchboard's single-writer event loop. It returns when Stop
// is called.
func (sb *Switchboard) Run() {
	reservations := make(map[Key]SessionHandle, len(sb.ports))
	freePorts := make([]int, len(sb.ports))
	copy(freePorts, sb.ports)
	portOwner := make(map[int]string) // port -> source IP, for reservation bookkeeping

	for {
		select {
		case <-sb.stopCh:
			return

		case req := <-sb.reserveCh:
			if len(freePorts) == 0 {
				req.reply <- reserveResult{ok: false}
				continue
			}
			port := freePorts[0]
			freePorts = freePorts[1:]
			key := Key{SourceIP: req.sourceIP, DstPort: port}
			reservations[key] = nil // reserved but not yet bound to a handle
			portOwner[port] = req.sourceIP
			req.reply <- reserveResult{port: port, ok: true}

		case req := <-sb.registerCh:
			// Bind the handle to whichever key currently owns this port, for
			// whichever source IP reserved it.
			for key := range reservations {
				if key.DstPort == req.port {
					reservations[key] = req.session
				}
			}
			close(req.reply)

		case req := <-sb.releaseCh:
			// The routing entry may already have been retired by a dispatch;
			// the port is still owned by this source IP until released.
			delete(reservations, req.key)
			if owner, ok := portOwner[req.key.DstPort]; ok && owner == req.key.SourceIP {
				delete(portOwner, req.key.DstPort)
				freePorts = append(freePorts, req.key.DstPort)
			}

		case req := <-sb.dispatchCh:
			handle, ok := reservations[req.key]
			if !ok || handle == nil {
				_ = req.conn.Close()
				continue
			}
			delete(reservations, req.key) // retired on first match
			go handle.HandleDataConn(req.conn)
		}
	}
}

// Stop terminates Run.
func (sb *Switchboard) Stop() { close(sb.stopCh) }

// Reserve asks the switchboard for a free port for the given client source
// IP. Returns ok=false if the pool is exhausted.
func (sb *Switchboard) Reserve(sourceIP string) (port int, ok bool) {
	reply := make(chan reserveResult, 1)
	sb.reserveCh <- reserveRequest{sourceIP: sourceIP, reply: reply}
	res := <-reply
	return res.port, res.ok
}

// Register binds a SessionHandle to the port reservation just obtained via
// Reserve, so that Dispatch can later route an inbound connection to it.
func (sb *Switchboard) Register(port int, session SessionHandle) {
	reply := make(chan struct{})
	sb.registerCh <- registerRequest{port: port, session: session, reply: reply}
	<-reply
}

// Release drops a session's reservation, e.g. on control-loop exit. ABOR
// must not call Release — the reservation survives for reuse by the next
// data command.
func (sb *Switchboard) Release(key Key) {
	sb.releaseCh <- releaseRequest{key: key}
}

// Dispatch routes an inbound TCP connection landing on a pooled passive
// port. sourceIP/dstPort come from the real peer address (proxy mode) or
// the observed TCP peer (pooled mode without a proxy in front).
func (sb *Switchboard) Dispatch(sourceIP string, dstPort int, conn net.Conn) {
	sb.dispatchCh <- dispatchRequest{key: Key{SourceIP: sourceIP, DstPort: dstPort}, conn: conn, sourceIP: sourceIP}
}
