// Package tlsconn implements the in-place stream upgrade used by AUTH TLS.
// Rather than push a generic stream type parameter through the control
// loop, a Switchable holds a net.Conn behind a mutex and atomically swaps
// it for a *tls.Conn on Upgrade — every caller keeps reading/writing
// through the same Switchable value.
package tlsconn

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"
)

// Switchable is a net.Conn whose underlying implementation can be swapped
// for a TLS-wrapped variant mid-session.
type Switchable struct {
	mu   sync.RWMutex
	conn net.Conn
}

// New wraps a plain net.Conn.
func New(conn net.Conn) *Switchable {
	return &Switchable{conn: conn}
}

// Upgrade performs the TLS server handshake over the current underlying
// connection and, on success, swaps it in atomically. Subsequent Read/Write
// calls observe the TLS-wrapped connection.
func (s *Switchable) Upgrade(cfg *tls.Config) error {
	s.mu.Lock()
	plain := s.conn
	s.mu.Unlock()

	tlsConn := tls.Server(plain, cfg)
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = tlsConn
	s.mu.Unlock()
	return nil
}

// IsTLS reports whether the underlying connection is currently TLS-wrapped.
func (s *Switchable) IsTLS() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.conn.(*tls.Conn)
	return ok
}

func (s *Switchable) current() net.Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

func (s *Switchable) Read(b []byte) (int, error)  { return s.current().Read(b) }
func (s *Switchable) Write(b []byte) (int, error) { return s.current().Write(b) }
func (s *Switchable) Close() error                { return s.current().Close() }
func (s *Switchable) LocalAddr() net.Addr         { return s.current().LocalAddr() }
func (s *Switchable) RemoteAddr() net.Addr        { return s.current().RemoteAddr() }

// SetDeadline, SetReadDeadline, and SetWriteDeadline delegate to the
// current underlying connection.
func (s *Switchable) SetDeadline(t time.Time) error      { return s.current().SetDeadline(t) }
func (s *Switchable) SetReadDeadline(t time.Time) error  { return s.current().SetReadDeadline(t) }
func (s *Switchable) SetWriteDeadline(t time.Time) error { return s.current().SetWriteDeadline(t) }

var _ net.Conn = (*Switchable)(nil)

// WrapData wraps a data-channel socket with TLS when PROT P is in effect.
// Unlike the control channel, the data socket is only ever plain or TLS for
// its whole lifetime, so no swap is needed.
func WrapData(conn net.Conn, cfg *tls.Config) net.Conn {
	return tls.Server(conn, cfg)
}
