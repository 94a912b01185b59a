package switchboard

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	got chan net.Conn
}

func (f *fakeHandle) HandleDataConn(conn net.Conn) { f.got <- conn }

func TestReserveNoTwoSessionsShareAPort(t *testing.T) {
	sb := New([]int{9000, 9001})
	go sb.Run()
	defer sb.Stop()

	p1, ok := sb.Reserve("1.1.1.1")
	require.True(t, ok)
	p2, ok := sb.Reserve("1.1.1.1")
	require.True(t, ok)
	assert.NotEqual(t, p1, p2)

	_, ok = sb.Reserve("1.1.1.1")
	assert.False(t, ok, "pool exhausted")
}

func TestReleaseReturnsPortToPool(t *testing.T) {
	sb := New([]int{9000})
	go sb.Run()
	defer sb.Stop()

	p1, ok := sb.Reserve("1.1.1.1")
	require.True(t, ok)

	sb.Release(Key{SourceIP: "1.1.1.1", DstPort: p1})

	p2, ok := sb.Reserve("2.2.2.2")
	require.True(t, ok)
	assert.Equal(t, p1, p2)
}

func TestDispatchRoutesToRegisteredHandleAndRetiresKey(t *testing.T) {
	sb := New([]int{9000})
	go sb.Run()
	defer sb.Stop()

	port, ok := sb.Reserve("1.1.1.1")
	require.True(t, ok)

	handle := &fakeHandle{got: make(chan net.Conn, 1)}
	sb.Register(port, handle)

	c1, c2 := net.Pipe()
	defer c2.Close()
	sb.Dispatch("1.1.1.1", port, c1)

	select {
	case got := <-handle.got:
		assert.Equal(t, c1, got)
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}

	// The key was retired: a second connection on it is closed, not routed.
	c3, c4 := net.Pipe()
	defer c4.Close()
	sb.Dispatch("1.1.1.1", port, c3)
	require.NoError(t, c4.SetReadDeadline(time.Now().Add(time.Second)))
	_, err := c4.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	assert.Empty(t, handle.got)
}

func TestDispatchClosesConnForUnknownKey(t *testing.T) {
	sb := New([]int{9000})
	go sb.Run()
	defer sb.Stop()

	c1, c2 := net.Pipe()
	defer c2.Close()

	done := make(chan struct{})
	go func() {
		buf := make([]byte, 1)
		_, err := c2.Read(buf)
		assert.Error(t, err) // peer closed
		close(done)
	}()

	sb.Dispatch("9.9.9.9", 12345, c1)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("connection was not closed")
	}
}
