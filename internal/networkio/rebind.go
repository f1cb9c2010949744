package networkio

//
// OpenVPN session mobility: when the server assigned us a peer-id, the
// session can swap the underlying link in place after a network change,
// without resetting keys or session ids. The RebindableConn makes the swap
// transparent to the rest of the stack: a read failing because the old
// conn went away is retried on the fresh one.
//

import (
	"errors"
	"net"
	"sync"
	"time"
)

// ErrNoActiveConn means the rebindable conn has no usable link.
var ErrNoActiveConn = errors.New("networkio: no active conn")

// RebindableConn is a [FramingConn] whose underlying link can be swapped
// while the session keeps running.
type RebindableConn struct {
	mu         sync.Mutex
	conn       FramingConn
	generation int
}

var _ FramingConn = &RebindableConn{}

// NewRebindableConn wraps the given conn.
func NewRebindableConn(conn FramingConn) *RebindableConn {
	return &RebindableConn{conn: conn}
}

// Rebind swaps the underlying link, closing the previous one. Callers must
// check the session's peer-id gating before invoking this.
func (c *RebindableConn) Rebind(conn FramingConn) {
	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.generation++
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

// current returns the active conn and its generation.
func (c *RebindableConn) current() (FramingConn, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, c.generation, ErrNoActiveConn
	}
	return c.conn, c.generation, nil
}

// ReadRawPacket implements FramingConn. A read error on a link that has
// been swapped since the read started is retried on the new link.
func (c *RebindableConn) ReadRawPacket() ([]byte, error) {
	for {
		conn, gen, err := c.current()
		if err != nil {
			return nil, err
		}
		pkt, err := conn.ReadRawPacket()
		if err == nil {
			return pkt, nil
		}
		if _, newGen, cerr := c.current(); cerr == nil && newGen != gen {
			// the link was swapped under us: retry on the new one
			continue
		}
		return nil, err
	}
}

// WriteRawPacket implements FramingConn.
func (c *RebindableConn) WriteRawPacket(pkt []byte) error {
	conn, _, err := c.current()
	if err != nil {
		return err
	}
	return conn.WriteRawPacket(pkt)
}

// IsReliable implements FramingConn.
func (c *RebindableConn) IsReliable() bool {
	conn, _, err := c.current()
	if err != nil {
		return false
	}
	return conn.IsReliable()
}

// SetReadDeadline implements FramingConn.
func (c *RebindableConn) SetReadDeadline(t time.Time) error {
	conn, _, err := c.current()
	if err != nil {
		return err
	}
	return conn.SetReadDeadline(t)
}

// SetWriteDeadline implements FramingConn.
func (c *RebindableConn) SetWriteDeadline(t time.Time) error {
	conn, _, err := c.current()
	if err != nil {
		return err
	}
	return conn.SetWriteDeadline(t)
}

// LocalAddr implements FramingConn.
func (c *RebindableConn) LocalAddr() net.Addr {
	conn, _, err := c.current()
	if err != nil {
		return &net.UDPAddr{}
	}
	return conn.LocalAddr()
}

// RemoteAddr implements FramingConn.
func (c *RebindableConn) RemoteAddr() net.Addr {
	conn, _, err := c.current()
	if err != nil {
		return &net.UDPAddr{}
	}
	return conn.RemoteAddr()
}

// Close implements FramingConn.
func (c *RebindableConn) Close() error {
	conn, _, err := c.current()
	if err != nil {
		return nil
	}
	return conn.Close()
}
