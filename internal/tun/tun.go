// Package tun implements the TUN-side API of the engine and the
// orchestration that wires all the services together.
package tun

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/ovpnkit/ovpnkit/internal/datachannel"
	"github.com/ovpnkit/ovpnkit/internal/model"
	"github.com/ovpnkit/ovpnkit/internal/networkio"
	"github.com/ovpnkit/ovpnkit/internal/session"
	"github.com/ovpnkit/ovpnkit/pkg/config"
)

// ErrInitFailure means the session stopped before the tunnel came up;
// the stop event carries the precise reason.
var ErrInitFailure = errors.New("openvpn: session failed to initialize")

// ErrCannotRebind means a rebind was attempted without the server having
// assigned a peer-id.
var ErrCannotRebind = errors.New("openvpn: server did not assign a peer-id")

// StartTUN initializes and starts the TUN device over the vpn. If the
// passed context expires before the TUN device is ready, or the session
// fails negotiating, this function returns an error.
func StartTUN(ctx context.Context, conn networkio.FramingConn, cfg *config.Config) (*TUN, error) {
	renegotiate := time.Duration(cfg.OpenVPNOptions().RenegotiateAfter) * time.Second
	sessionManager, err := session.NewManager(cfg.Logger(), renegotiate)
	if err != nil {
		return nil, err
	}

	// wrap the conn so that the session can later swap links in place
	link := networkio.NewRebindableConn(conn)

	// create the TUN that will OWN the connection
	tunnel := newTUN(cfg.Logger(), link, sessionManager)

	dataChannel, err := datachannel.NewDataChannelFromOptions(cfg.Logger(), cfg.OpenVPNOptions(), sessionManager)
	if err != nil {
		return nil, err
	}
	tunnel.dataChannel = dataChannel

	// start all the workers
	workers := startWorkers(cfg, link, sessionManager, tunnel, dataChannel)
	tunnel.whenDone(func() {
		workers.StartShutdown()
		workers.WaitWorkersShutdown()
		sessionManager.Cleanup()
	})

	// Await the signal from the session manager that we have a valid
	// TunnelInfo: the three-way handshake has completed and we have
	// valid data-channel keys.
	select {
	case <-sessionManager.Ready:
		sessionManager.SetStatus(model.StatusConnected)
		sessionManager.EmitEvent(model.EventStarted{
			RemoteAddr: link.RemoteAddr().String(),
			TunnelInfo: sessionManager.TunnelInfo(),
		})
		return tunnel, nil

	case <-workers.ShouldShutdown():
		tunnel.Close()
		return nil, ErrInitFailure

	case <-ctx.Done():
		sessionManager.Stop(model.StopRequested)
		tunnel.Close()
		return nil, ctx.Err()
	}
}

// TUN allows to use channels to read and write. Use [StartTUN] to
// construct one.
type TUN struct {
	// tunDown moves bytes down to the data channel.
	tunDown chan []byte

	// tunUp moves bytes up from the data channel.
	tunUp chan []byte

	// closeOnce ensures we close just once.
	closeOnce sync.Once

	// conn is the rebindable underlying connection, which we OWN.
	conn *networkio.RebindableConn

	// dataChannel is used to answer data-count queries.
	dataChannel *datachannel.DataChannel

	// hangup is used to interrupt reads and writes on close.
	hangup chan any

	// logger implements model.Logger.
	logger model.Logger

	// readBuffer is the buffer for read operations.
	readBuffer *bytes.Buffer

	// readDeadline is the read deadline, if any.
	readDeadline *deadlineTimer

	// session is the session manager.
	session *session.Manager

	// callback to be executed on shutdown.
	onDone func()
}

// newTUN creates a new TUN. This function TAKES OWNERSHIP of the conn.
func newTUN(logger model.Logger, conn *networkio.RebindableConn, sessionManager *session.Manager) *TUN {
	return &TUN{
		tunDown:      make(chan []byte),
		tunUp:        make(chan []byte, 10),
		closeOnce:    sync.Once{},
		conn:         conn,
		hangup:       make(chan any),
		logger:       logger,
		readBuffer:   &bytes.Buffer{},
		readDeadline: newDeadlineTimer(),
		session:      sessionManager,
	}
}

// whenDone registers a callback to be called on shutdown.
func (t *TUN) whenDone(fn func()) {
	t.onDone = fn
}

// Close is a final stop: it tears down the workers, scrubs the key
// material, and emits the final stop event. Idempotent.
func (t *TUN) Close() error {
	t.closeOnce.Do(func() {
		t.session.Stop(model.StopRequested)
		close(t.hangup)
		// We OWN the connection
		t.conn.Close()
		// and we need to propagate the shutdown to all the workers
		if t.onDone != nil {
			t.onDone()
		}
	})
	return nil
}

// Reconnect is a recoverable stop: it tears the session down like
// [TUN.Close] but marks the stop event so that the owner re-establishes
// the tunnel. Idempotent via the same latch as Close.
func (t *TUN) Reconnect() error {
	t.session.StopForReconnect()
	return t.Close()
}

// RebindLink swaps the underlying link in place, keeping keys and session
// ids. Only permitted when the server assigned us a peer-id.
func (t *TUN) RebindLink(conn networkio.FramingConn) error {
	if !t.session.CanRebindLink() {
		return ErrCannotRebind
	}
	t.logger.Info("openvpn: rebinding link")
	t.conn.Rebind(conn)
	return nil
}

// Events returns the channel where the session posts its typed events.
func (t *TUN) Events() <-chan model.Event {
	return t.session.Events()
}

// DataCount returns the number of tunnel payload bytes moved in each
// direction.
func (t *TUN) DataCount() (in, out uint64) {
	return t.dataChannel.DataCount()
}

// TunnelInfo returns the tunnel info negotiated with the server.
func (t *TUN) TunnelInfo() model.TunnelInfo {
	return t.session.TunnelInfo()
}

// NetMask returns the netmask assigned via the push reply.
func (t *TUN) NetMask() net.IPMask {
	return net.IPMask(net.ParseIP(t.session.TunnelInfo().NetMask).To4())
}

// Read implements net.Conn
func (t *TUN) Read(data []byte) (int, error) {
	for {
		count, _ := t.readBuffer.Read(data)
		if count > 0 {
			return count, nil
		}
		select {
		case extra := <-t.tunUp:
			t.readBuffer.Write(extra)
		case <-t.readDeadline.expired():
			return 0, context.DeadlineExceeded
		case <-t.hangup:
			return 0, net.ErrClosed
		}
	}
}

// Write implements net.Conn
func (t *TUN) Write(data []byte) (int, error) {
	select {
	case t.tunDown <- data:
		return len(data), nil
	case <-t.hangup:
		return 0, net.ErrClosed
	}
}

// LocalAddr implements net.Conn
func (t *TUN) LocalAddr() net.Addr {
	ip := t.session.TunnelInfo().IP
	return &tunBioAddr{addr: ip}
}

// RemoteAddr implements net.Conn
func (t *TUN) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

// SetDeadline implements net.Conn
func (t *TUN) SetDeadline(tm time.Time) error {
	t.readDeadline.set(tm)
	return nil
}

// SetReadDeadline implements net.Conn
func (t *TUN) SetReadDeadline(tm time.Time) error {
	t.readDeadline.set(tm)
	return nil
}

// SetWriteDeadline implements net.Conn
func (t *TUN) SetWriteDeadline(tm time.Time) error {
	// write deadlines are not meaningful on the channel boundary
	return nil
}

var _ net.Conn = &TUN{}

// tunBioAddr is the type of address returned by [TUN.LocalAddr].
type tunBioAddr struct {
	addr string
}

var _ net.Addr = &tunBioAddr{}

// Network implements net.Addr.
func (t *tunBioAddr) Network() string {
	return "tunBioAddr"
}

// String implements net.Addr.
func (t *tunBioAddr) String() string {
	return t.addr
}

// deadlineTimer adapts a resettable deadline to a channel we can select
// on.
type deadlineTimer struct {
	mu    sync.Mutex
	timer *time.Timer
	ch    chan any
}

func newDeadlineTimer() *deadlineTimer {
	return &deadlineTimer{ch: make(chan any)}
}

// set arms (or disarms, for the zero time) the deadline.
func (d *deadlineTimer) set(tm time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.ch = make(chan any)
	if tm.IsZero() {
		return
	}
	ch := d.ch
	d.timer = time.AfterFunc(time.Until(tm), func() {
		close(ch)
	})
}

// expired returns the channel closed when the deadline fires.
func (d *deadlineTimer) expired() <-chan any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ch
}
