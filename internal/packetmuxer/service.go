// Package packetmuxer implements the packet-muxer workers: the parse and
// serialize boundary between raw link bytes and typed packets. Control
// and data share the link and a single key-id space, and this is where
// they fork: control (and ack) packets go up to the reliable transport,
// data packets go up to the data channel.
//
// The muxer also owns the wire-level invariants: the remote session id,
// once learned from the first server hard reset, never changes; a data
// packet must reference a known key id; a hard reset arriving after the
// negotiation advanced kills the session; and, when a TLS wrap is
// configured, every control packet is unwrapped (and wrapped) here.
package packetmuxer

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/ovpnkit/ovpnkit/internal/datachannel"
	"github.com/ovpnkit/ovpnkit/internal/model"
	"github.com/ovpnkit/ovpnkit/internal/session"
	"github.com/ovpnkit/ovpnkit/internal/tlswrap"
	"github.com/ovpnkit/ovpnkit/internal/workers"
	"github.com/ovpnkit/ovpnkit/pkg/config"
)

var (
	serviceName = "packetmuxer"
)

// livenessCheckInterval is how often we check the ping timeout.
const livenessCheckInterval = time.Second

// Service is the packetmuxer service. Make sure you initialize
// the channels before invoking [Service.StartWorkers].
type Service struct {
	// HardReset receives requests to initiate a hard reset, that will
	// start the three-way handshake.
	HardReset chan any

	// NotifyTLS sends reset notifications up to the TLS layer.
	NotifyTLS *chan *model.Notification

	// MuxerToReliable moves packets up to the reliable transport.
	MuxerToReliable *chan *model.Packet

	// MuxerToData moves packets up to the data channel.
	MuxerToData *chan *model.Packet

	// DataOrControlToMuxer moves packets down from the reliable transport
	// or the data channel.
	DataOrControlToMuxer chan *model.Packet

	// MuxerToNetwork moves bytes down to the network I/O layer.
	MuxerToNetwork *chan []byte

	// NetworkToMuxer moves bytes up from the network I/O layer.
	NetworkToMuxer chan []byte
}

// StartWorkers starts the packet-muxer workers.
func (s *Service) StartWorkers(
	cfg *config.Config,
	workersManager *workers.Manager,
	sessionManager *session.Manager,
) {
	ws := &workersState{
		logger:               cfg.Logger(),
		hardReset:            s.HardReset,
		notifyTLS:            *s.NotifyTLS,
		muxerToReliable:      *s.MuxerToReliable,
		muxerToData:          *s.MuxerToData,
		dataOrControlToMuxer: s.DataOrControlToMuxer,
		muxerToNetwork:       *s.MuxerToNetwork,
		networkToMuxer:       s.NetworkToMuxer,
		options:              cfg.OpenVPNOptions(),
		pingTimeout:          cfg.PingTimeout(),
		sessionManager:       sessionManager,
		workersManager:       workersManager,
	}

	if mode := cfg.OpenVPNOptions().TLSWrapMode; mode != config.TLSWrapNone {
		wrapper, err := tlswrap.NewWrapper(mode, cfg.OpenVPNOptions().TLSWrapKey, cfg.OpenVPNOptions().Auth)
		if err != nil {
			cfg.Logger().Warnf("%s: %s", serviceName, err.Error())
			sessionManager.Stop(model.StopTLSHandshake)
			workersManager.StartShutdown()
			return
		}
		ws.tlsWrap = wrapper
	}

	workersManager.StartWorker(ws.moveUpWorker)
	workersManager.StartWorker(ws.moveDownWorker)
}

// workersState contains the muxer workers state.
type workersState struct {
	// logger is the logger to use.
	logger model.Logger

	// hardReset is the channel posted to force a hard reset.
	hardReset <-chan any

	// notifyTLS is used to send notifications to the TLS service.
	notifyTLS chan<- *model.Notification

	// dataOrControlToMuxer reads all the packets traveling down the stack.
	dataOrControlToMuxer <-chan *model.Packet

	// muxerToReliable writes control packets going up the stack.
	muxerToReliable chan<- *model.Packet

	// muxerToData writes data packets going up the stack.
	muxerToData chan<- *model.Packet

	// muxerToNetwork writes raw packets going down the stack.
	muxerToNetwork chan<- []byte

	// networkToMuxer reads raw packets going up the stack.
	networkToMuxer <-chan []byte

	// options are the configured options.
	options *config.OpenVPNOptions

	// pingTimeout is the inactivity bound.
	pingTimeout time.Duration

	// tlsWrap, when not nil, protects the control channel.
	tlsWrap *tlswrap.Wrapper

	// sessionManager manages the OpenVPN session.
	sessionManager *session.Manager

	// workersManager controls the workers lifecycle.
	workersManager *workers.Manager
}

// moveUpWorker moves packets up the stack.
func (ws *workersState) moveUpWorker() {
	workerName := fmt.Sprintf("%s: moveUpWorker", serviceName)

	defer func() {
		ws.workersManager.OnWorkerDone(workerName)
		ws.workersManager.StartShutdown()
	}()

	ws.logger.Debugf("%s: started", workerName)

	ticker := time.NewTicker(livenessCheckInterval)
	defer ticker.Stop()

	for {
		// POSSIBLY BLOCK awaiting for incoming raw packet
		select {
		case rawPacket := <-ws.networkToMuxer:
			if err := ws.handleRawPacket(rawPacket); err != nil {
				// a nil error means keep running; everything else is
				// a latched shutdown
				return
			}

		case <-ws.hardReset:
			if err := ws.startHardReset(); err != nil {
				// error already logged
				return
			}

		case now := <-ticker.C:
			// no inbound traffic within the ping timeout kills the
			// session; the check only makes sense once connected
			last := ws.sessionManager.LastIncoming()
			if ws.sessionManager.Status() == model.StatusConnected &&
				!last.IsZero() && now.Sub(last) > ws.pingTimeout {
				ws.logger.Warnf("%s: ping timeout", workerName)
				ws.sessionManager.Stop(model.StopPingTimeout)
				return
			}

		case <-ws.workersManager.ShouldShutdown():
			return
		}
	}
}

// moveDownWorker moves packets down the stack.
func (ws *workersState) moveDownWorker() {
	workerName := fmt.Sprintf("%s: moveDownWorker", serviceName)

	defer func() {
		ws.workersManager.OnWorkerDone(workerName)
		ws.workersManager.StartShutdown()
	}()

	ws.logger.Debugf("%s: started", workerName)

	for {
		// POSSIBLY BLOCK on reading the packet moving down the stack
		select {
		case packet := <-ws.dataOrControlToMuxer:
			if err := ws.serializeAndEmit(packet); err != nil {
				return
			}

		case <-ws.workersManager.ShouldShutdown():
			return
		}
	}
}

// startHardReset is invoked when we need to perform a HARD RESET.
func (ws *workersState) startHardReset() error {
	// the vendor hard-reset variant binds the CA fingerprint plus the
	// configured cipher and auth tags into the payload
	var payload []byte
	if ws.options.UsesPIAPatches {
		payload = piaHardResetPayload(ws.options)
	}

	// emit a CONTROL_HARD_RESET_CLIENT_V2 pkt
	packet, err := ws.sessionManager.NewPacket(model.P_CONTROL_HARD_RESET_CLIENT_V2, payload)
	if err != nil {
		ws.logger.Warnf("%s: NewPacket: %s", serviceName, err.Error())
		return err
	}
	if err := ws.serializeAndEmit(packet); err != nil {
		return err
	}

	// reset the state to become initial again
	ws.sessionManager.SetNegotiationState(model.S_PRE_START)
	ws.sessionManager.SetStatus(model.StatusConnecting)
	return nil
}

// piaHardResetPayload builds the CA-MD5-bound hard-reset payload.
func piaHardResetPayload(o *config.OpenVPNOptions) []byte {
	out := &bytes.Buffer{}
	out.Write(datachannel.CAMD5(o.CA))
	out.WriteString(fmt.Sprintf("\ncipher %s\nauth %s\n", o.Cipher, o.Auth))
	return out.Bytes()
}

// handleRawPacket is the code invoked to handle a raw packet. A non-nil
// error means the worker must terminate.
func (ws *workersState) handleRawPacket(rawPacket []byte) error {
	// when a TLS wrap is configured, control packets must be unwrapped
	// before parsing; a failed unwrap is a drop, not a fatal error,
	// since anybody can spray garbage at our port
	if ws.tlsWrap != nil && len(rawPacket) > 0 {
		opcode := model.Opcode(rawPacket[0] >> 3)
		if opcode.IsControl() || opcode == model.P_ACK_V1 {
			var err error
			rawPacket, err = ws.tlsWrap.Unwrap(rawPacket)
			if err != nil {
				ws.logger.Warnf("%s: tls-wrap: %s", serviceName, err.Error())
				return nil // keep running
			}
		}
	}

	// make sense of the packet
	packet, err := model.ParsePacket(rawPacket)
	if err != nil {
		// malformed packets are dropped with a warning, never fatal
		ws.logger.Warnf("%s: moveUpWorker: ParsePacket: %s", serviceName, err.Error())
		return nil // keep running
	}

	ws.sessionManager.OnIncomingPacket()

	// handle the case where we're performing a HARD_RESET
	if packet.Opcode == model.P_CONTROL_HARD_RESET_SERVER_V2 {
		if ws.sessionManager.NegotiationState() != model.S_PRE_START {
			// a server hard reset after the negotiation advanced
			// means the server lost our session
			ws.logger.Warnf("%s: stale session", serviceName)
			ws.sessionManager.Stop(model.StopStaleSession)
			return workers.ErrShutdown
		}
		return ws.finishThreeWayHandshake(packet)
	}

	if packet.IsControl() || packet.Opcode == model.P_ACK_V1 {
		// the session id of every control packet must match the pinned
		// remote session id
		if !ws.sessionManager.IsRemoteSessionIDSet() {
			ws.logger.Warnf("%s: control packet before hard reset", serviceName)
			ws.sessionManager.Stop(model.StopMissingSessionID)
			return workers.ErrShutdown
		}
		if !bytes.Equal(packet.LocalSessionID[:], ws.sessionManager.RemoteSessionID()) {
			ws.logger.Warnf("%s: session mismatch: %x", serviceName, packet.LocalSessionID)
			ws.sessionManager.Stop(model.StopSessionMismatch)
			return workers.ErrShutdown
		}

		select {
		case ws.muxerToReliable <- packet:
		case <-ws.workersManager.ShouldShutdown():
			return workers.ErrShutdown
		}
		return nil
	}

	// a data packet must reference a known key
	if !ws.sessionManager.IsKnownKeyID(packet.KeyID) {
		ws.logger.Warnf("%s: unknown key id %d", serviceName, packet.KeyID)
		ws.sessionManager.Stop(model.StopBadKey)
		return workers.ErrShutdown
	}

	select {
	case ws.muxerToData <- packet:
	case <-ws.workersManager.ShouldShutdown():
		return workers.ErrShutdown
	}
	return nil
}

// finishThreeWayHandshake responds to the HARD_RESET_SERVER and finishes
// the handshake.
func (ws *workersState) finishThreeWayHandshake(packet *model.Packet) error {
	// register the server's session (note: the PoV is the server's one)
	ws.sessionManager.SetRemoteSessionID(packet.LocalSessionID)

	packet.Log(ws.logger, model.DirectionIncoming)

	// we need to manually ACK because the reliable layer is above us
	ACK, err := ws.sessionManager.NewACKForPacket(packet)
	if err != nil {
		return err
	}
	if err := ws.serializeAndEmit(ACK); err != nil {
		return err
	}

	// advance the state
	ws.sessionManager.SetNegotiationState(model.S_START)

	// attempt to tell TLS we want to handshake
	select {
	case ws.notifyTLS <- &model.Notification{Flags: model.NotificationReset}:
		// nothing

	default:
		// this notification should be nonblocking

	case <-ws.workersManager.ShouldShutdown():
		return workers.ErrShutdown
	}

	return nil
}

// errLinkWrite is logged when we cannot hand a packet to the network layer.
var errLinkWrite = errors.New("cannot write to the network layer")

// serializeAndEmit writes a packet to the network layer, applying the TLS
// wrap to control packets when configured.
func (ws *workersState) serializeAndEmit(packet *model.Packet) error {
	// serialize it
	rawPacket, err := packet.Bytes()
	if err != nil {
		ws.logger.Warnf("%s: cannot serialize packet: %s", serviceName, err.Error())
		return nil
	}

	if ws.tlsWrap != nil && (packet.IsControl() || packet.Opcode == model.P_ACK_V1) {
		rawPacket, err = ws.tlsWrap.Wrap(rawPacket)
		if err != nil {
			ws.logger.Warnf("%s: %s: %s", serviceName, errLinkWrite, err.Error())
			return err
		}
	}

	// emit the packet
	select {
	case ws.muxerToNetwork <- rawPacket:
		// nothing

	case <-ws.workersManager.ShouldShutdown():
		return workers.ErrShutdown
	}

	packet.Log(ws.logger, model.DirectionOutgoing)
	return nil
}
