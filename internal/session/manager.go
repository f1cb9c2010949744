// Package session keeps track of the state shared by all the layers of
// the protocol stack: session ids, negotiation state, the key slots, the
// packet-id counters, the tunnel info, and the event stream consumed by
// the owner of the tunnel.
package session

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ovpnkit/ovpnkit/internal/model"
	"github.com/ovpnkit/ovpnkit/internal/optional"
	"github.com/ovpnkit/ovpnkit/internal/runtimex"
)

// Manager manages the session. The zero value is invalid. Please, construct
// using [NewManager]. This struct is concurrency safe.
type Manager struct {
	currentKeyID         optional.Value[uint8]
	events               chan model.Event
	keys                 map[uint8]*DataChannelKey
	lastIncoming         time.Time
	lastOutgoing         time.Time
	localControlPacketID model.PacketID
	localSessionID       model.SessionID
	logger               model.Logger
	mu                   sync.Mutex
	negKeyID             uint8
	negState             model.NegotiationState
	negStart             time.Time
	oldKeyID             optional.Value[uint8]
	remoteSessionID      optional.Value[model.SessionID]
	renegotiateAfter     time.Duration
	status               model.Status
	stopOnce             sync.Once
	stopped              bool
	tunnelInfo           model.TunnelInfo

	// Ready is a channel where we signal that we can start accepting data,
	// because we've successfully generated key material for the data
	// channel for the first time.
	Ready chan any
}

// NewManager returns a [Manager] ready to be used.
func NewManager(logger model.Logger, renegotiateAfter time.Duration) (*Manager, error) {
	sessionManager := &Manager{
		currentKeyID:     optional.None[uint8](),
		events:           make(chan model.Event, 64),
		keys:             map[uint8]*DataChannelKey{},
		logger:           logger,
		mu:               sync.Mutex{},
		negKeyID:         0,
		negState:         0,
		negStart:         time.Now(),
		oldKeyID:         optional.None[uint8](),
		remoteSessionID:  optional.None[model.SessionID](),
		renegotiateAfter: renegotiateAfter,
		status:           model.StatusIdle,
		tunnelInfo:       *model.NewTunnelInfo(),

		Ready: make(chan any, 1),
	}

	randomBytes, err := randomFn(8)
	if err != nil {
		return nil, err
	}
	sessionManager.localSessionID = (model.SessionID)(randomBytes[:8])

	localKey, err := NewKeySource()
	if err != nil {
		return nil, err
	}
	sessionManager.keys[0] = &DataChannelKey{
		id:        0,
		startTime: time.Now(),
		local:     localKey,
	}
	return sessionManager, nil
}

// LocalSessionID gets the local session ID as bytes.
func (m *Manager) LocalSessionID() []byte {
	defer m.mu.Unlock()
	m.mu.Lock()
	return m.localSessionID[:]
}

// RemoteSessionID gets the remote session ID as bytes, or nil when we have
// not learned it yet.
func (m *Manager) RemoteSessionID() []byte {
	defer m.mu.Unlock()
	m.mu.Lock()
	rs := m.remoteSessionID
	if !rs.IsNone() {
		val := rs.Unwrap()
		return val[:]
	}
	return nil
}

// IsRemoteSessionIDSet returns whether we've learned the remote session ID.
func (m *Manager) IsRemoteSessionIDSet() bool {
	defer m.mu.Unlock()
	m.mu.Lock()
	return !m.remoteSessionID.IsNone()
}

// SetRemoteSessionID pins the remote session ID. The remote session id,
// once learned, never changes for the lifetime of the session.
func (m *Manager) SetRemoteSessionID(remoteSessionID model.SessionID) {
	defer m.mu.Unlock()
	m.mu.Lock()
	runtimex.Assert(m.remoteSessionID.IsNone(), "SetRemoteSessionID called more than once")
	m.remoteSessionID = optional.Some(remoteSessionID)
}

// ErrNoRemoteSessionID indicates we are missing the remote session ID.
var ErrNoRemoteSessionID = errors.New("missing remote session ID")

// NewACKForPacket creates a new ACK for the given packet.
func (m *Manager) NewACKForPacket(packet *model.Packet) (*model.Packet, error) {
	defer m.mu.Unlock()
	m.mu.Lock()
	if m.remoteSessionID.IsNone() {
		return nil, ErrNoRemoteSessionID
	}
	p := &model.Packet{
		Opcode:          model.P_ACK_V1,
		KeyID:           m.negKeyID,
		LocalSessionID:  m.localSessionID,
		ACKs:            []model.PacketID{packet.ID},
		RemoteSessionID: m.remoteSessionID.Unwrap(),
		Payload:         []byte{},
	}
	return p, nil
}

// NewACKForPacketIDs creates a standalone ACK packet for the given ids.
func (m *Manager) NewACKForPacketIDs(ids []model.PacketID) (*model.Packet, error) {
	defer m.mu.Unlock()
	m.mu.Lock()
	if m.remoteSessionID.IsNone() {
		return nil, ErrNoRemoteSessionID
	}
	p := &model.Packet{
		Opcode:          model.P_ACK_V1,
		KeyID:           m.negKeyID,
		LocalSessionID:  m.localSessionID,
		ACKs:            ids,
		RemoteSessionID: m.remoteSessionID.Unwrap(),
		Payload:         []byte{},
	}
	return p, nil
}

// NewPacket creates a new control-channel packet for this session, stamped
// with the key id of the key currently negotiating.
func (m *Manager) NewPacket(opcode model.Opcode, payload []byte) (*model.Packet, error) {
	defer m.mu.Unlock()
	m.mu.Lock()
	packet := model.NewPacket(opcode, m.negKeyID, payload)
	copy(packet.LocalSessionID[:], m.localSessionID[:])
	pid, err := m.localControlPacketIDLocked()
	if err != nil {
		return nil, err
	}
	packet.ID = pid
	if !m.remoteSessionID.IsNone() {
		packet.RemoteSessionID = m.remoteSessionID.Unwrap()
	}
	return packet, nil
}

// ErrExpiredKey means that a packet-id counter would overflow.
var ErrExpiredKey = errors.New("expired key")

// localControlPacketIDLocked returns a unique packet ID for the control
// channel, incrementing the internal counter.
func (m *Manager) localControlPacketIDLocked() (model.PacketID, error) {
	pid := m.localControlPacketID
	if pid == math.MaxUint32 {
		// we reached the max packetID, increment will overflow
		return 0, ErrExpiredKey
	}
	m.localControlPacketID++
	return pid, nil
}

// NegotiationState returns the state of the negotiation.
func (m *Manager) NegotiationState() model.NegotiationState {
	defer m.mu.Unlock()
	m.mu.Lock()
	return m.negState
}

// SetNegotiationState sets the state of the negotiation.
func (m *Manager) SetNegotiationState(sns model.NegotiationState) {
	m.mu.Lock()
	m.logger.Infof("[@] %s -> %s", m.negState, sns)
	m.negState = sns
	if sns == model.S_INITIAL || sns == model.S_PRE_START {
		m.negStart = time.Now()
	}
	ready := sns == model.S_GENERATED_KEYS
	var firstKey bool
	if ready {
		firstKey = m.promoteNegotiatingKeyLocked()
	}
	m.mu.Unlock()
	if ready && firstKey {
		m.Ready <- true
	}
}

// promoteNegotiatingKeyLocked makes the negotiating key current, moves the
// previous current key to the single old slot, and wipes the key that
// falls off the end. Returns true when this is the first generated key.
func (m *Manager) promoteNegotiatingKeyLocked() bool {
	first := m.currentKeyID.IsNone()
	if !m.oldKeyID.IsNone() {
		dropped := m.oldKeyID.Unwrap()
		if key := m.keys[dropped]; key != nil {
			key.Wipe()
			delete(m.keys, dropped)
			m.logger.Debugf("wiped key id=%d", dropped)
		}
		m.oldKeyID = optional.None[uint8]()
	}
	if !first {
		m.oldKeyID = m.currentKeyID
	}
	m.currentKeyID = optional.Some(m.negKeyID)
	return first
}

// ActiveKey returns the dataChannelKey that is currently negotiating or,
// once negotiated, the current one.
func (m *Manager) ActiveKey() (*DataChannelKey, error) {
	defer m.mu.Unlock()
	m.mu.Lock()
	dck, ok := m.keys[m.negKeyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDataChannelKey, "no such key id")
	}
	return dck, nil
}

// CurrentKeyID returns the id of the key currently negotiating.
func (m *Manager) CurrentKeyID() uint8 {
	defer m.mu.Unlock()
	m.mu.Lock()
	return m.negKeyID
}

// IsKnownKeyID returns whether a data packet referencing the given key id
// can be resolved to a current, old, or negotiating key.
func (m *Manager) IsKnownKeyID(id uint8) bool {
	defer m.mu.Unlock()
	m.mu.Lock()
	_, ok := m.keys[id]
	return ok
}

// OldKeyID returns the id of the retired key, if any.
func (m *Manager) OldKeyID() (uint8, bool) {
	defer m.mu.Unlock()
	m.mu.Lock()
	if m.oldKeyID.IsNone() {
		return 0, false
	}
	return m.oldKeyID.Unwrap(), true
}

// StartSoftReset allocates the next key id and a fresh key for a soft
// renegotiation, and rewinds the negotiation state. Key id zero is
// reserved for the initial hard reset, so ids wrap within 1..7.
func (m *Manager) StartSoftReset() (*DataChannelKey, error) {
	defer m.mu.Unlock()
	m.mu.Lock()
	nextID := (m.negKeyID + 1) % model.NumKeys
	if nextID == 0 {
		nextID = 1
	}
	localKey, err := NewKeySource()
	if err != nil {
		return nil, err
	}
	dck := &DataChannelKey{
		id:        nextID,
		softReset: true,
		startTime: time.Now(),
		local:     localKey,
	}
	m.keys[nextID] = dck
	m.negKeyID = nextID
	m.negState = model.S_INITIAL
	m.negStart = time.Now()
	m.logger.Infof("soft reset: negotiating key id=%d", nextID)
	return dck, nil
}

// ShouldRenegotiate returns true when the client must initiate a soft
// reset because the current key has outlived the renegotiation interval.
func (m *Manager) ShouldRenegotiate(now time.Time) bool {
	defer m.mu.Unlock()
	m.mu.Lock()
	if m.renegotiateAfter <= 0 {
		return false
	}
	if m.negState != model.S_GENERATED_KEYS || m.currentKeyID.IsNone() {
		return false
	}
	current := m.keys[m.currentKeyID.Unwrap()]
	if current == nil {
		return false
	}
	return now.Sub(current.StartTime()) > m.renegotiateAfter
}

// NegotiationExpired returns true when the key currently negotiating has
// exceeded the given deadline.
func (m *Manager) NegotiationExpired(now time.Time, timeout time.Duration) bool {
	defer m.mu.Unlock()
	m.mu.Lock()
	if m.negState >= model.S_GENERATED_KEYS || m.negState <= model.S_UNDEF {
		return false
	}
	return now.Sub(m.negStart) > timeout
}

// InitTunnelInfo initializes TunnelInfo from data obtained from the auth
// response.
func (m *Manager) InitTunnelInfo(remoteOption string) error {
	defer m.mu.Unlock()
	m.mu.Lock()
	mtu, err := mtuFromRemoteOptionsString(remoteOption)
	if err != nil {
		return err
	}
	m.tunnelInfo.MTU = mtu
	m.logger.Infof("Tunnel MTU: %v", m.tunnelInfo.MTU)
	return nil
}

// mtuFromRemoteOptionsString parses the options string returned by the
// server. At the moment, we only care about the tun-mtu parameter.
func mtuFromRemoteOptionsString(remoteOpts string) (int, error) {
	for _, opt := range strings.Split(remoteOpts, ",") {
		vals := strings.Split(opt, " ")
		if len(vals) < 2 {
			continue
		}
		if vals[0] == "tun-mtu" {
			return strconv.Atoi(vals[1])
		}
	}
	return 0, nil
}

// UpdateTunnelInfo merges the information parsed from the push reply.
func (m *Manager) UpdateTunnelInfo(ti *model.TunnelInfo) {
	defer m.mu.Unlock()
	m.mu.Lock()

	mtu := m.tunnelInfo.MTU
	m.tunnelInfo = *ti
	if ti.MTU == 0 {
		m.tunnelInfo.MTU = mtu
	}

	m.logger.Infof("Tunnel IP: %s", ti.IP)
	m.logger.Infof("Gateway IP: %s", ti.GW)
	m.logger.Infof("Peer ID: %d", ti.PeerID)
}

// TunnelInfo returns a copy of the current TunnelInfo.
func (m *Manager) TunnelInfo() model.TunnelInfo {
	defer m.mu.Unlock()
	m.mu.Lock()
	return m.tunnelInfo
}

// CanRebindLink returns whether link rebinding is permitted, that is,
// whether the last push reply carried a peer-id.
func (m *Manager) CanRebindLink() bool {
	defer m.mu.Unlock()
	m.mu.Lock()
	return m.tunnelInfo.HasPeerID()
}

// OnIncomingPacket records the instant of the last packet seen from the
// remote, for liveness bookkeeping.
func (m *Manager) OnIncomingPacket() {
	defer m.mu.Unlock()
	m.mu.Lock()
	m.lastIncoming = time.Now()
}

// OnOutgoingData records the instant of the last data packet we sent.
func (m *Manager) OnOutgoingData() {
	defer m.mu.Unlock()
	m.mu.Lock()
	m.lastOutgoing = time.Now()
}

// LastIncoming returns the instant of the last packet from the remote.
func (m *Manager) LastIncoming() time.Time {
	defer m.mu.Unlock()
	m.mu.Lock()
	return m.lastIncoming
}

// LastOutgoing returns the instant of the last data packet we sent.
func (m *Manager) LastOutgoing() time.Time {
	defer m.mu.Unlock()
	m.mu.Lock()
	return m.lastOutgoing
}

// Events returns the channel where the session posts its typed events.
func (m *Manager) Events() <-chan model.Event {
	return m.events
}

// EmitEvent posts an event without ever blocking the protocol stack: when
// the owner is not draining the channel and it is full, the new event is
// dropped and logged.
func (m *Manager) EmitEvent(ev model.Event) {
	select {
	case m.events <- ev:
	default:
		m.logger.Warnf("session: dropping event %T", ev)
	}
}

// SetStatus transitions the coarse connection status and emits the
// corresponding event.
func (m *Manager) SetStatus(status model.Status) {
	m.mu.Lock()
	changed := m.status != status
	m.status = status
	m.mu.Unlock()
	if changed {
		m.EmitEvent(model.EventStatusChanged{Status: status})
	}
}

// Status returns the coarse connection status.
func (m *Manager) Status() model.Status {
	defer m.mu.Unlock()
	m.mu.Lock()
	return m.status
}

// Stop latches the stopping flag and emits the final stop event, exactly
// once. A negotiation timeout is recoverable only when we never got past
// the initial hard reset.
func (m *Manager) Stop(reason model.StopReason) {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.stopped = true
		hadKeys := !m.currentKeyID.IsNone()
		inHardReset := !hadKeys && m.negState <= model.S_PRE_START
		m.mu.Unlock()

		shouldReconnect := reason.ShouldReconnect()
		if reason == model.StopNegotiationTimeout && inHardReset {
			shouldReconnect = true
		}

		m.logger.Infof("session stop: %s (reconnect=%v)", reason, shouldReconnect)
		m.SetStatus(model.StatusStopping)
		m.EmitEvent(model.EventStopped{
			Reason:          reason,
			ShouldReconnect: shouldReconnect,
		})
	})
}

// StopForReconnect latches the stopping flag like [Manager.Stop], but
// marks the stop as recoverable so that the owner re-establishes the
// tunnel. Idempotent with respect to Stop.
func (m *Manager) StopForReconnect() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.stopped = true
		m.mu.Unlock()
		m.logger.Info("session stop: reconnect requested")
		m.SetStatus(model.StatusStopping)
		m.EmitEvent(model.EventStopped{
			Reason:          model.StopRequested,
			ShouldReconnect: true,
		})
	})
}

// IsStopping returns whether the stop latch was set.
func (m *Manager) IsStopping() bool {
	defer m.mu.Unlock()
	m.mu.Lock()
	return m.stopped
}

// Cleanup wipes every key slot. Call after the workers have shut down.
func (m *Manager) Cleanup() {
	defer m.mu.Unlock()
	m.mu.Lock()
	for id, key := range m.keys {
		key.Wipe()
		delete(m.keys, id)
	}
}
