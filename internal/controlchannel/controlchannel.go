// Package controlchannel implements the control channel logic. The control
// channel sits above the reliable transport and below the TLS layer.
//
// Besides moving TLS records up and down the stack, this layer owns the
// soft renegotiation schedule: it reacts to a server-initiated
// P_CONTROL_SOFT_RESET_V1 and initiates a client-side soft reset when the
// current key has outlived the configured renegotiation interval. In both
// cases the old key keeps handling in-flight data until the new key is
// connected.
package controlchannel

import (
	"fmt"
	"time"

	"github.com/ovpnkit/ovpnkit/internal/model"
	"github.com/ovpnkit/ovpnkit/internal/session"
	"github.com/ovpnkit/ovpnkit/internal/workers"
)

var (
	serviceName = "controlchannel"
)

// renegotiationCheckInterval is how often we check whether the current key
// must be renegotiated.
const renegotiationCheckInterval = time.Second

// controlOverhead is a conservative bound for the control packet header:
// opcode/key-id, session id, ack array with its remote session id, and the
// packet id.
const controlOverhead = 1 + 8 + 1 + 4*4 + 8 + 4

// defaultLinkMTU is used to chunk control payloads when the config does
// not carry an MTU hint.
const defaultLinkMTU = 1350

// Service is the controlchannel service. Make sure you initialize
// the channels before invoking [Service.StartWorkers].
type Service struct {
	// NotifyTLS is the channel that sends notifications up to the TLS layer.
	NotifyTLS *chan *model.Notification

	// ControlToReliable moves packets from us down to the reliable layer.
	ControlToReliable *chan *model.Packet

	// ReliableToControl moves packets up to us from the reliable layer below.
	ReliableToControl chan *model.Packet

	// TLSRecordToControl moves bytes down to us from the TLS layer above.
	TLSRecordToControl chan []byte

	// TLSRecordFromControl moves bytes from us up to the TLS layer above.
	TLSRecordFromControl *chan []byte
}

// StartWorkers starts the control-channel workers.
func (svc *Service) StartWorkers(
	logger model.Logger,
	workersManager *workers.Manager,
	sessionManager *session.Manager,
	linkMTU int,
) {
	if linkMTU <= 0 {
		linkMTU = defaultLinkMTU
	}
	ws := &workersState{
		logger:               logger,
		maxControlPayload:    linkMTU - controlOverhead,
		notifyTLS:            *svc.NotifyTLS,
		controlToReliable:    *svc.ControlToReliable,
		reliableToControl:    svc.ReliableToControl,
		tlsRecordToControl:   svc.TLSRecordToControl,
		tlsRecordFromControl: *svc.TLSRecordFromControl,
		sessionManager:       sessionManager,
		workersManager:       workersManager,
	}
	workersManager.StartWorker(ws.moveUpWorker)
	workersManager.StartWorker(ws.moveDownWorker)
}

// workersState contains the control channel state.
type workersState struct {
	logger               model.Logger
	maxControlPayload    int
	notifyTLS            chan<- *model.Notification
	controlToReliable    chan<- *model.Packet
	reliableToControl    <-chan *model.Packet
	tlsRecordToControl   <-chan []byte
	tlsRecordFromControl chan<- []byte
	sessionManager       *session.Manager
	workersManager       *workers.Manager
}

func (ws *workersState) moveUpWorker() {
	workerName := fmt.Sprintf("%s: moveUpWorker", serviceName)

	defer func() {
		ws.workersManager.OnWorkerDone(workerName)
		ws.workersManager.StartShutdown()
	}()

	ws.logger.Debugf("%s: started", workerName)

	ticker := time.NewTicker(renegotiationCheckInterval)
	defer ticker.Stop()

	for {
		// POSSIBLY BLOCK on reading the packet moving up the stack
		select {
		case packet := <-ws.reliableToControl:
			// route the packets depending on their opcode
			switch packet.Opcode {

			case model.P_CONTROL_SOFT_RESET_V1:
				// We cannot blindly accept SOFT_RESET requests. They only make
				// sense when we have generated keys. Note that a SOFT_RESET
				// rewinds us to the INITIAL state, therefore, we cannot have
				// concurrent resets in place.
				if ws.sessionManager.NegotiationState() < model.S_GENERATED_KEYS {
					continue
				}
				if err := ws.startSoftReset(false); err != nil {
					ws.logger.Warnf("%s: %s", workerName, err.Error())
					return
				}

			case model.P_CONTROL_V1:
				// send the packet to the TLS layer
				select {
				case ws.tlsRecordFromControl <- packet.Payload:
					// nothing

				case <-ws.workersManager.ShouldShutdown():
					return
				}
			}

		case now := <-ticker.C:
			// client-initiated renegotiation: the current key has
			// outlived the configured interval.
			if ws.sessionManager.ShouldRenegotiate(now) {
				if err := ws.startSoftReset(true); err != nil {
					ws.logger.Warnf("%s: %s", workerName, err.Error())
					return
				}
			}

		case <-ws.workersManager.ShouldShutdown():
			return
		}
	}
}

// startSoftReset rewinds the session to negotiate a fresh key. When we are
// the initiating side we also emit the P_CONTROL_SOFT_RESET_V1 packet,
// which travels through the reliable layer like any other control packet.
func (ws *workersState) startSoftReset(clientInitiated bool) error {
	if _, err := ws.sessionManager.StartSoftReset(); err != nil {
		return err
	}

	if clientInitiated {
		packet, err := ws.sessionManager.NewPacket(model.P_CONTROL_SOFT_RESET_V1, nil)
		if err != nil {
			return err
		}
		select {
		case ws.controlToReliable <- packet:
		case <-ws.workersManager.ShouldShutdown():
			return workers.ErrShutdown
		}
	}

	// notify the TLS layer that it should run a new handshake and, if
	// successful, deliver new keys for the data channel
	select {
	case ws.notifyTLS <- &model.Notification{Flags: model.NotificationReset}:
		return nil
	case <-ws.workersManager.ShouldShutdown():
		return workers.ErrShutdown
	}
}

func (ws *workersState) moveDownWorker() {
	workerName := fmt.Sprintf("%s: moveDownWorker", serviceName)

	defer func() {
		ws.workersManager.OnWorkerDone(workerName)
		ws.workersManager.StartShutdown()
	}()

	ws.logger.Debugf("%s: started", workerName)

	for {
		// POSSIBLY BLOCK on reading the TLS record moving down the stack
		select {
		case record := <-ws.tlsRecordToControl:
			// split the record into MTU-sized chunks, each one
			// becoming its own control packet with a sequential id
			for _, chunk := range chunkPayload(record, ws.maxControlPayload) {
				packet, err := ws.sessionManager.NewPacket(model.P_CONTROL_V1, chunk)
				if err != nil {
					ws.logger.Warnf("%s: NewPacket: %s", workerName, err.Error())
					return
				}

				// POSSIBLY BLOCK on sending the packet down the stack
				select {
				case ws.controlToReliable <- packet:
					// nothing

				case <-ws.workersManager.ShouldShutdown():
					return
				}
			}

		case <-ws.workersManager.ShouldShutdown():
			return
		}
	}
}

// chunkPayload splits a logical payload into pieces that fit a control
// packet each once the header overhead is accounted for.
func chunkPayload(payload []byte, maxSize int) [][]byte {
	if maxSize <= 0 {
		maxSize = defaultLinkMTU - controlOverhead
	}
	if len(payload) <= maxSize {
		return [][]byte{payload}
	}
	var chunks [][]byte
	for len(payload) > 0 {
		n := maxSize
		if n > len(payload) {
			n = len(payload)
		}
		chunks = append(chunks, payload[:n])
		payload = payload[n:]
	}
	return chunks
}
