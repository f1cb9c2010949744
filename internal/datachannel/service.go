package datachannel

//
// The datachannel service workers.
//

import (
	"time"

	"github.com/ovpnkit/ovpnkit/internal/model"
	"github.com/ovpnkit/ovpnkit/internal/session"
	"github.com/ovpnkit/ovpnkit/internal/workers"
	"github.com/ovpnkit/ovpnkit/pkg/config"
)

var (
	serviceName = "datachannel"
)

// Service is the datachannel service. Make sure you initialize
// the channels before invoking [Service.StartWorkers].
type Service struct {
	// MuxerToData moves packets up to us from the muxer.
	MuxerToData chan *model.Packet

	// DataOrControlToMuxer moves packets down from us to the muxer.
	DataOrControlToMuxer *chan *model.Packet

	// KeyReady delivers freshly negotiated keys to us.
	KeyReady chan *session.DataChannelKey

	// TUNToData moves tunnel payloads down from the TUN device to us.
	TUNToData chan []byte

	// DataToTUN moves decrypted payloads up from us to the TUN device.
	DataToTUN chan []byte
}

// StartWorkers starts the data-channel workers.
//
// We start three workers:
//
// 1. moveUpWorker BLOCKS on MuxerToData to read a packet coming from the
// muxer and eventually BLOCKS on DataToTUN to deliver it;
//
// 2. moveDownWorker BLOCKS on TUNToData to read a payload and eventually
// BLOCKS on DataOrControlToMuxer to deliver it; it also owns the
// keepalive ping schedule;
//
// 3. keyWorker BLOCKS on KeyReady to read a [session.DataChannelKey] and
// derives the cipher state for its key id.
func (s *Service) StartWorkers(
	cfg *config.Config,
	workersManager *workers.Manager,
	sessionManager *session.Manager,
	dataChannel *DataChannel,
) {
	ws := &workersState{
		logger:               cfg.Logger(),
		workersManager:       workersManager,
		sessionManager:       sessionManager,
		options:              cfg.OpenVPNOptions(),
		keyReady:             s.KeyReady,
		muxerToData:          s.MuxerToData,
		dataOrControlToMuxer: *s.DataOrControlToMuxer,
		dataToTUN:            s.DataToTUN,
		tunToData:            s.TUNToData,
		dataChannel:          dataChannel,
		newKey:               make(chan any, 8),
	}
	workersManager.StartWorker(ws.moveUpWorker)
	workersManager.StartWorker(ws.moveDownWorker)
	workersManager.StartWorker(ws.keyWorker)
}

// workersState contains the data channel worker state.
type workersState struct {
	logger               model.Logger
	workersManager       *workers.Manager
	sessionManager       *session.Manager
	options              *config.OpenVPNOptions
	keyReady             <-chan *session.DataChannelKey
	muxerToData          <-chan *model.Packet
	dataOrControlToMuxer chan<- *model.Packet
	dataToTUN            chan<- []byte
	tunToData            <-chan []byte
	dataChannel          *DataChannel
	newKey               chan any
}

// moveDownWorker moves packets down the stack. It owns the keepalive
// schedule: when the configured (or negotiated) interval elapses with no
// outgoing traffic, it emits the magic ping payload.
func (ws *workersState) moveDownWorker() {
	workerName := serviceName + ": moveDownWorker"

	defer func() {
		ws.workersManager.OnWorkerDone(workerName)
		ws.workersManager.StartShutdown()
	}()

	ws.logger.Debugf("%s: started", workerName)

	// wait for the first key before moving anything
	select {
	case <-ws.newKey:
	case <-ws.workersManager.ShouldShutdown():
		return
	}

	keepalive := ws.keepaliveInterval()
	ticker := time.NewTicker(tickerIntervalFor(keepalive))
	defer ticker.Stop()

	for {
		select {
		case data := <-ws.tunToData:
			packet, err := ws.dataChannel.WritePacket(data)
			if err != nil {
				ws.logger.Warnf("%s: error encrypting: %v", workerName, err)
				continue
			}
			select {
			case ws.dataOrControlToMuxer <- packet:
				ws.sessionManager.OnOutgoingData()
			case <-ws.workersManager.ShouldShutdown():
				return
			}

		case <-ws.newKey:
			// the negotiated interval may have changed
			keepalive = ws.keepaliveInterval()
			ticker.Reset(tickerIntervalFor(keepalive))

		case now := <-ticker.C:
			if keepalive <= 0 {
				continue
			}
			if now.Sub(ws.sessionManager.LastOutgoing()) < keepalive {
				continue
			}
			packet, err := ws.dataChannel.WritePacket(model.PingPayload)
			if err != nil {
				ws.logger.Warnf("%s: cannot encrypt ping: %v", workerName, err)
				continue
			}
			ws.logger.Debug("openvpn-ping: sending keepalive")
			select {
			case ws.dataOrControlToMuxer <- packet:
				ws.sessionManager.OnOutgoingData()
			case <-ws.workersManager.ShouldShutdown():
				return
			}

		case <-ws.workersManager.ShouldShutdown():
			return
		}
	}
}

// keepaliveInterval returns the effective keepalive interval: the value
// negotiated in the push reply overrides the configured one.
func (ws *workersState) keepaliveInterval() time.Duration {
	if pushed := ws.sessionManager.TunnelInfo().PingInterval; pushed > 0 {
		return time.Duration(pushed) * time.Second
	}
	if ws.options.KeepAlive > 0 {
		return time.Duration(ws.options.KeepAlive) * time.Second
	}
	return 0
}

// tickerIntervalFor picks a sensible wakeup period for the keepalive
// checks.
func tickerIntervalFor(keepalive time.Duration) time.Duration {
	if keepalive <= 0 {
		return time.Minute
	}
	return keepalive / 2
}

// moveUpWorker moves packets up the stack.
func (ws *workersState) moveUpWorker() {
	workerName := serviceName + ": moveUpWorker"

	defer func() {
		ws.workersManager.OnWorkerDone(workerName)
		ws.workersManager.StartShutdown()
	}()

	ws.logger.Debugf("%s: started", workerName)

	for {
		select {
		case pkt := <-ws.muxerToData:
			decrypted, err := ws.dataChannel.ReadPacket(pkt)
			if err != nil {
				ws.logger.Warnf("%s: error decrypting: %v", workerName, err)
				continue
			}

			if model.IsPing(decrypted) {
				// the peer is probing us: reply and do not leak the
				// probe to the tunnel
				ws.logger.Debug("openvpn-ping: got probe, replying")
				reply, err := ws.dataChannel.WritePacket(model.PingPayload)
				if err != nil {
					ws.logger.Warnf("%s: cannot encrypt ping reply: %v", workerName, err)
					continue
				}
				select {
				case ws.dataOrControlToMuxer <- reply:
					ws.sessionManager.OnOutgoingData()
				case <-ws.workersManager.ShouldShutdown():
					return
				}
				continue
			}

			select {
			case ws.dataToTUN <- decrypted:
			case <-ws.workersManager.ShouldShutdown():
				return
			}

		case <-ws.workersManager.ShouldShutdown():
			return
		}
	}
}

// keyWorker receives notifications for new negotiated keys.
func (ws *workersState) keyWorker() {
	workerName := serviceName + ": keyWorker"

	defer func() {
		ws.workersManager.OnWorkerDone(workerName)
		ws.workersManager.StartShutdown()
	}()

	ws.logger.Debugf("%s: started", workerName)
	for {
		select {
		case key := <-ws.keyReady:
			if err := ws.dataChannel.SetupKeys(key); err != nil {
				ws.logger.Warnf("%s: error on key derivation: %v", workerName, err)
				continue
			}
			ws.sessionManager.SetNegotiationState(model.S_GENERATED_KEYS)
			select {
			case ws.newKey <- true:
			default:
			}

		case <-ws.workersManager.ShouldShutdown():
			return
		}
	}
}
