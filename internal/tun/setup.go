package tun

import (
	"github.com/ovpnkit/ovpnkit/internal/controlchannel"
	"github.com/ovpnkit/ovpnkit/internal/datachannel"
	"github.com/ovpnkit/ovpnkit/internal/model"
	"github.com/ovpnkit/ovpnkit/internal/networkio"
	"github.com/ovpnkit/ovpnkit/internal/packetmuxer"
	"github.com/ovpnkit/ovpnkit/internal/reliabletransport"
	"github.com/ovpnkit/ovpnkit/internal/runtimex"
	"github.com/ovpnkit/ovpnkit/internal/session"
	"github.com/ovpnkit/ovpnkit/internal/tlssession"
	"github.com/ovpnkit/ovpnkit/internal/workers"
	"github.com/ovpnkit/ovpnkit/pkg/config"
)

// connectChannel connects an existing channel (a "signal" in Qt
// terminology) to a nil pointer to channel (a "slot" in Qt terminology).
func connectChannel[T any](signal chan T, slot **chan T) {
	runtimex.Assert(signal != nil, "signal is nil")
	runtimex.Assert(slot == nil || *slot == nil, "slot or *slot aren't nil")
	*slot = &signal
}

// startWorkers starts all the workers and wires the channels connecting
// the services together, following this layering: networkio ⇄
// packetmuxer ⇄ {reliabletransport ⇄ controlchannel ⇄ tlssession} and
// {datachannel} ⇄ tun.
func startWorkers(
	cfg *config.Config,
	conn networkio.FramingConn,
	sessionManager *session.Manager,
	tunDevice *TUN,
	dataChannel *datachannel.DataChannel,
) *workers.Manager {
	// create a workers manager
	workersManager := workers.NewManager(cfg.Logger())

	// create the networkio service.
	nio := &networkio.Service{
		MuxerToNetwork: make(chan []byte, 1<<5),
		NetworkToMuxer: nil,
	}

	// create the packetmuxer service.
	muxer := &packetmuxer.Service{
		MuxerToReliable:      nil,
		MuxerToData:          nil,
		NotifyTLS:            nil,
		HardReset:            make(chan any, 1),
		DataOrControlToMuxer: make(chan *model.Packet),
		MuxerToNetwork:       nil,
		NetworkToMuxer:       make(chan []byte),
	}

	// connect networkio and packetmuxer
	connectChannel(nio.MuxerToNetwork, &muxer.MuxerToNetwork)
	connectChannel(muxer.NetworkToMuxer, &nio.NetworkToMuxer)

	// create the datachannel service.
	datach := &datachannel.Service{
		MuxerToData:          make(chan *model.Packet),
		DataOrControlToMuxer: nil,
		KeyReady:             make(chan *session.DataChannelKey, 1),
		TUNToData:            tunDevice.tunDown,
		DataToTUN:            tunDevice.tunUp,
	}

	// connect the packetmuxer and the datachannel
	connectChannel(datach.MuxerToData, &muxer.MuxerToData)
	connectChannel(muxer.DataOrControlToMuxer, &datach.DataOrControlToMuxer)

	// create the reliabletransport service.
	rel := &reliabletransport.Service{
		DataOrControlToMuxer: nil,
		ControlToReliable:    make(chan *model.Packet),
		MuxerToReliable:      make(chan *model.Packet),
		ReliableToControl:    nil,
	}

	// connect reliable service and packetmuxer.
	connectChannel(rel.MuxerToReliable, &muxer.MuxerToReliable)
	connectChannel(muxer.DataOrControlToMuxer, &rel.DataOrControlToMuxer)

	// create the controlchannel service.
	ctrl := &controlchannel.Service{
		NotifyTLS:            nil,
		ControlToReliable:    nil,
		ReliableToControl:    make(chan *model.Packet),
		TLSRecordToControl:   make(chan []byte),
		TLSRecordFromControl: nil,
	}

	// connect the reliable service and the controlchannel service
	connectChannel(rel.ControlToReliable, &ctrl.ControlToReliable)
	connectChannel(ctrl.ReliableToControl, &rel.ReliableToControl)

	// create the tlssession service
	tlsx := &tlssession.Service{
		NotifyTLS:     make(chan *model.Notification, 1),
		KeyUp:         nil,
		TLSRecordUp:   make(chan []byte),
		TLSRecordDown: nil,
	}

	// connect the tlssession service and the controlchannel service
	connectChannel(tlsx.NotifyTLS, &ctrl.NotifyTLS)
	connectChannel(tlsx.TLSRecordUp, &ctrl.TLSRecordFromControl)
	connectChannel(ctrl.TLSRecordToControl, &tlsx.TLSRecordDown)
	connectChannel(datach.KeyReady, &tlsx.KeyUp)

	// the packetmuxer notifies the TLS layer on hard resets
	connectChannel(tlsx.NotifyTLS, &muxer.NotifyTLS)

	// start all the workers
	nio.StartWorkers(cfg.Logger(), workersManager, sessionManager, conn)
	muxer.StartWorkers(cfg, workersManager, sessionManager)
	rel.StartWorkers(cfg.Logger(), workersManager, sessionManager,
		cfg.NegotiationTimeout(), conn.IsReliable())
	ctrl.StartWorkers(cfg.Logger(), workersManager, sessionManager,
		cfg.OpenVPNOptions().MTU)
	tlsx.StartWorkers(cfg, workersManager, sessionManager)
	datach.StartWorkers(cfg, workersManager, sessionManager, dataChannel)

	// tell the packetmuxer that it should handshake the VPN connection
	muxer.HardReset <- true
	return workersManager
}
