package packetmuxer

import (
	"testing"
	"time"

	"github.com/apex/log"

	"github.com/ovpnkit/ovpnkit/internal/model"
	"github.com/ovpnkit/ovpnkit/internal/session"
	"github.com/ovpnkit/ovpnkit/internal/workers"
	"github.com/ovpnkit/ovpnkit/pkg/config"
)

type muxerHarness struct {
	workers        *workers.Manager
	session        *session.Manager
	networkToMuxer chan []byte
	muxerToNetwork chan []byte
	toReliable     chan *model.Packet
	toData         chan *model.Packet
	hardReset      chan any
}

func newMuxerHarness(t *testing.T, opts *config.OpenVPNOptions) *muxerHarness {
	t.Helper()
	w := workers.NewManager(log.Log)
	s, err := session.NewManager(log.Log, 0)
	if err != nil {
		t.Fatal(err)
	}

	svc := &Service{
		HardReset:            make(chan any, 1),
		DataOrControlToMuxer: make(chan *model.Packet, 16),
		NetworkToMuxer:       make(chan []byte, 16),
	}
	notifyTLS := make(chan *model.Notification, 4)
	svc.NotifyTLS = &notifyTLS
	toReliable := make(chan *model.Packet, 16)
	svc.MuxerToReliable = &toReliable
	toData := make(chan *model.Packet, 16)
	svc.MuxerToData = &toData
	muxerToNetwork := make(chan []byte, 16)
	svc.MuxerToNetwork = &muxerToNetwork

	cfg := config.NewConfig(
		config.WithOpenVPNOptions(opts),
		config.WithLogger(log.Log),
	)
	svc.StartWorkers(cfg, w, s)

	return &muxerHarness{
		workers:        w,
		session:        s,
		networkToMuxer: svc.NetworkToMuxer,
		muxerToNetwork: muxerToNetwork,
		toReliable:     toReliable,
		toData:         toData,
		hardReset:      svc.HardReset,
	}
}

// serverHardReset builds a serialized P_CONTROL_HARD_RESET_SERVER_V2 as
// the server would send it.
func serverHardReset(t *testing.T, sid model.SessionID) []byte {
	t.Helper()
	p := model.NewPacket(model.P_CONTROL_HARD_RESET_SERVER_V2, 0, nil)
	p.LocalSessionID = sid
	raw, err := p.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func waitForStop(t *testing.T, h *muxerHarness, want model.StopReason) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-h.session.Events():
			if stopped, ok := ev.(model.EventStopped); ok {
				if stopped.Reason != want {
					t.Fatalf("got stop reason %s, want %s", stopped.Reason, want)
				}
				return
			}
		case <-deadline:
			t.Fatal("timeout waiting for stop event")
		}
	}
}

func Test_Muxer_HardResetHandshake(t *testing.T) {
	h := newMuxerHarness(t, &config.OpenVPNOptions{Cipher: "AES-128-GCM", Auth: "SHA1"})
	defer h.workers.StartShutdown()

	h.hardReset <- true

	// the muxer emits the client hard reset
	select {
	case raw := <-h.muxerToNetwork:
		p, err := model.ParsePacket(raw)
		if err != nil {
			t.Fatal(err)
		}
		if p.Opcode != model.P_CONTROL_HARD_RESET_CLIENT_V2 {
			t.Fatalf("got %s", p.Opcode)
		}
	case <-time.After(time.Second):
		t.Fatal("no hard reset emitted")
	}

	// the server answers: the remote session id gets pinned and an ACK
	// goes out
	serverSID := model.SessionID{9, 9, 9, 9, 9, 9, 9, 9}
	h.networkToMuxer <- serverHardReset(t, serverSID)

	select {
	case raw := <-h.muxerToNetwork:
		p, err := model.ParsePacket(raw)
		if err != nil {
			t.Fatal(err)
		}
		if p.Opcode != model.P_ACK_V1 {
			t.Fatalf("got %s", p.Opcode)
		}
	case <-time.After(time.Second):
		t.Fatal("no ack emitted")
	}

	if h.session.RemoteSessionID() == nil {
		t.Fatal("remote session id not pinned")
	}
	if h.session.NegotiationState() != model.S_START {
		t.Fatalf("got state %s", h.session.NegotiationState())
	}
}

func Test_Muxer_StaleSession(t *testing.T) {
	h := newMuxerHarness(t, &config.OpenVPNOptions{Cipher: "AES-128-GCM", Auth: "SHA1"})
	defer h.workers.StartShutdown()

	// negotiation has advanced past the hard reset
	h.session.SetRemoteSessionID(model.SessionID{9, 9, 9, 9, 9, 9, 9, 9})
	h.session.SetNegotiationState(model.S_ACTIVE)

	// a second server hard reset now is fatal
	h.networkToMuxer <- serverHardReset(t, model.SessionID{9, 9, 9, 9, 9, 9, 9, 9})
	waitForStop(t, h, model.StopStaleSession)
}

func Test_Muxer_SessionMismatch(t *testing.T) {
	h := newMuxerHarness(t, &config.OpenVPNOptions{Cipher: "AES-128-GCM", Auth: "SHA1"})
	defer h.workers.StartShutdown()

	h.session.SetRemoteSessionID(model.SessionID{9, 9, 9, 9, 9, 9, 9, 9})
	h.session.SetNegotiationState(model.S_ACTIVE)

	// a control packet with a diverging session id is fatal
	p := model.NewPacket(model.P_CONTROL_V1, 0, []byte("payload"))
	p.LocalSessionID = model.SessionID{1, 1, 1, 1, 1, 1, 1, 1}
	p.ID = 1
	raw, err := p.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	h.networkToMuxer <- raw
	waitForStop(t, h, model.StopSessionMismatch)
}

func Test_Muxer_MissingSessionID(t *testing.T) {
	h := newMuxerHarness(t, &config.OpenVPNOptions{Cipher: "AES-128-GCM", Auth: "SHA1"})
	defer h.workers.StartShutdown()

	// a control packet before any hard reset is fatal
	p := model.NewPacket(model.P_CONTROL_V1, 0, []byte("payload"))
	p.ID = 1
	raw, err := p.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	h.networkToMuxer <- raw
	waitForStop(t, h, model.StopMissingSessionID)
}

func Test_Muxer_BadKeyID(t *testing.T) {
	h := newMuxerHarness(t, &config.OpenVPNOptions{Cipher: "AES-128-GCM", Auth: "SHA1"})
	defer h.workers.StartShutdown()

	// a data packet referencing an unknown key id is fatal
	raw := []byte{byte(model.P_DATA_V2)<<3 | 0x05, 0x00, 0x00, 0x01, 0xff, 0xff}
	h.networkToMuxer <- raw
	waitForStop(t, h, model.StopBadKey)
}

func Test_Muxer_MalformedPacketIsDropped(t *testing.T) {
	h := newMuxerHarness(t, &config.OpenVPNOptions{Cipher: "AES-128-GCM", Auth: "SHA1"})
	defer h.workers.StartShutdown()

	// unknown opcode: dropped with a warning, never fatal
	h.networkToMuxer <- []byte{0xff, 0x00}

	// a known data packet for key 0 still flows afterwards
	raw := []byte{byte(model.P_DATA_V2) << 3, 0x00, 0x00, 0x01, 0xff, 0xff}
	h.networkToMuxer <- raw
	select {
	case p := <-h.toData:
		if p.Opcode != model.P_DATA_V2 {
			t.Fatalf("got %s", p.Opcode)
		}
	case <-time.After(time.Second):
		t.Fatal("data packet did not flow after the malformed one")
	}
	if h.session.IsStopping() {
		t.Fatal("malformed packet must not stop the session")
	}
}
