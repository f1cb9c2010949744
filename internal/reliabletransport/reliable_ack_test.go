package reliabletransport

import (
	"testing"
	"time"

	"github.com/ovpnkit/ovpnkit/internal/model"
	"github.com/ovpnkit/ovpnkit/internal/vpntest"
)

// test that sending a packet and receiving the matching ACK removes it
// from the retransmission set, and that unacked packets are retransmitted.
func TestReliable_ACKRemovesFromRetransmission(t *testing.T) {
	workersManager, sessionManager := initManagers()
	defer workersManager.StartShutdown()

	remoteSessionID := model.SessionID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	sessionManager.SetRemoteSessionID(remoteSessionID)

	muxerToReliable, _, dataOrControlToMuxer, controlToReliable := startTestService(workersManager, sessionManager)

	// create an outgoing control packet with id 1
	packet, err := sessionManager.NewPacket(model.P_CONTROL_V1, []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	// the first id is 0; bump to a known value for clarity
	packet.ID = 1
	controlToReliable <- packet

	// the packet flows down to the muxer
	reader := vpntest.NewPacketReader(dataOrControlToMuxer)
	if !reader.WaitForNumberOfPackets(1, time.Second) {
		t.Fatal("packet was not sent")
	}

	// deliver an ACK for id 1 from the remote
	writer := vpntest.NewPacketWriter(muxerToReliable)
	writer.LocalSessionID = remoteSessionID
	writer.WriteSequence([]string{"[0] ACK_V1 (ack:1) +1ms"})

	// after the ACK the packet must not be retransmitted: wait past the
	// initial retransmission interval and check nothing else came down
	select {
	case extra := <-dataOrControlToMuxer:
		t.Fatalf("unexpected retransmission: id %d", extra.ID)
	case <-time.After(time.Duration(INITIAL_TLS_TIMEOUT_SECONDS+1) * time.Second):
	}
}

// an unacked packet is retransmitted after the initial timeout.
func TestReliable_RetransmitsWithoutACK(t *testing.T) {
	workersManager, sessionManager := initManagers()
	defer workersManager.StartShutdown()

	remoteSessionID := model.SessionID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	sessionManager.SetRemoteSessionID(remoteSessionID)

	_, _, dataOrControlToMuxer, controlToReliable := startTestService(workersManager, sessionManager)

	packet, err := sessionManager.NewPacket(model.P_CONTROL_V1, []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	packet.ID = 1
	controlToReliable <- packet

	// we should observe the original transmission plus at least one
	// retransmission within a couple of intervals
	reader := vpntest.NewPacketReader(dataOrControlToMuxer)
	if !reader.WaitForNumberOfPackets(2, time.Duration(INITIAL_TLS_TIMEOUT_SECONDS*3)*time.Second) {
		t.Fatal("expected a retransmission")
	}
	for _, p := range reader.Received() {
		if p.ID != 1 {
			t.Fatalf("unexpected packet id %d", p.ID)
		}
	}
}

// incoming packets are acknowledged with standalone ACKs when there is
// nothing to piggyback them on.
func TestReliable_StandaloneACKs(t *testing.T) {
	workersManager, sessionManager := initManagers()
	defer workersManager.StartShutdown()

	remoteSessionID := model.SessionID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	sessionManager.SetRemoteSessionID(remoteSessionID)

	muxerToReliable, reliableToControl, dataOrControlToMuxer, _ := startTestService(workersManager, sessionManager)

	writer := vpntest.NewPacketWriter(muxerToReliable)
	writer.LocalSessionID = remoteSessionID
	go writer.WriteSequence([]string{
		"[1] CONTROL_V1 +1ms",
		"[2] CONTROL_V1 +1ms",
	})

	// drain the packets moving up
	reader := vpntest.NewPacketReader(reliableToControl)
	if !reader.WaitForNumberOfPackets(2, time.Second) {
		t.Fatal("packets did not move up")
	}

	// with nothing in flight, the sender must emit standalone ACKs
	// covering ids 1 and 2
	acked := map[model.PacketID]bool{}
	deadline := time.After(2 * time.Second)
	for len(acked) < 2 {
		select {
		case p := <-dataOrControlToMuxer:
			if p.Opcode != model.P_ACK_V1 {
				t.Fatalf("expected ACK, got %s", p.Opcode)
			}
			for _, id := range p.ACKs {
				acked[id] = true
			}
		case <-deadline:
			t.Fatalf("timeout waiting for ACKs, got %v", acked)
		}
	}
	if !acked[1] || !acked[2] {
		t.Fatalf("missing acks: %v", acked)
	}
}
