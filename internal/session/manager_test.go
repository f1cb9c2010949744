package session

import (
	"testing"
	"time"

	"github.com/apex/log"

	"github.com/ovpnkit/ovpnkit/internal/model"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(log.Log, 0)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func Test_NewManager_InitialState(t *testing.T) {
	m := newTestManager(t)
	if len(m.LocalSessionID()) != 8 {
		t.Fatal("expected 8-byte local session id")
	}
	if m.IsRemoteSessionIDSet() {
		t.Fatal("remote session id should not be set")
	}
	if m.CurrentKeyID() != 0 {
		t.Fatal("expected key id 0")
	}
	if !m.IsKnownKeyID(0) {
		t.Fatal("key slot 0 must exist")
	}
	if m.IsKnownKeyID(1) {
		t.Fatal("key slot 1 must not exist yet")
	}
}

func Test_SetRemoteSessionID_PinsOnce(t *testing.T) {
	m := newTestManager(t)
	remote := model.SessionID{1, 2, 3, 4, 5, 6, 7, 8}
	m.SetRemoteSessionID(remote)
	if !m.IsRemoteSessionIDSet() {
		t.Fatal("remote session id should be set")
	}
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on second SetRemoteSessionID")
		}
	}()
	m.SetRemoteSessionID(remote)
}

func Test_NewACKForPacket_RequiresRemoteSessionID(t *testing.T) {
	m := newTestManager(t)
	packet := model.NewPacket(model.P_CONTROL_V1, 0, nil)
	if _, err := m.NewACKForPacket(packet); err != ErrNoRemoteSessionID {
		t.Fatalf("got %v", err)
	}
	m.SetRemoteSessionID(model.SessionID{1, 2, 3, 4, 5, 6, 7, 8})
	ack, err := m.NewACKForPacket(packet)
	if err != nil {
		t.Fatal(err)
	}
	if ack.Opcode != model.P_ACK_V1 || len(ack.ACKs) != 1 {
		t.Fatal("malformed ack")
	}
}

func Test_NewPacket_SequentialControlIDs(t *testing.T) {
	m := newTestManager(t)
	for want := 0; want < 4; want++ {
		p, err := m.NewPacket(model.P_CONTROL_V1, nil)
		if err != nil {
			t.Fatal(err)
		}
		if int(p.ID) != want {
			t.Fatalf("got id %d, want %d", p.ID, want)
		}
	}
}

func Test_StartSoftReset_KeyIDAllocation(t *testing.T) {
	m := newTestManager(t)

	// key ids wrap within 1..7: zero is reserved for the hard reset
	wantSequence := []uint8{1, 2, 3, 4, 5, 6, 7, 1, 2}
	for _, want := range wantSequence {
		dck, err := m.StartSoftReset()
		if err != nil {
			t.Fatal(err)
		}
		if dck.ID() != want {
			t.Fatalf("got key id %d, want %d", dck.ID(), want)
		}
		if !dck.IsSoftReset() {
			t.Fatal("expected soft reset key")
		}
		if m.NegotiationState() != model.S_INITIAL {
			t.Fatal("soft reset must rewind the negotiation state")
		}
	}
}

func Test_KeyPromotion_RetiresOneGeneration(t *testing.T) {
	m := newTestManager(t)

	// first negotiation completes on key 0
	m.SetNegotiationState(model.S_GENERATED_KEYS)
	<-m.Ready
	if _, ok := m.OldKeyID(); ok {
		t.Fatal("no old key expected after the first generation")
	}

	// renegotiate on key 1: key 0 becomes old
	if _, err := m.StartSoftReset(); err != nil {
		t.Fatal(err)
	}
	m.SetNegotiationState(model.S_GENERATED_KEYS)
	old, ok := m.OldKeyID()
	if !ok || old != 0 {
		t.Fatalf("got old key %d %v", old, ok)
	}
	if !m.IsKnownKeyID(0) || !m.IsKnownKeyID(1) {
		t.Fatal("both generations must be resolvable")
	}

	// renegotiate on key 2: key 0 is dropped, key 1 becomes old
	if _, err := m.StartSoftReset(); err != nil {
		t.Fatal(err)
	}
	m.SetNegotiationState(model.S_GENERATED_KEYS)
	if m.IsKnownKeyID(0) {
		t.Fatal("key 0 must have been dropped")
	}
	old, ok = m.OldKeyID()
	if !ok || old != 1 {
		t.Fatalf("got old key %d %v", old, ok)
	}
}

func Test_ShouldRenegotiate(t *testing.T) {
	m, err := NewManager(log.Log, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if m.ShouldRenegotiate(time.Now()) {
		t.Fatal("must not renegotiate before keys are generated")
	}
	m.SetNegotiationState(model.S_GENERATED_KEYS)
	<-m.Ready
	if m.ShouldRenegotiate(time.Now()) {
		t.Fatal("must not renegotiate right away")
	}
	if !m.ShouldRenegotiate(time.Now().Add(2 * time.Second)) {
		t.Fatal("must renegotiate after the interval")
	}
}

func Test_NegotiationExpired(t *testing.T) {
	m := newTestManager(t)
	m.SetNegotiationState(model.S_PRE_START)
	if m.NegotiationExpired(time.Now(), time.Minute) {
		t.Fatal("fresh negotiation cannot be expired")
	}
	if !m.NegotiationExpired(time.Now().Add(2*time.Minute), time.Minute) {
		t.Fatal("expected expiry")
	}
	m.SetNegotiationState(model.S_GENERATED_KEYS)
	<-m.Ready
	if m.NegotiationExpired(time.Now().Add(time.Hour), time.Minute) {
		t.Fatal("generated keys cannot expire the negotiation")
	}
}

func Test_CanRebindLink_RequiresPeerID(t *testing.T) {
	m := newTestManager(t)
	if m.CanRebindLink() {
		t.Fatal("rebind must be gated on the peer id")
	}
	ti := model.NewTunnelInfo()
	ti.PeerID = 7
	m.UpdateTunnelInfo(ti)
	if !m.CanRebindLink() {
		t.Fatal("rebind must be possible with a peer id")
	}
}

func Test_Stop_IsIdempotentAndClassifies(t *testing.T) {
	m := newTestManager(t)
	m.Stop(model.StopNegotiationTimeout)
	m.Stop(model.StopBadCredentials) // ignored: latch is set

	if !m.IsStopping() {
		t.Fatal("expected stopping latch")
	}

	var stopped []model.EventStopped
	for done := false; !done; {
		select {
		case ev := <-m.Events():
			if s, ok := ev.(model.EventStopped); ok {
				stopped = append(stopped, s)
			}
		default:
			done = true
		}
	}
	if len(stopped) != 1 {
		t.Fatalf("expected exactly one stop event, got %d", len(stopped))
	}
	// a negotiation timeout during the hard reset is recoverable
	if stopped[0].Reason != model.StopNegotiationTimeout || !stopped[0].ShouldReconnect {
		t.Fatalf("got %+v", stopped[0])
	}
}

func Test_Stop_NegotiationTimeoutAfterKeys(t *testing.T) {
	m := newTestManager(t)
	m.SetNegotiationState(model.S_GENERATED_KEYS)
	<-m.Ready
	m.Stop(model.StopNegotiationTimeout)
	for {
		ev := <-m.Events()
		if s, ok := ev.(model.EventStopped); ok {
			if s.ShouldReconnect {
				t.Fatal("timeout after keys must not reconnect")
			}
			return
		}
	}
}

func Test_Cleanup_WipesKeys(t *testing.T) {
	m := newTestManager(t)
	dck, err := m.ActiveKey()
	if err != nil {
		t.Fatal(err)
	}
	local := dck.Local().PreMaster()
	m.Cleanup()
	for i, b := range local {
		if b != 0 {
			t.Fatalf("pre-master byte %d not scrubbed", i)
		}
	}
	if m.IsKnownKeyID(0) {
		t.Fatal("key slots must be gone after cleanup")
	}
}
