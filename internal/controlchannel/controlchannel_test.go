package controlchannel

import (
	"bytes"
	"testing"
	"time"

	"github.com/apex/log"

	"github.com/ovpnkit/ovpnkit/internal/model"
	"github.com/ovpnkit/ovpnkit/internal/session"
	"github.com/ovpnkit/ovpnkit/internal/workers"
)

func Test_chunkPayload(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		maxSize int
		want    []int
	}{
		{"fits in one packet", 100, 1000, []int{100}},
		{"exact fit", 1000, 1000, []int{1000}},
		{"split in two", 1001, 1000, []int{1000, 1}},
		{"split in many", 2500, 1000, []int{1000, 1000, 500}},
		{"bad max size falls back", 100, 0, []int{100}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := bytes.Repeat([]byte{0xaa}, tt.size)
			chunks := chunkPayload(payload, tt.maxSize)
			if len(chunks) != len(tt.want) {
				t.Fatalf("got %d chunks, want %d", len(chunks), len(tt.want))
			}
			total := 0
			for i, chunk := range chunks {
				if len(chunk) != tt.want[i] {
					t.Fatalf("chunk %d has %d bytes, want %d", i, len(chunk), tt.want[i])
				}
				total += len(chunk)
			}
			if total != tt.size {
				t.Fatalf("chunks lose bytes: %d != %d", total, tt.size)
			}
		})
	}
}

func newTestService(t *testing.T) (*Service, *workers.Manager, *session.Manager,
	chan *model.Packet, chan *model.Packet, chan []byte, chan []byte, chan *model.Notification) {
	t.Helper()
	w := workers.NewManager(log.Log)
	s, err := session.NewManager(log.Log, 0)
	if err != nil {
		t.Fatal(err)
	}

	svc := &Service{}
	notifyTLS := make(chan *model.Notification, 4)
	svc.NotifyTLS = &notifyTLS
	controlToReliable := make(chan *model.Packet, 16)
	svc.ControlToReliable = &controlToReliable
	reliableToControl := make(chan *model.Packet, 16)
	svc.ReliableToControl = reliableToControl
	tlsRecordToControl := make(chan []byte, 16)
	svc.TLSRecordToControl = tlsRecordToControl
	tlsRecordFromControl := make(chan []byte, 16)
	svc.TLSRecordFromControl = &tlsRecordFromControl

	svc.StartWorkers(log.Log, w, s, 0)
	return svc, w, s, controlToReliable, reliableToControl, tlsRecordToControl, tlsRecordFromControl, notifyTLS
}

func Test_ControlV1_MovesUpToTLS(t *testing.T) {
	_, w, _, _, reliableToControl, _, tlsRecordFromControl, _ := newTestService(t)
	defer w.StartShutdown()

	payload := []byte("tls record bytes")
	reliableToControl <- &model.Packet{Opcode: model.P_CONTROL_V1, Payload: payload}

	select {
	case got := <-tlsRecordFromControl:
		if !bytes.Equal(got, payload) {
			t.Fatalf("got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}
}

func Test_TLSRecord_MovesDownChunked(t *testing.T) {
	_, w, _, controlToReliable, _, tlsRecordToControl, _, _ := newTestService(t)
	defer w.StartShutdown()

	// with the default link MTU, a 4000-byte record needs chunking
	record := bytes.Repeat([]byte{0xbb}, 4000)
	tlsRecordToControl <- record

	var packets []*model.Packet
	deadline := time.After(time.Second)
	total := 0
	for total < len(record) {
		select {
		case p := <-controlToReliable:
			if p.Opcode != model.P_CONTROL_V1 {
				t.Fatalf("got opcode %v", p.Opcode)
			}
			packets = append(packets, p)
			total += len(p.Payload)
		case <-deadline:
			t.Fatalf("timeout: got %d bytes in %d packets", total, len(packets))
		}
	}
	if len(packets) < 2 {
		t.Fatal("expected the record to be chunked")
	}
	// packet ids must be sequential
	for i := 1; i < len(packets); i++ {
		if packets[i].ID != packets[i-1].ID+1 {
			t.Fatal("non-sequential packet ids")
		}
	}
}

func Test_ServerSoftReset_RequiresGeneratedKeys(t *testing.T) {
	_, w, s, _, reliableToControl, _, _, notifyTLS := newTestService(t)
	defer w.StartShutdown()

	// before keys are generated, a SOFT_RESET is ignored
	reliableToControl <- &model.Packet{Opcode: model.P_CONTROL_SOFT_RESET_V1}
	select {
	case <-notifyTLS:
		t.Fatal("must not notify TLS before keys are generated")
	case <-time.After(50 * time.Millisecond):
	}

	// after keys are generated, it triggers a new negotiation
	s.SetNegotiationState(model.S_GENERATED_KEYS)
	<-s.Ready
	reliableToControl <- &model.Packet{Opcode: model.P_CONTROL_SOFT_RESET_V1}
	select {
	case notif := <-notifyTLS:
		if notif.Flags&model.NotificationReset == 0 {
			t.Fatal("expected reset notification")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for TLS notification")
	}
	if s.CurrentKeyID() != 1 {
		t.Fatalf("got key id %d, want 1", s.CurrentKeyID())
	}
	if s.NegotiationState() != model.S_INITIAL {
		t.Fatal("soft reset must rewind the negotiation")
	}
}
