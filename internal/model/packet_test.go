package model

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func Test_ParsePacket_RoundTrip_Control(t *testing.T) {
	tests := []struct {
		name   string
		packet *Packet
	}{
		{
			name: "control packet with payload, no acks",
			packet: &Packet{
				Opcode:         P_CONTROL_V1,
				KeyID:          1,
				LocalSessionID: SessionID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08},
				ACKs:           []PacketID{},
				ID:             42,
				Payload:        []byte("this is not a payload"),
			},
		},
		{
			name: "control packet with acks",
			packet: &Packet{
				Opcode:          P_CONTROL_V1,
				KeyID:           7,
				LocalSessionID:  SessionID{0xde, 0xad, 0xbe, 0xef, 0x00, 0x11, 0x22, 0x33},
				ACKs:            []PacketID{11, 12, 13},
				RemoteSessionID: SessionID{0x44, 0x55, 0x66, 0x77, 0x88, 0x99, 0xaa, 0xbb},
				ID:              7,
				Payload:         []byte{0xff},
			},
		},
		{
			name: "hard reset client with empty-ish payload",
			packet: &Packet{
				Opcode:         P_CONTROL_HARD_RESET_CLIENT_V2,
				KeyID:          0,
				LocalSessionID: SessionID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08},
				ACKs:           []PacketID{},
				ID:             0,
				Payload:        []byte{},
			},
		},
		{
			name: "ack packet",
			packet: &Packet{
				Opcode:          P_ACK_V1,
				KeyID:           2,
				LocalSessionID:  SessionID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08},
				ACKs:            []PacketID{1, 2, 3, 4},
				RemoteSessionID: SessionID{0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10},
				ID:              0,
				Payload:         []byte{},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := tt.packet.Bytes()
			if err != nil {
				t.Fatal(err)
			}
			got, err := ParsePacket(raw)
			if err != nil {
				t.Fatal(err)
			}
			diff := cmp.Diff(tt.packet, got,
				cmpopts.EquateEmpty())
			if diff != "" {
				t.Fatal(diff)
			}
		})
	}
}

func Test_ParsePacket_DataV2(t *testing.T) {
	raw := []byte{
		byte(P_DATA_V2)<<3 | 0x03, // opcode 9, key id 3
		0xaa, 0xbb, 0xcc,          // peer id
		0x01, 0x02, 0x03, // ciphertext
	}
	p, err := ParsePacket(raw)
	if err != nil {
		t.Fatal(err)
	}
	if p.Opcode != P_DATA_V2 || p.KeyID != 3 {
		t.Fatalf("got opcode %v keyid %d", p.Opcode, p.KeyID)
	}
	if p.PeerID != (PeerID{0xaa, 0xbb, 0xcc}) {
		t.Fatalf("got peer id %x", p.PeerID)
	}
	if diff := cmp.Diff([]byte{0x01, 0x02, 0x03}, p.Payload); diff != "" {
		t.Fatal(diff)
	}
}

func Test_ParsePacket_DataV1(t *testing.T) {
	raw := []byte{
		byte(P_DATA_V1)<<3 | 0x01,
		0x0a, 0x0b,
	}
	p, err := ParsePacket(raw)
	if err != nil {
		t.Fatal(err)
	}
	if p.Opcode != P_DATA_V1 || p.KeyID != 1 {
		t.Fatalf("got opcode %v keyid %d", p.Opcode, p.KeyID)
	}
}

func Test_ParsePacket_Errors(t *testing.T) {
	if _, err := ParsePacket([]byte{0x01}); !errors.Is(err, ErrPacketTooShort) {
		t.Fatal("expected too-short error")
	}
	// opcode 31 does not exist
	if _, err := ParsePacket([]byte{0xff, 0x00}); !errors.Is(err, ErrUnknownOpcode) {
		t.Fatal("expected unknown-opcode error")
	}
	// control packet with truncated session id
	raw := []byte{byte(P_CONTROL_V1) << 3, 0x01, 0x02}
	if _, err := ParsePacket(raw); !errors.Is(err, ErrParsePacket) {
		t.Fatal("expected parse error")
	}
}

func Test_Opcode_Properties(t *testing.T) {
	if !P_CONTROL_V1.IsControl() || P_CONTROL_V1.IsData() {
		t.Fatal("control v1 misclassified")
	}
	if !P_DATA_V2.IsData() || P_DATA_V2.IsControl() {
		t.Fatal("data v2 misclassified")
	}
	if P_ACK_V1.IsControl() || P_ACK_V1.IsData() {
		t.Fatal("ack misclassified")
	}
}

func Test_PeerID_RoundTrip(t *testing.T) {
	for _, val := range []uint32{0, 1, 42, PeerIDDisabled} {
		if got := NewPeerID(val).Uint32(); got != val {
			t.Fatalf("got %d, want %d", got, val)
		}
	}
}

func Test_NewOpcodeFromString(t *testing.T) {
	op, err := NewOpcodeFromString("CONTROL_V1")
	if err != nil || op != P_CONTROL_V1 {
		t.Fatal("cannot parse CONTROL_V1")
	}
	if _, err := NewOpcodeFromString("NOT_AN_OPCODE"); err == nil {
		t.Fatal("expected error")
	}
}

func Test_IsPing(t *testing.T) {
	if !IsPing(PingPayload) {
		t.Fatal("expected ping match")
	}
	if IsPing([]byte("not a ping")) {
		t.Fatal("unexpected ping match")
	}
}
