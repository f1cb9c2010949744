package reliabletransport

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ovpnkit/ovpnkit/internal/model"
	"github.com/ovpnkit/ovpnkit/internal/vpntest"
)

// test that we're able to reorder (towards TLS) whatever is received
// (from the muxer).
func TestReliable_Reordering_UP(t *testing.T) {
	type args struct {
		inputSequence  []string
		outputSequence []int
	}

	tests := []struct {
		name string
		args args
	}{
		{
			name: "well-ordered input sequence",
			args: args{
				inputSequence: []string{
					"[1] CONTROL_V1 +1ms",
					"[2] CONTROL_V1 +1ms",
					"[3] CONTROL_V1 +1ms",
					"[4] CONTROL_V1 +1ms",
				},
				outputSequence: []int{1, 2, 3, 4},
			},
		},
		{
			name: "reversed input sequence",
			args: args{
				inputSequence: []string{
					"[4] CONTROL_V1 +1ms",
					"[3] CONTROL_V1 +1ms",
					"[2] CONTROL_V1 +1ms",
					"[1] CONTROL_V1 +1ms",
				},
				outputSequence: []int{1, 2, 3, 4},
			},
		},
		{
			name: "permuted input sequence, longer waits",
			args: args{
				inputSequence: []string{
					"[2] CONTROL_V1 +5ms",
					"[4] CONTROL_V1 +10ms",
					"[3] CONTROL_V1 +1ms",
					"[1] CONTROL_V1 +20ms",
				},
				outputSequence: []int{1, 2, 3, 4},
			},
		},
		{
			name: "duplicates are idempotent",
			args: args{
				inputSequence: []string{
					"[2] CONTROL_V1 +1ms",
					"[2] CONTROL_V1 +1ms",
					"[4] CONTROL_V1 +1ms",
					"[4] CONTROL_V1 +1ms",
					"[4] CONTROL_V1 +1ms",
					"[1] CONTROL_V1 +1ms",
					"[3] CONTROL_V1 +1ms",
					"[1] CONTROL_V1 +1ms",
				},
				outputSequence: []int{1, 2, 3, 4},
			},
		},
		{
			name: "acks interspersed",
			args: args{
				inputSequence: []string{
					"[2] CONTROL_V1 +5ms",
					"[4] CONTROL_V1 +2ms",
					"[0] ACK_V1 +1ms",
					"[3] CONTROL_V1 +1ms",
					"[0] ACK_V1 +1ms",
					"[1] CONTROL_V1 +2ms",
				},
				outputSequence: []int{1, 2, 3, 4},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			workersManager, sessionManager := initManagers()
			defer workersManager.StartShutdown()

			// the remote session id is pinned after the hard reset;
			// incoming packets carry it as their local session id
			remoteSessionID := model.SessionID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
			sessionManager.SetRemoteSessionID(remoteSessionID)

			muxerToReliable, reliableToControl, _, _ := startTestService(workersManager, sessionManager)

			writer := vpntest.NewPacketWriter(muxerToReliable)
			writer.LocalSessionID = remoteSessionID
			go writer.WriteSequence(tt.args.inputSequence)

			reader := vpntest.NewPacketReader(reliableToControl)
			if !reader.WaitForNumberOfPackets(len(tt.args.outputSequence), 2*time.Second) {
				t.Fatalf("timeout: got ids %v", reader.ReceivedIDs())
			}
			if diff := cmp.Diff(tt.args.outputSequence, reader.ReceivedIDs()); diff != "" {
				t.Fatal(diff)
			}
		})
	}
}
