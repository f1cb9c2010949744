package datachannel

import (
	"hash"
	"math"
	"sync"

	"github.com/ovpnkit/ovpnkit/internal/model"
)

// keySlot holds one of the derived local or remote keys.
type keySlot [64]byte

// dataChannelState is the per-key cipher state: one instance per
// negotiated key id.
type dataChannelState struct {
	// keyID is the 3-bit id this state belongs to.
	keyID uint8

	dataCipher dataCipher

	// outgoing and incoming HMACs for CBC Encrypt-Then-MAC.
	hmacLocal  hash.Hash
	hmacRemote hash.Hash

	cipherKeyLocal  keySlot
	cipherKeyRemote keySlot
	hmacKeyLocal    keySlot
	hmacKeyRemote   keySlot

	// peerID is stamped into every outgoing P_DATA_V2 frame.
	peerID model.PeerID

	// localPacketID is the counter for outgoing data packets under this
	// key. The reference server misbehaves when we start at zero.
	localPacketID model.PacketID

	// replay is the inbound acceptance window for this key.
	replay *replayWindow

	hash func() hash.Hash
	mu   sync.Mutex
}

func newDataChannelState(keyID uint8) *dataChannelState {
	return &dataChannelState{
		keyID:         keyID,
		localPacketID: 1,
		replay:        &replayWindow{},
	}
}

// NextPacketID returns a unique packet id for the data channel under this
// key, and an error when the counter would overflow.
func (dcs *dataChannelState) NextPacketID() (model.PacketID, error) {
	dcs.mu.Lock()
	defer dcs.mu.Unlock()
	pid := dcs.localPacketID
	if pid == math.MaxUint32 {
		// we reached the max packetID, increment will overflow
		return 0, errExpiredKey
	}
	dcs.localPacketID++
	return pid, nil
}

// Wipe zeroes the derived key material.
func (dcs *dataChannelState) Wipe() {
	dcs.mu.Lock()
	defer dcs.mu.Unlock()
	for _, slot := range []*keySlot{
		&dcs.cipherKeyLocal, &dcs.cipherKeyRemote,
		&dcs.hmacKeyLocal, &dcs.hmacKeyRemote,
	} {
		for i := range slot {
			slot[i] = 0
		}
	}
	dcs.hmacLocal = nil
	dcs.hmacRemote = nil
	dcs.dataCipher = nil
	dcs.replay = nil
}
