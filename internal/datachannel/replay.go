package datachannel

//
// Sliding-window replay protection for data-channel packet ids, one
// window per key and direction. The window covers the last windowSize ids
// behind the highest id seen so far: anything at or below the left edge is
// rejected as stale, duplicates within the window are rejected, and a new
// highest id advances the edge.
//

import (
	"sync"

	"github.com/ovpnkit/ovpnkit/internal/model"
)

// replayWindowSize is the width of the acceptance window, in packet ids.
const replayWindowSize = 128

// blockBits is the size of each bitmap word.
const blockBits = 64

// replayWindow implements the sliding acceptance window. The zero value is
// ready to use. Concurrency safe.
type replayWindow struct {
	mu sync.Mutex

	// highest is the highest packet id accepted so far.
	highest model.PacketID

	// bitmap holds one bit per id in the window, rotating over the
	// blocks as the window advances.
	bitmap [replayWindowSize / blockBits]uint64
}

// Check returns nil and marks the id as seen when the packet id must be
// accepted; it returns errReplayAttack for stale ids and duplicates.
func (w *replayWindow) Check(id model.PacketID) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// id zero is never valid on the data channel
	if id == 0 {
		return errReplayAttack
	}

	if id > w.highest {
		// advance the window, clearing the blocks we slide over
		diff := uint64(id - w.highest)
		if diff >= replayWindowSize {
			w.bitmap = [replayWindowSize / blockBits]uint64{}
		} else {
			// clear the bit slots being reused for the new ids
			for i := uint64(0); i < diff; i++ {
				pos := uint64(w.highest) + 1 + i
				slot := pos / blockBits % uint64(len(w.bitmap))
				bit := pos % blockBits
				w.bitmap[slot] &^= 1 << bit
			}
		}
		w.highest = id
		w.markLocked(id)
		return nil
	}

	// id at or below the left edge of the window: stale
	if uint64(w.highest-id) >= replayWindowSize {
		return errReplayAttack
	}

	// inside the window: reject duplicates
	if w.seenLocked(id) {
		return errReplayAttack
	}
	w.markLocked(id)
	return nil
}

func (w *replayWindow) seenLocked(id model.PacketID) bool {
	slot := uint64(id) / blockBits % uint64(len(w.bitmap))
	bit := uint64(id) % blockBits
	return w.bitmap[slot]&(1<<bit) != 0
}

func (w *replayWindow) markLocked(id model.PacketID) {
	slot := uint64(id) / blockBits % uint64(len(w.bitmap))
	bit := uint64(id) % blockBits
	w.bitmap[slot] |= 1 << bit
}
