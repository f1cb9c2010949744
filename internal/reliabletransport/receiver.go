package reliabletransport

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/ovpnkit/ovpnkit/internal/model"
	"github.com/ovpnkit/ovpnkit/internal/optional"
)

// moveUpWorker moves packets up the stack (receiver).
func (ws *workersState) moveUpWorker() {
	workerName := fmt.Sprintf("%s: moveUpWorker", serviceName)

	defer func() {
		ws.workersManager.OnWorkerDone(workerName)
		ws.workersManager.StartShutdown()
	}()

	ws.logger.Debugf("%s: started", workerName)

	receiver := newReliableReceiver(ws.logger, ws.incomingSeen)

	for {
		// POSSIBLY BLOCK reading a packet to move up the stack
		// or POSSIBLY BLOCK waiting for notifications
		select {
		case packet := <-ws.muxerToReliable:
			packet.Log(ws.logger, model.DirectionIncoming)

			// sanity check: the packet must address our session. The
			// muxer shuts the session down on real mismatches; this
			// is a second line of defense that only drops.
			if !bytes.Equal(packet.LocalSessionID[:], ws.sessionManager.RemoteSessionID()) {
				ws.logger.Warnf(
					"%s: packet with invalid RemoteSessionID: expected %x; got %x",
					workerName,
					ws.sessionManager.RemoteSessionID(),
					packet.LocalSessionID,
				)
				continue
			}

			// notify the sender: it needs to know about the ACKs this
			// packet carries and, unless this packet is a duplicate or
			// out-of-window, about the id it needs to acknowledge.
			seenPacket, shouldDrop := receiver.newIncomingPacketSeen(packet)
			select {
			case ws.incomingSeen <- seenPacket:
			case <-ws.workersManager.ShouldShutdown():
				return
			}
			if shouldDrop {
				ws.logger.Debugf("%s: dropping already-consumed packet id %v", workerName, packet.ID)
				continue
			}

			// ACK packets carry no payload and do not enter the
			// reordering queue.
			if packet.Opcode == model.P_ACK_V1 {
				continue
			}

			if inserted := receiver.MaybeInsertIncoming(packet); !inserted {
				// this packet was not inserted in the queue: drop it
				continue
			}

			ready := receiver.NextIncomingSequence()
			for _, nextPacket := range ready {
				// POSSIBLY BLOCK delivering to the upper layer
				select {
				case ws.reliableToControl <- nextPacket.Packet():
				case <-ws.workersManager.ShouldShutdown():
					return
				}
			}

		case <-ws.workersManager.ShouldShutdown():
			return
		}
	}
}

//
// incomingPacketHandler implementation.
//

// reliableReceiver is the receiver part that sees incoming packets moving
// up the stack. Use the constructor [newReliableReceiver].
type reliableReceiver struct {
	// logger is the logger to use.
	logger model.Logger

	// incomingPackets are packets to process (reorder) before they are
	// passed to the TLS layer.
	incomingPackets incomingSequence

	// incomingSeen is a channel where we send notifications for incoming
	// packets seen by us.
	incomingSeen chan<- incomingPacketSeen

	// lastConsumed is the last [model.PacketID] that we have passed to
	// the control layer above us.
	lastConsumed model.PacketID
}

func newReliableReceiver(logger model.Logger, i chan incomingPacketSeen) *reliableReceiver {
	return &reliableReceiver{
		logger:          logger,
		incomingPackets: []sequentialPacket{},
		incomingSeen:    i,
		lastConsumed:    0,
	}
}

// MaybeInsertIncoming implements incomingPacketHandler.
func (r *reliableReceiver) MaybeInsertIncoming(p *model.Packet) bool {
	// drop if at capacity
	if len(r.incomingPackets) >= RELIABLE_RECV_BUFFER_SIZE {
		r.logger.Warnf("dropping packet, buffer full with len %v", len(r.incomingPackets))
		return false
	}

	// drop duplicates already sitting in the queue
	for _, queued := range r.incomingPackets {
		if queued.ID() == p.ID {
			r.logger.Debugf("duplicate packet id %v", p.ID)
			return false
		}
	}

	r.incomingPackets = append(r.incomingPackets, &incomingPacket{p})
	return true
}

// NextIncomingSequence implements incomingPacketHandler. It returns the
// in-order contiguous prefix that becomes newly deliverable.
func (r *reliableReceiver) NextIncomingSequence() incomingSequence {
	last := r.lastConsumed
	ready := make([]sequentialPacket, 0, RELIABLE_RECV_BUFFER_SIZE)

	// sort so that we begin with the lower packet ids
	sort.Sort(r.incomingPackets)
	keep := r.incomingPackets[:0]

	for i, p := range r.incomingPackets {
		if p.ID()-last == 1 {
			ready = append(ready, p)
			last += 1
		} else if p.ID() > last {
			// here we broke sequentiality, but we want to drop
			// anything that is below lastConsumed
			keep = append(keep, r.incomingPackets[i:]...)
			break
		}
	}
	r.lastConsumed = last
	r.incomingPackets = keep
	return ready
}

// newIncomingPacketSeen produces the notification for the sender, and a
// boolean telling the caller to drop the packet because we have already
// consumed it.
func (r *reliableReceiver) newIncomingPacketSeen(p *model.Packet) (incomingPacketSeen, bool) {
	shouldDrop := false
	seen := incomingPacketSeen{
		id:   optional.None[model.PacketID](),
		acks: optional.None[[]model.PacketID](),
	}
	if len(p.ACKs) > 0 {
		seen.acks = optional.Some(p.ACKs)
	}
	if p.Opcode != model.P_ACK_V1 {
		if p.ID > 0 && p.ID <= r.lastConsumed {
			// stale: the remote did not get our ack yet; we still
			// want to re-ack it, hence we pass the id along.
			shouldDrop = true
		}
		seen.id = optional.Some(p.ID)
	}
	return seen, shouldDrop
}

var _ incomingPacketHandler = &reliableReceiver{}
