package reliabletransport

import (
	"fmt"
	"sort"
	"time"

	"github.com/ovpnkit/ovpnkit/internal/model"
	"github.com/ovpnkit/ovpnkit/internal/workers"
)

// moveDownWorker moves packets down the stack (sender). It also implements
// the retransmission and negotiation-timeout logic.
func (ws *workersState) moveDownWorker() {
	workerName := fmt.Sprintf("%s: moveDownWorker", serviceName)

	defer func() {
		ws.workersManager.OnWorkerDone(workerName)
		ws.workersManager.StartShutdown()
	}()

	ws.logger.Debugf("%s: started", workerName)

	sender := newReliableSender(ws.logger, ws.incomingSeen)
	ticker := time.NewTicker(time.Duration(SENDER_TICKER_MS) * time.Millisecond)
	defer ticker.Stop()

	for {
		// POSSIBLY BLOCK reading the next packet we should move down the stack
		select {
		case packet := <-ws.controlToReliable:
			if !sender.TryInsertOutgoingPacket(packet) {
				continue
			}
			// schedule for immediate wakeup so that the ticker fires
			// and sees if there's anything pending to be sent.
			ticker.Reset(time.Nanosecond)

		case seenPacket := <-sender.incomingSeen:
			// possibly evict any acked packet (in the ack array)
			// and add any id to the queue of packets to ack
			sender.OnIncomingPacketSeen(seenPacket)

			// if we received acks but we have nothing pending to
			// send, we need to send a standalone ACK packet now.
			if len(sender.pendingACKsToSend) > 0 && len(sender.inFlight) == 0 {
				if err := ws.doSendStandaloneACKs(sender); err != nil {
					return
				}
			}
			ticker.Reset(time.Nanosecond)

		case <-ticker.C:
			// bail out if the negotiation has been going on for too long
			if ws.sessionManager.NegotiationExpired(time.Now(), ws.negotiationTimeout) {
				ws.logger.Warnf("%s: negotiation timeout", workerName)
				ws.sessionManager.Stop(model.StopNegotiationTimeout)
				return
			}

			// nearestDeadlineTo(now) ensures that we do not receive a
			// time before now, and that increments the passed moment
			// by an epsilon if all deadlines are expired, so it is
			// safe to reset the ticker with that timeout.
			now := time.Now()
			timeout := inflightSequence(sender.inFlight).nearestDeadlineTo(now)
			ticker.Reset(timeout.Sub(now))

			// standalone ACKs go out first: when both data and acks
			// are available, acks take precedence.
			if len(sender.pendingACKsToSend) > 0 {
				if err := ws.doSendStandaloneACKs(sender); err != nil {
					return
				}
			}

			// flush everything ready to be sent, in ascending
			// packet-id order (the in-flight queue is sorted).
			sort.Sort(inflightSequence(sender.inFlight))
			scheduledNow := inflightSequence(sender.inFlight).readyToSend(now)

			for _, p := range scheduledNow {
				if p.retries > 0 && ws.linkReliable {
					// a TCP-like link delivers or dies: keep the
					// packet parked until its ACK arrives
					p.deadline = now.Add(time.Duration(SENDER_TICKER_MS) * time.Millisecond)
					continue
				}
				p.ScheduleForRetransmission(now)

				// piggyback any pending ACKs
				p.packet.ACKs = sender.NextPacketIDsToACK()

				p.packet.Log(ws.logger, model.DirectionOutgoing)
				select {
				case ws.dataOrControlToMuxer <- p.packet:
				case <-ws.workersManager.ShouldShutdown():
					return
				}
			}

		case <-ws.workersManager.ShouldShutdown():
			return
		}
	}
}

// doSendStandaloneACKs drains the pending-ACK queue using dedicated
// P_ACK_V1 packets.
func (ws *workersState) doSendStandaloneACKs(sender *reliableSender) error {
	for len(sender.pendingACKsToSend) > 0 {
		ids := sender.NextPacketIDsToACK()
		ACK, err := ws.sessionManager.NewACKForPacketIDs(ids)
		if err != nil {
			ws.logger.Warnf("%s: cannot ACK: %s", serviceName, err.Error())
			return nil
		}
		ACK.Log(ws.logger, model.DirectionOutgoing)
		select {
		case ws.dataOrControlToMuxer <- ACK:
		case <-ws.workersManager.ShouldShutdown():
			return workers.ErrShutdown
		}
	}
	return nil
}

//
// outgoingPacketHandler implementation.
//

// reliableSender keeps state about the outgoing packet queue, and
// implements outgoingPacketHandler. Use the constructor
// [newReliableSender].
type reliableSender struct {
	// incomingSeen is a channel where we receive notifications for
	// incoming packets seen by the receiver.
	incomingSeen <-chan incomingPacketSeen

	// inFlight is the array of in-flight packets.
	inFlight []*inFlightPacket

	// logger is the logger to use.
	logger model.Logger

	// pendingACKsToSend is the array of packet ids that we still need to
	// acknowledge.
	pendingACKsToSend []model.PacketID
}

// newReliableSender returns a new instance of reliableSender.
func newReliableSender(logger model.Logger, i chan incomingPacketSeen) *reliableSender {
	return &reliableSender{
		incomingSeen:      i,
		inFlight:          make([]*inFlightPacket, 0, RELIABLE_SEND_BUFFER_SIZE),
		logger:            logger,
		pendingACKsToSend: []model.PacketID{},
	}
}

// TryInsertOutgoingPacket implements outgoingPacketHandler.
func (r *reliableSender) TryInsertOutgoingPacket(p *model.Packet) bool {
	if len(r.inFlight) >= RELIABLE_SEND_BUFFER_SIZE {
		r.logger.Warn("outgoing array full, dropping packet")
		return false
	}
	r.inFlight = append(r.inFlight, newInFlightPacket(p))
	return true
}

// MaybeEvictOrBumpPacketAfterACK iterates over all the in-flight packets.
// For each one, it either evicts it (if the PacketID matches), or bumps the
// internal higherACK count in the packet (if the PacketID from the ACK is
// higher than the packet in the queue).
func (r *reliableSender) MaybeEvictOrBumpPacketAfterACK(acked model.PacketID) bool {
	sort.Sort(inflightSequence(r.inFlight))

	packets := r.inFlight
	for i, p := range packets {
		if acked > p.packet.ID {
			// we have received an ACK for a packet with a higher pid,
			// so let's bump the count
			p.ACKForHigherPacket()

		} else if acked == p.packet.ID {
			// we have a match for the ack we just received: eviction it is!
			r.logger.Debugf("evicting packet %v", p.packet.ID)

			// first we swap this element with the last one:
			packets[i], packets[len(packets)-1] = packets[len(packets)-1], packets[i]

			// and now exclude the last element:
			r.inFlight = packets[:len(packets)-1]

			// since we had sorted the in-flight array, we're done here.
			return true
		}
	}
	return false
}

// NextPacketIDsToACK returns at most MAX_ACKS_PER_OUTGOING_PACKET ids from
// the pending-ACK queue, draining them from the queue.
func (r *reliableSender) NextPacketIDsToACK() []model.PacketID {
	var next []model.PacketID
	if len(r.pendingACKsToSend) <= MAX_ACKS_PER_OUTGOING_PACKET {
		next = append(next, r.pendingACKsToSend...)
		r.pendingACKsToSend = r.pendingACKsToSend[:0]
		return next
	}

	next = append(next, r.pendingACKsToSend[:MAX_ACKS_PER_OUTGOING_PACKET]...)
	r.pendingACKsToSend = r.pendingACKsToSend[MAX_ACKS_PER_OUTGOING_PACKET:]
	return next
}

// OnIncomingPacketSeen implements outgoingPacketHandler.
func (r *reliableSender) OnIncomingPacketSeen(seen incomingPacketSeen) {
	// we have received an incomingPacketSeen on the shared channel, we need
	// to do two things:
	//
	// 1. add the ID to the queue of packets to be acknowledged;
	//
	// 2. for every ACK received, see if we need to evict or bump the
	// in-flight packet.
	if !seen.id.IsNone() {
		r.pendingACKsToSend = append(r.pendingACKsToSend, seen.id.Unwrap())
	}
	if !seen.acks.IsNone() {
		for _, packetID := range seen.acks.Unwrap() {
			r.MaybeEvictOrBumpPacketAfterACK(packetID)
		}
	}
}

var _ outgoingPacketHandler = &reliableSender{}
