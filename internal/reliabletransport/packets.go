package reliabletransport

import (
	"time"

	"github.com/ovpnkit/ovpnkit/internal/model"
	"github.com/ovpnkit/ovpnkit/internal/optional"
)

// inFlightPacket is an outgoing packet that we track until the peer ACKs it.
type inFlightPacket struct {
	// deadline is the moment in time when this packet is scheduled for
	// the next retransmission.
	deadline time.Time

	// higherACKs counts how many acks we've received for packets with a
	// higher PID, which drives fast retransmission.
	higherACKs int

	// packet is the underlying packet being sent.
	packet *model.Packet

	// retries is a monotonically increasing counter for retransmission.
	retries uint8
}

func newInFlightPacket(p *model.Packet) *inFlightPacket {
	return &inFlightPacket{
		deadline:   time.Time{},
		higherACKs: 0,
		packet:     p,
		retries:    0,
	}
}

func (p *inFlightPacket) ExtractACKs() []model.PacketID {
	return p.packet.ACKs
}

// ACKForHigherPacket increments the number of acks received for a higher
// pid than this packet's. This influences the fast retransmit selection.
func (p *inFlightPacket) ACKForHigherPacket() {
	p.higherACKs += 1
}

func (p *inFlightPacket) ScheduleForRetransmission(t time.Time) {
	p.retries += 1
	p.deadline = t.Add(p.backoff())
}

// backoff calculates the next retransmission interval: exponential from
// the initial timeout, capped at the maximum backoff.
func (p *inFlightPacket) backoff() time.Duration {
	backoff := time.Duration(INITIAL_TLS_TIMEOUT_SECONDS<<(p.retries-1)) * time.Second
	maxBackoff := MAX_BACKOFF_SECONDS * time.Second
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}

// inflightSequence is a sortable sequence of inFlightPackets.
type inflightSequence []*inFlightPacket

// nearestDeadlineTo returns the earliest deadline in the in-flight queue
// relative to the passed reference time. Used to re-arm the sender ticker.
func (seq inflightSequence) nearestDeadlineTo(t time.Time) time.Time {
	// we default to a long wakeup
	timeout := t.Add(time.Duration(SENDER_TICKER_MS) * time.Millisecond)

	for _, p := range seq {
		if p.deadline.Before(timeout) {
			timeout = p.deadline
		}
	}

	// what's past is past and we need to move on.
	if timeout.Before(t) {
		timeout = t.Add(time.Nanosecond)
	}
	return timeout
}

// readyToSend returns the subset of this sequence that has an expired
// deadline or is suitable for fast retransmission. The caller iterates the
// result in ascending packet-id order because the in-flight queue is kept
// sorted.
func (seq inflightSequence) readyToSend(t time.Time) inflightSequence {
	expired := make([]*inFlightPacket, 0)
	for _, p := range seq {
		if p.higherACKs >= 3 {
			expired = append(expired, p)
			continue
		}
		if p.deadline.Before(t) {
			expired = append(expired, p)
		}
	}
	return expired
}

// implement sort.Interface
func (seq inflightSequence) Len() int {
	return len(seq)
}

// implement sort.Interface
func (seq inflightSequence) Swap(i, j int) {
	seq[i], seq[j] = seq[j], seq[i]
}

// implement sort.Interface
func (seq inflightSequence) Less(i, j int) bool {
	return seq[i].packet.ID < seq[j].packet.ID
}

// An incomingSequence is a sortable array of sequentialPackets.
type incomingSequence []sequentialPacket

// implement sort.Interface
func (ps incomingSequence) Len() int {
	return len(ps)
}

// implement sort.Interface
func (ps incomingSequence) Swap(i, j int) {
	ps[i], ps[j] = ps[j], ps[i]
}

// implement sort.Interface
func (ps incomingSequence) Less(i, j int) bool {
	return ps[i].ID() < ps[j].ID()
}

type incomingPacket struct {
	packet *model.Packet
}

func (ip *incomingPacket) ID() model.PacketID {
	return ip.packet.ID
}

func (ip *incomingPacket) ExtractACKs() []model.PacketID {
	return ip.packet.ACKs
}

func (ip *incomingPacket) Packet() *model.Packet {
	return ip.packet
}

// incomingPacketSeen is the notification the receiver sends to the sender
// when a new packet is seen, so that the sender can piggyback ACKs and
// evict in-flight packets.
type incomingPacketSeen struct {
	id   optional.Value[model.PacketID]
	acks optional.Value[[]model.PacketID]
}
