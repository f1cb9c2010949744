package vpntest

import (
	"time"

	"github.com/ovpnkit/ovpnkit/internal/model"
)

// PacketWriter writes packets into a channel, simulating the arrival of
// packets from the network.
type PacketWriter struct {
	// ch is the channel where to write packets to.
	ch chan<- *model.Packet

	// LocalSessionID is needed to produce incoming packets that pass the
	// sanity checks.
	LocalSessionID model.SessionID

	// RemoteSessionID is needed to produce ACKs.
	RemoteSessionID model.SessionID
}

// NewPacketWriter creates a new PacketWriter.
func NewPacketWriter(ch chan<- *model.Packet) *PacketWriter {
	return &PacketWriter{ch: ch}
}

// WriteSequence writes the passed packet sequence (in their string
// representation) to the configured channel. It waits the specified
// inter-arrival time between one packet and the next.
func (pw *PacketWriter) WriteSequence(seq []string) {
	for _, item := range seq {
		pw.writeSequenceItem(item)
	}
}

func (pw *PacketWriter) writeSequenceItem(item string) {
	testPkt, err := NewTestPacketFromString(item)
	if err != nil {
		panic("PacketWriter: error reading test sequence: " + err.Error())
	}
	p := &model.Packet{
		Opcode:          testPkt.Opcode,
		LocalSessionID:  pw.LocalSessionID,
		RemoteSessionID: pw.RemoteSessionID,
		ID:              model.PacketID(testPkt.ID),
	}
	for _, ack := range testPkt.ACKs {
		p.ACKs = append(p.ACKs, model.PacketID(ack))
	}
	pw.ch <- p
	time.Sleep(testPkt.IAT)
}

// PacketReader reads packets from a channel, accounting for the sequence
// in which it sees them.
type PacketReader struct {
	ch       <-chan *model.Packet
	received []*model.Packet
}

// NewPacketReader creates a new PacketReader.
func NewPacketReader(ch <-chan *model.Packet) *PacketReader {
	return &PacketReader{ch: ch}
}

// WaitForNumberOfPackets blocks until it has read n packets or the
// timeout expires, and returns whether it got them all.
func (pr *PacketReader) WaitForNumberOfPackets(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for len(pr.received) < n {
		select {
		case p := <-pr.ch:
			pr.received = append(pr.received, p)
		case <-deadline:
			return false
		}
	}
	return true
}

// ReceivedIDs returns the ids of the received packets, in order.
func (pr *PacketReader) ReceivedIDs() []int {
	ids := make([]int, 0, len(pr.received))
	for _, p := range pr.received {
		ids = append(ids, int(p.ID))
	}
	return ids
}

// Received returns the received packets.
func (pr *PacketReader) Received() []*model.Packet {
	return pr.received
}
