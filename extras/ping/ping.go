// Package ping implements a simple ICMP echo diagnostic that writes raw
// IPv4 packets over the VPN tunnel. It is handy to verify that the data
// channel moves packets end to end without configuring a kernel device.
package ping

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/uuid"
)

// ErrCannotPing is the error returned when the echo exchange failed.
var ErrCannotPing = errors.New("ping: cannot ping")

// defaultInterval is the wait between echo requests.
const defaultInterval = time.Second

// Pinger sends ICMP echo requests over a [net.Conn] that moves raw IP
// packets (e.g. the VPN TUN device) and accounts for the replies.
type Pinger struct {
	// Count is how many echo requests to send.
	Count int

	// Interval is the wait between echo requests.
	Interval time.Duration

	// Timeout bounds the whole exchange.
	Timeout time.Duration

	conn   net.Conn
	target string
	id     uint16

	// stats
	packetsSent int
	packetsRecv int
	rtts        []time.Duration
}

// New creates a [Pinger] towards the given IPv4 target over conn. The
// source address of the emitted packets is the local address of conn.
func New(target string, conn net.Conn) *Pinger {
	// the echo id only needs to be unlikely to collide
	id := uuid.New().ID()
	return &Pinger{
		Count:    3,
		Interval: defaultInterval,
		Timeout:  10 * time.Second,
		conn:     conn,
		target:   target,
		id:       uint16(id),
	}
}

// Run performs the echo exchange. It returns nil when at least one reply
// was received.
func (p *Pinger) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	replies := make(chan time.Duration)
	go p.readReplies(replies)

	sendTicker := time.NewTicker(p.Interval)
	defer sendTicker.Stop()

	if err := p.sendEcho(uint16(p.packetsSent)); err != nil {
		return err
	}

	for {
		select {
		case rtt := <-replies:
			p.packetsRecv++
			p.rtts = append(p.rtts, rtt)
			if p.packetsRecv >= p.Count {
				return nil
			}

		case <-sendTicker.C:
			if p.packetsSent >= p.Count {
				continue
			}
			if err := p.sendEcho(uint16(p.packetsSent)); err != nil {
				return err
			}

		case <-ctx.Done():
			if p.packetsRecv > 0 {
				return nil
			}
			return fmt.Errorf("%w: %s", ErrCannotPing, ctx.Err())
		}
	}
}

// PacketLoss returns the packet loss ratio in [0, 1].
func (p *Pinger) PacketLoss() float64 {
	if p.packetsSent == 0 {
		return 0
	}
	return 1 - float64(p.packetsRecv)/float64(p.packetsSent)
}

// RTTs returns the round-trip times of the received replies.
func (p *Pinger) RTTs() []time.Duration {
	return p.rtts
}

// sendEcho crafts and writes a single echo request.
func (p *Pinger) sendEcho(seq uint16) error {
	src := net.ParseIP(p.conn.LocalAddr().String())
	dst := net.ParseIP(p.target)
	if dst == nil {
		return fmt.Errorf("%w: bad target: %s", ErrCannotPing, p.target)
	}

	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    src,
		DstIP:    dst,
	}
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
		Id:       p.id,
		Seq:      seq,
	}
	// the payload carries the send timestamp so that the reply gives us
	// the rtt without keeping per-sequence state
	payload := make([]byte, 8)
	binary.BigEndian.PutUint64(payload, uint64(time.Now().UnixNano()))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, icmp, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("%w: %s", ErrCannotPing, err)
	}
	if _, err := p.conn.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("%w: %s", ErrCannotPing, err)
	}
	p.packetsSent++
	return nil
}

// readReplies parses incoming packets and reports the rtt of every echo
// reply matching our id.
func (p *Pinger) readReplies(replies chan<- time.Duration) {
	buffer := make([]byte, 1500)
	for {
		n, err := p.conn.Read(buffer)
		if err != nil {
			return
		}
		var (
			ip      layers.IPv4
			icmp    layers.ICMPv4
			payload gopacket.Payload
		)
		decoded := []gopacket.LayerType{}
		parser := gopacket.NewDecodingLayerParser(layers.LayerTypeIPv4, &ip, &icmp, &payload)
		if err := parser.DecodeLayers(buffer[:n], &decoded); err != nil {
			continue
		}
		if icmp.TypeCode.Type() != layers.ICMPv4TypeEchoReply || icmp.Id != p.id {
			continue
		}
		if len(payload) < 8 || !bytes.Equal(ip.SrcIP, net.ParseIP(p.target).To4()) {
			continue
		}
		sent := time.Unix(0, int64(binary.BigEndian.Uint64(payload[:8])))
		replies <- time.Since(sent)
	}
}
