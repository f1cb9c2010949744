// Package datachannel implements packet encryption and decryption for the
// data channel, the compression framing, the replay window, the peer-id
// stamping, and the keepalive pings. Each negotiated key gets its own
// cipher state, indexed by the 3-bit key id; one state is current, and the
// previous one is retained for a single generation to decrypt late
// in-flight packets.
package datachannel
