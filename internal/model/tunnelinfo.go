package model

// TunnelInfo holds state about the VPN tunnel that has longer duration than
// a given negotiation. This information is gathered at different stages:
// - during the handshake (mtu, from the remote options string);
// - after the server pushes config options (ip, gw, peer-id, timers).
type TunnelInfo struct {
	// GW is the route gateway.
	GW string

	// IP is the assigned IP.
	IP string

	// MTU is the MTU pushed by the remote.
	MTU int

	// NetMask is the netmask configured on the TUN interface, pushed
	// via the ifconfig option.
	NetMask string

	// PeerID is the peer-id assigned to us by the remote, or -1 when the
	// push reply did not carry one. Link rebinding is only possible when
	// a peer-id was assigned.
	PeerID int

	// Cipher is the data-channel cipher negotiated via the push reply,
	// empty when the server did not renegotiate it.
	Cipher string

	// PingInterval is the keepalive interval pushed by the server,
	// zero when the server did not push one. A pushed value overrides
	// the configured one.
	PingInterval int

	// PingTimeout is the inactivity timeout pushed by the server
	// (ping-restart), zero when the server did not push one.
	PingTimeout int

	// AuthToken is the session token to use in place of the password on
	// renegotiation, empty when the server did not push one.
	AuthToken string

	// Routes are the routes pushed by the server.
	Routes []string

	// DNS are the DNS servers pushed by the server.
	DNS []string
}

// NewTunnelInfo returns a TunnelInfo with the peer-id marked as unassigned.
func NewTunnelInfo() *TunnelInfo {
	return &TunnelInfo{PeerID: -1}
}

// HasPeerID returns whether the server assigned us a peer-id.
func (t *TunnelInfo) HasPeerID() bool {
	return t.PeerID >= 0
}
