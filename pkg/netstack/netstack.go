// Package netstack provides a dialer that tunnels TCP and UDP
// connections through the VPN without a kernel TUN device, using
// wireguard-go's userspace gVisor network stack. The kernel only ever
// sees encrypted OpenVPN packets.
package netstack

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/tun"
	"golang.zx2c4.com/wireguard/tun/netstack"

	"github.com/ovpnkit/ovpnkit/internal/model"
	vpntun "github.com/ovpnkit/ovpnkit/internal/tun"
)

var (
	openDNSPrimary   = "208.67.222.222"
	openDNSSecondary = "208.67.220.220"
)

// mtuSafetyMargin is subtracted from the negotiated MTU: the netstack
// device cannot use the raw tun-mtu that the remote advertises.
const mtuSafetyMargin = 100

// TunDialer contains options for obtaining a network connection tunneled
// through an OpenVPN endpoint.
//
// Create only one TunDialer per session, since the underlying virtual
// device connects both ends of the tunnel.
type TunDialer struct {
	logger  model.Logger
	session *vpntun.TUN
	ns1     string
	ns2     string

	mu  sync.Mutex
	net *netstack.Net
}

// NewTunDialer creates a TunDialer with the default nameservers (OpenDNS).
func NewTunDialer(logger model.Logger, session *vpntun.TUN) *TunDialer {
	return &TunDialer{
		logger:  logger,
		session: session,
		ns1:     openDNSPrimary,
		ns2:     openDNSSecondary,
	}
}

// NewTunDialerWithNameservers creates a TunDialer with the passed
// nameservers. You probably want to pass the nameservers for your own VPN
// service here.
func NewTunDialerWithNameservers(logger model.Logger, session *vpntun.TUN, ns1, ns2 string) *TunDialer {
	return &TunDialer{
		logger:  logger,
		session: session,
		ns1:     ns1,
		ns2:     ns2,
	}
}

// Dial connects to the address on the named network, via the OpenVPN
// session that this TunDialer is initialized with.
//
// The returned value implements the net.Conn interface, but it is a
// socket created on a virtual device, using the gVisor userspace network
// stack. Addresses are resolved via the tunnel too, against the
// configured nameservers.
//
// Known networks are "tcp", "tcp4", "tcp6", "udp", "udp4", "udp6",
// "ping4", "ping6".
func (td *TunDialer) Dial(network, address string) (net.Conn, error) {
	return td.DialContext(context.Background(), network, address)
}

// DialContext connects to the address on the named network using the
// provided context. The underlying virtual device is created just once
// upon successive invocations.
func (td *TunDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	tnet, err := td.createNetTUN()
	if err != nil {
		return nil, err
	}
	return tnet.DialContext(ctx, network, address)
}

// DialTimeout acts like Dial but takes a timeout.
func (td *TunDialer) DialTimeout(network, address string, timeout time.Duration) (net.Conn, error) {
	conn, err := td.Dial(network, address)
	if err != nil {
		return nil, err
	}
	err = conn.SetReadDeadline(time.Now().Add(timeout))
	return conn, err
}

func (td *TunDialer) createNetTUN() (*netstack.Net, error) {
	td.mu.Lock()
	defer td.mu.Unlock()
	if td.net != nil {
		return td.net, nil
	}

	info := td.session.TunnelInfo()
	localAddr, err := netip.ParseAddr(info.IP)
	if err != nil {
		return nil, err
	}
	mtu := info.MTU - mtuSafetyMargin
	if mtu <= 0 {
		mtu = 1500 - mtuSafetyMargin
	}

	// create a virtual device in userspace, courtesy of wireguard-go
	dev, tnet, err := netstack.CreateNetTUN(
		[]netip.Addr{localAddr},
		[]netip.Addr{
			netip.MustParseAddr(td.ns1),
			netip.MustParseAddr(td.ns2),
		},
		mtu,
	)
	if err != nil {
		return nil, err
	}

	// connect the virtual device to our openvpn session
	connectDevice(td.logger, dev, td.session)
	td.net = tnet
	return tnet, nil
}

// connectDevice spawns the two goroutines moving packets between the
// virtual device and the vpn session.
func connectDevice(logger model.Logger, dev tun.Device, vpn net.Conn) {
	go func() {
		sizes := make([]int, 1)
		buffers := make([][]byte, 1)
		buffers[0] = make([]byte, 4096)
		for {
			n, err := dev.Read(buffers, sizes, 0)
			if err != nil {
				logger.Warnf("netstack: tun read: %v", err)
				return
			}
			for i := 0; i < n; i++ {
				if _, err := vpn.Write(buffers[i][:sizes[i]]); err != nil {
					logger.Warnf("netstack: vpn write: %v", err)
					return
				}
			}
		}
	}()
	go func() {
		buffer := make([]byte, 4096)
		for {
			n, err := vpn.Read(buffer)
			if err != nil {
				logger.Warnf("netstack: vpn read: %v", err)
				return
			}
			pkt := make([]byte, n)
			copy(pkt, buffer[:n])
			if _, err := dev.Write([][]byte{pkt}, 0); err != nil {
				logger.Warnf("netstack: tun write: %v", err)
				return
			}
		}
	}()
}
