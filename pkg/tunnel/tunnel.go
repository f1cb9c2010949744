// Package tunnel contains the public tunnel API.
package tunnel

import (
	"context"
	"net"

	"github.com/ovpnkit/ovpnkit/internal/networkio"
	"github.com/ovpnkit/ovpnkit/internal/tun"
	"github.com/ovpnkit/ovpnkit/pkg/config"
)

// SimpleDialer establishes network connections.
type SimpleDialer interface {
	DialContext(ctx context.Context, network, endpoint string) (net.Conn, error)
}

// TUN is a type alias exposing the internal TUN implementation on the
// public API. Besides the [net.Conn] surface, it exposes Close (a final
// stop), Reconnect (a recoverable stop that tells the owner to
// re-establish), RebindLink (session mobility), Events and DataCount.
type TUN = tun.TUN

// Start starts a VPN tunnel initialized with the passed dialer and
// config, and returns a TUN device that can later be stopped. In case
// there was any error during the initialization of the tunnel, it will
// also be returned by this function.
func Start(ctx context.Context, underlyingDialer SimpleDialer, cfg *config.Config) (*TUN, error) {
	conn, err := Dial(ctx, underlyingDialer, cfg)
	if err != nil {
		return nil, err
	}
	return tun.StartTUN(ctx, conn, cfg)
}

// Dial establishes the framed connection towards the OpenVPN remote,
// without starting a session on it. Useful together with
// [tun.TUN.RebindLink] to install a fresh link after a network change.
func Dial(ctx context.Context, underlyingDialer SimpleDialer, cfg *config.Config) (networkio.FramingConn, error) {
	dialer := networkio.NewDialer(cfg.Logger(), underlyingDialer)
	conn, err := dialer.DialContext(ctx, cfg.Remote().Protocol, cfg.Remote().Endpoint)
	if err != nil {
		cfg.Logger().Warnf("tunnel: dial: %s", err.Error())
		return nil, err
	}
	return conn, nil
}
