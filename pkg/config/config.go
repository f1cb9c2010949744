// Package config implements the session configuration for the OpenVPN
// engine. The configuration is immutable once a session starts.
package config

import (
	"net"
	"time"

	"github.com/apex/log"

	"github.com/ovpnkit/ovpnkit/internal/model"
	"github.com/ovpnkit/ovpnkit/internal/runtimex"
)

const (
	// DefaultNegotiationTimeout bounds every key negotiation, for both
	// hard and soft resets.
	DefaultNegotiationTimeout = 60 * time.Second

	// DefaultPingTimeout is the inactivity bound after which the session
	// shuts down.
	DefaultPingTimeout = 60 * time.Second
)

// Config contains options to initialize the OpenVPN tunnel.
type Config struct {
	// openvpnOptions contains options related to openvpn.
	openvpnOptions *OpenVPNOptions

	// logger will be used to log events.
	logger model.Logger

	// negotiationTimeout bounds every key negotiation.
	negotiationTimeout time.Duration
}

// NewConfig returns a Config ready to initialize a vpn tunnel.
func NewConfig(options ...Option) *Config {
	cfg := &Config{
		openvpnOptions:     &OpenVPNOptions{},
		logger:             log.Log,
		negotiationTimeout: DefaultNegotiationTimeout,
	}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// Option is an option you can pass to initialize the config.
type Option func(config *Config)

// WithLogger configures the passed [model.Logger].
func WithLogger(logger model.Logger) Option {
	return func(config *Config) {
		config.logger = logger
	}
}

// WithConfigFile configures OpenVPNOptions parsed from the given file.
func WithConfigFile(configPath string) Option {
	return func(config *Config) {
		openvpnOpts, err := ReadConfigFile(configPath)
		runtimex.PanicOnError(err, "cannot parse config file")
		runtimex.PanicIfFalse(openvpnOpts.HasAuthInfo(), "missing auth info")
		config.openvpnOptions = openvpnOpts
	}
}

// WithOpenVPNOptions configures the passed OpenVPN options.
func WithOpenVPNOptions(openvpnOptions *OpenVPNOptions) Option {
	return func(config *Config) {
		config.openvpnOptions = openvpnOptions
	}
}

// WithNegotiationTimeout overrides the per-key negotiation deadline. The
// same bound applies to hard and soft resets.
func WithNegotiationTimeout(timeout time.Duration) Option {
	return func(config *Config) {
		config.negotiationTimeout = timeout
	}
}

// Logger returns the configured logger.
func (c *Config) Logger() model.Logger {
	return c.logger
}

// OpenVPNOptions returns the configured openvpn options.
func (c *Config) OpenVPNOptions() *OpenVPNOptions {
	return c.openvpnOptions
}

// NegotiationTimeout returns the configured negotiation timeout.
func (c *Config) NegotiationTimeout() time.Duration {
	return c.negotiationTimeout
}

// PingTimeout returns the inactivity bound for this session.
func (c *Config) PingTimeout() time.Duration {
	if c.openvpnOptions.PingTimeout > 0 {
		return time.Duration(c.openvpnOptions.PingTimeout) * time.Second
	}
	return DefaultPingTimeout
}

// Remote has info about the OpenVPN remote, useful to pass to the external
// dialer.
type Remote struct {
	// IPAddr is the IP Address for the remote.
	IPAddr string

	// Endpoint is in the form ip:port.
	Endpoint string

	// Protocol is either "tcp" or "udp"
	Protocol string
}

// Remote returns the OpenVPN remote.
func (c *Config) Remote() *Remote {
	return &Remote{
		IPAddr:   c.openvpnOptions.Remote,
		Endpoint: net.JoinHostPort(c.openvpnOptions.Remote, c.openvpnOptions.Port),
		Protocol: c.openvpnOptions.Proto.String(),
	}
}
