package esmux

import (
	"context"
	"net"
)

// Connect dials address (host:port) over TCP, and returns a Conn that will
// process messages from handle until it terminates. The dial is bounded by
// both ctx and Config.DialTimeout. Any error will be an *Error, of kind
// KindTransport. The config may be nil.
//
// Each connection registers itself as a listener of handle, and unregisters
// once it terminates. Reconnection is the caller's responsibility, e.g. on
// Done.
func Connect[C any](ctx context.Context, address string, handle *Handle[C], config *Config) (*Conn[C], error) {
	if handle == nil {
		panic(`esmux: nil handle`)
	}

	cfg := resolveConfig(config, address)

	dialer := net.Dialer{
		Timeout:   cfg.dialTimeout,
		KeepAlive: cfg.keepAlive,
	}
	if cfg.tcpUserTimeout > 0 {
		dialer.Control = tcpUserTimeoutControl(cfg.tcpUserTimeout)
	}

	conn, err := dialer.DialContext(ctx, `tcp`, address)
	if err != nil {
		cfg.logger.Err().
			Str(`address`, address).
			Err(err).
			Log(`dial failed`)
		return nil, newError(KindTransport, 0, err)
	}

	return newConn(conn, handle, cfg), nil
}

// ConnectLocalhost is Connect, using DefaultAddress.
func ConnectLocalhost[C any](ctx context.Context, handle *Handle[C], config *Config) (*Conn[C], error) {
	return Connect(ctx, DefaultAddress, handle, config)
}
