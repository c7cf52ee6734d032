package esmux

import (
	"time"

	"github.com/joeycumines/logiface"
)

const (
	// DefaultAddress is the address used by ConnectLocalhost.
	DefaultAddress = `127.0.0.1:9200`

	defaultIdleTimeout     = 60 * time.Second
	defaultResponseTimeout = 30 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultMaxBodySize     = 10 << 20
	defaultChunkSize       = 32 << 10
)

type (
	// Config models optional configuration, for Connect and NewConn. All
	// values are fixed for the lifetime of the connection, though
	// Message.Timeout and Message.RecvMode may override some per message.
	Config struct {
		// Logger may be nil, to disable logging.
		Logger *logiface.Logger[logiface.Event]

		// Host is sent as the Host header.
		// **Defaults to the address, if empty.**
		Host string

		// IdleTimeout is how long an idle connection may wait for a message,
		// before it closes.
		// **Defaults to 60s, if 0. Disabled if negative.**
		IdleTimeout time.Duration

		// ResponseTimeout bounds the time between sending a request and
		// receiving the response head.
		// **Defaults to 30s, if 0. Disabled if negative.**
		ResponseTimeout time.Duration

		// BodyTimeout bounds the time between receiving the response head
		// and the end of the body. For RecvStream, it is reset on each chunk.
		// **Defaults to ResponseTimeout, if 0. Disabled if negative.**
		BodyTimeout time.Duration

		// WriteTimeout bounds writing each request.
		// **Defaults to 10s, if 0. Disabled if negative.**
		WriteTimeout time.Duration

		// DialTimeout is used by Connect only.
		// **Defaults to 10s, if 0.**
		DialTimeout time.Duration

		// KeepAlive is the TCP keep-alive period, used by Connect only.
		// **Defaults to 30s, if 0. Disabled if negative.**
		KeepAlive time.Duration

		// TCPUserTimeout sets TCP_USER_TIMEOUT, where supported (Linux), and
		// is used by Connect only. Zero leaves the OS default.
		TCPUserTimeout time.Duration

		// MaxBodySize bounds a buffered (RecvBuffer) body.
		// **Defaults to 10 MiB, if 0. Unbounded if negative.**
		MaxBodySize int64

		// ChunkSize is the maximum size of each read of the response body.
		// **Defaults to 32 KiB, if <= 0.**
		ChunkSize int

		// RecvMode is the default receive mode.
		// **Defaults to RecvBuffer, if RecvDefault.**
		RecvMode RecvMode
	}

	connConfig struct {
		logger          *logiface.Logger[logiface.Event]
		host            string
		idleTimeout     time.Duration
		responseTimeout time.Duration
		bodyTimeout     time.Duration
		writeTimeout    time.Duration
		dialTimeout     time.Duration
		keepAlive       time.Duration
		tcpUserTimeout  time.Duration
		maxBodySize     int64
		chunkSize       int
		recvMode        RecvMode
	}
)

func resolveConfig(config *Config, address string) *connConfig {
	c := connConfig{
		host:            address,
		idleTimeout:     defaultIdleTimeout,
		responseTimeout: defaultResponseTimeout,
		writeTimeout:    defaultWriteTimeout,
		dialTimeout:     defaultDialTimeout,
		keepAlive:       defaultKeepAlive,
		maxBodySize:     defaultMaxBodySize,
		chunkSize:       defaultChunkSize,
		recvMode:        RecvBuffer,
	}

	if config != nil {
		c.logger = config.Logger
		if config.Host != `` {
			c.host = config.Host
		}
		if config.IdleTimeout != 0 {
			c.idleTimeout = config.IdleTimeout
		}
		if config.ResponseTimeout != 0 {
			c.responseTimeout = config.ResponseTimeout
		}
		c.bodyTimeout = config.BodyTimeout
		if config.WriteTimeout != 0 {
			c.writeTimeout = config.WriteTimeout
		}
		if config.DialTimeout > 0 {
			c.dialTimeout = config.DialTimeout
		}
		if config.KeepAlive != 0 {
			c.keepAlive = config.KeepAlive
		}
		c.tcpUserTimeout = config.TCPUserTimeout
		if config.MaxBodySize != 0 {
			c.maxBodySize = config.MaxBodySize
		}
		if config.ChunkSize > 0 {
			c.chunkSize = config.ChunkSize
		}
		if config.RecvMode != RecvDefault {
			c.recvMode = config.RecvMode
		}
	}

	if c.bodyTimeout == 0 {
		c.bodyTimeout = c.responseTimeout
	}

	return &c
}

// deadline returns the zero time if d disables the timeout.
func deadline(now time.Time, d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return now.Add(d)
}
