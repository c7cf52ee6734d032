package esmux

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResolveConfig(t *testing.T) {
	for _, tc := range [...]struct {
		name   string
		config *Config
		want   connConfig
	}{
		{
			`nil config`,
			nil,
			connConfig{
				host:            `addr`,
				idleTimeout:     defaultIdleTimeout,
				responseTimeout: defaultResponseTimeout,
				bodyTimeout:     defaultResponseTimeout,
				writeTimeout:    defaultWriteTimeout,
				dialTimeout:     defaultDialTimeout,
				keepAlive:       defaultKeepAlive,
				maxBodySize:     defaultMaxBodySize,
				chunkSize:       defaultChunkSize,
				recvMode:        RecvBuffer,
			},
		},
		{
			`overrides`,
			&Config{
				Host:            `es.local`,
				IdleTimeout:     time.Second,
				ResponseTimeout: 2 * time.Second,
				WriteTimeout:    3 * time.Second,
				DialTimeout:     4 * time.Second,
				KeepAlive:       5 * time.Second,
				TCPUserTimeout:  6 * time.Second,
				MaxBodySize:     7,
				ChunkSize:       8,
				RecvMode:        RecvStream,
			},
			connConfig{
				host:            `es.local`,
				idleTimeout:     time.Second,
				responseTimeout: 2 * time.Second,
				bodyTimeout:     2 * time.Second,
				writeTimeout:    3 * time.Second,
				dialTimeout:     4 * time.Second,
				keepAlive:       5 * time.Second,
				tcpUserTimeout:  6 * time.Second,
				maxBodySize:     7,
				chunkSize:       8,
				recvMode:        RecvStream,
			},
		},
		{
			`disabled`,
			&Config{
				IdleTimeout:     -1,
				ResponseTimeout: -1,
				WriteTimeout:    -1,
				DialTimeout:     -1,
				KeepAlive:       -1,
				MaxBodySize:     -1,
				ChunkSize:       -1,
				BodyTimeout:     time.Minute,
			},
			connConfig{
				host:            `addr`,
				idleTimeout:     -1,
				responseTimeout: -1,
				bodyTimeout:     time.Minute,
				writeTimeout:    -1,
				dialTimeout:     defaultDialTimeout,
				keepAlive:       -1,
				maxBodySize:     -1,
				chunkSize:       defaultChunkSize,
				recvMode:        RecvBuffer,
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, &tc.want, resolveConfig(tc.config, `addr`))
		})
	}
}

func TestDeadline(t *testing.T) {
	now := time.Unix(100, 0)
	assert.Equal(t, now.Add(time.Second), deadline(now, time.Second))
	assert.True(t, deadline(now, 0).IsZero())
	assert.True(t, deadline(now, -time.Second).IsZero())
}
