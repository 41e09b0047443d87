package bot

import (
	"log/slog"
	"time"

	"perch/pkg/perch"
)

// Option mutates client configuration.
type Option func(*Client)

// WithLogger injects a logger shared by the client and its collaborators.
func WithLogger(logger *slog.Logger) Option {
	return func(client *Client) {
		if logger != nil {
			client.logger = logger
		}
	}
}

// WithGateway replaces the default HTTP gateway.
func WithGateway(gateway perch.Gateway) Option {
	return func(client *Client) {
		if gateway != nil {
			client.gateway = gateway
		}
	}
}

// WithTransport replaces the default websocket transport.
func WithTransport(transport perch.Transport) Option {
	return func(client *Client) {
		if transport != nil {
			client.transport = transport
		}
	}
}

func withClock(clock func() time.Time) Option {
	return func(client *Client) {
		if clock != nil {
			client.clock = clock
		}
	}
}
