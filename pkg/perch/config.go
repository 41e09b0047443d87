package perch

import (
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultConnectTimeout bounds one open-and-identify connect attempt.
	DefaultConnectTimeout = 30 * time.Second
	// DefaultRequestTimeout bounds one gateway request and one send acknowledgement.
	DefaultRequestTimeout = 15 * time.Second
	// DefaultMaxRetries is the consecutive-failure bound for connect and reconnect.
	DefaultMaxRetries = 5
	// DefaultRetryDelay is the fixed wait between connection attempts.
	DefaultRetryDelay = 5 * time.Second
	// DefaultHeartbeatInterval is the fixed wait between keepalives.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultMessageCacheSize caps the per-channel message sequence.
	DefaultMessageCacheSize = 50
	// DefaultEchoCapacity is the soft bound on remembered self-originated sends.
	DefaultEchoCapacity = 128
)

// Config fixes session behavior at construction time.
type Config struct {
	// Endpoint is the push connection URL.
	Endpoint string
	// APIBase is the gateway base URL.
	APIBase string
	// Token is the bot credential presented to both collaborators.
	Token string
	// ConnectTimeout bounds one open-and-identify connect attempt.
	ConnectTimeout time.Duration
	// RequestTimeout bounds one gateway request and one send acknowledgement.
	RequestTimeout time.Duration
	// MaxRetries is how many consecutive transient failures end a connect
	// or reconnect cycle with a connection error.
	MaxRetries int
	// RetryDelay is the fixed wait between connection attempts.
	RetryDelay time.Duration
	// HeartbeatInterval is the fixed wait between keepalives while connected.
	HeartbeatInterval time.Duration
	// MessageCacheSize caps the per-channel message sequence; oldest entries
	// are evicted first.
	MessageCacheSize int
	// EchoCapacity is the soft bound on remembered self-originated sends.
	EchoCapacity int
}

// WithDefaults returns a copy with zero fields replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.MessageCacheSize <= 0 {
		c.MessageCacheSize = DefaultMessageCacheSize
	}
	if c.EchoCapacity <= 0 {
		c.EchoCapacity = DefaultEchoCapacity
	}

	return c
}

// Validate checks required fields after defaults are applied.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return fmt.Errorf("%w: missing endpoint", ErrInvalidRequest)
	}
	if strings.TrimSpace(c.APIBase) == "" {
		return fmt.Errorf("%w: missing api base", ErrInvalidRequest)
	}
	if strings.TrimSpace(c.Token) == "" {
		return fmt.Errorf("%w: missing token", ErrInvalidRequest)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("%w: connect timeout must be > 0", ErrInvalidRequest)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%w: request timeout must be > 0", ErrInvalidRequest)
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("%w: max retries must be > 0", ErrInvalidRequest)
	}
	if c.RetryDelay <= 0 {
		return fmt.Errorf("%w: retry delay must be > 0", ErrInvalidRequest)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: heartbeat interval must be > 0", ErrInvalidRequest)
	}
	if c.MessageCacheSize <= 0 {
		return fmt.Errorf("%w: message cache size must be > 0", ErrInvalidRequest)
	}
	if c.EchoCapacity <= 0 {
		return fmt.Errorf("%w: echo capacity must be > 0", ErrInvalidRequest)
	}

	return nil
}
