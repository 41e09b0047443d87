package perch

import "errors"

var (
	// ErrAuth indicates the platform rejected the credential. Fatal; never retried.
	ErrAuth = errors.New("perch: authentication rejected")
	// ErrConnection indicates the push connection could not be established
	// or re-established within the configured retry bound.
	ErrConnection = errors.New("perch: connection failed")
	// ErrProtocol indicates a push payload violated the wire contract.
	// The event is dropped; the session continues.
	ErrProtocol = errors.New("perch: protocol violation")
	// ErrInvalidEvent indicates an event envelope does not satisfy kind/payload coherence.
	ErrInvalidEvent = errors.New("perch: invalid event")
	// ErrInvalidRequest indicates a caller-supplied request failed validation.
	ErrInvalidRequest = errors.New("perch: invalid request")
	// ErrNotConnected indicates an operation that requires a live session.
	ErrNotConnected = errors.New("perch: session not connected")
	// ErrAlreadyConnected indicates connect was called outside the disconnected state.
	ErrAlreadyConnected = errors.New("perch: session already connected")
	// ErrCacheInconsistent indicates a reference could not be resolved; the
	// affected event still flows with a nil reference.
	ErrCacheInconsistent = errors.New("perch: cache inconsistent")
	// ErrAckTimeout indicates a transport send was never acknowledged.
	ErrAckTimeout = errors.New("perch: acknowledgement timed out")
	// ErrTransportClosed indicates the push connection died with work pending.
	ErrTransportClosed = errors.New("perch: transport closed")
)
