package perch

// SessionState identifies one connection lifecycle state.
//
// Connected and Disconnected are the only terminal resting states; Connecting
// and Reconnecting are transitional.
type SessionState int32

const (
	// StateDisconnected is the initial and final resting state.
	StateDisconnected SessionState = iota
	// StateConnecting covers transport open and identity confirmation.
	StateConnecting
	// StateConnected is the live state with heartbeats running.
	StateConnected
	// StateReconnecting covers the serialized retry loop after a dropped connection.
	StateReconnecting
)

// String returns the lowercase state name.
func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}
