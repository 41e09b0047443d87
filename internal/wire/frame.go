// Package wire implements the push transport over a websocket connection.
//
// Every websocket text message carries one frame: the platform pushes named
// events with op "event", the client emits named events with op "send", and
// correlated sends are answered with op "ack" carrying the same cid.
package wire

import (
	"encoding/json"
	"fmt"

	"perch/pkg/perch"
)

const (
	opEvent = "event"
	opSend  = "send"
	opAck   = "ack"
)

type frame struct {
	Op string `json:"op"`
	// Name is the wire event name for event and send frames.
	Name string `json:"t,omitempty"`
	// Data is the frame payload.
	Data json.RawMessage `json:"d,omitempty"`
	// CID correlates a send frame with its ack.
	CID string `json:"cid,omitempty"`
	// Error carries the platform rejection for failed acks.
	Error string `json:"error,omitempty"`
}

func encodeFrame(f frame) ([]byte, error) {
	encoded, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Op, err)
	}

	return encoded, nil
}

func decodeFrame(data []byte) (frame, error) {
	var decoded frame
	if err := json.Unmarshal(data, &decoded); err != nil {
		return frame{}, fmt.Errorf("%w: malformed frame: %w", perch.ErrProtocol, err)
	}

	switch decoded.Op {
	case opEvent:
		if decoded.Name == "" {
			return frame{}, fmt.Errorf("%w: event frame missing name", perch.ErrProtocol)
		}
	case opAck:
		if decoded.CID == "" {
			return frame{}, fmt.Errorf("%w: ack frame missing cid", perch.ErrProtocol)
		}
	case opSend:
		if decoded.Name == "" {
			return frame{}, fmt.Errorf("%w: send frame missing name", perch.ErrProtocol)
		}
	case "":
		return frame{}, fmt.Errorf("%w: frame missing op", perch.ErrProtocol)
	default:
		return frame{}, fmt.Errorf("%w: unsupported frame op %q", perch.ErrProtocol, decoded.Op)
	}

	return decoded, nil
}
