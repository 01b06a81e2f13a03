package proxy

import "fmt"

// Direction is one of the two data flows within a session.
type Direction uint8

const (
	ClientToUpstream Direction = iota
	UpstreamToClient
)

func (d Direction) String() string {
	switch d {
	case ClientToUpstream:
		return "client_to_upstream"
	case UpstreamToClient:
		return "upstream_to_client"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// State is a session lifecycle state. Sessions only move forward:
// Connecting → Relaying → Closing → Closed, or Connecting → Closed when
// the upstream connect fails.
type State int32

const (
	Connecting State = iota
	Relaying
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Relaying:
		return "relaying"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
