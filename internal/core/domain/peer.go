package domain

type PeerState int

const (
	PeerJoined PeerState = iota
	// PeerActive has at least one transport.
	PeerActive
	PeerClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerJoined:
		return "joined"
	case PeerActive:
		return "active"
	case PeerClosed:
		return "closed"
	}
	return "unknown"
}
