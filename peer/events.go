package peer

import (
	"tarun-kavipurapu/p2p-rendezvous/pkg/protocol"
)

type EventType int

const (
	// EventResourceListing carries one resource packet worth of the catalog.
	EventResourceListing EventType = iota
	EventLookupMiss
	EventDirectoryFull
	EventTransferComplete
	EventTransferFailed
)

func (t EventType) String() string {
	switch t {
	case EventResourceListing:
		return "resource-listing"
	case EventLookupMiss:
		return "lookup-miss"
	case EventDirectoryFull:
		return "directory-full"
	case EventTransferComplete:
		return "transfer-complete"
	case EventTransferFailed:
		return "transfer-failed"
	default:
		return "unknown"
	}
}

// Event is what the peer reports to its collaborator (the shell or a test).
type Event struct {
	Type      EventType
	Resources []protocol.ResourcePair
	Filename  string
	Path      string
	Bytes     int64
	Err       error
}
