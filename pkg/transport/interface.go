package transport

import (
	"context"
	"io"
	"net/netip"
	"time"
)

// Datagram is one control-plane message together with its sender.
type Datagram struct {
	From    netip.AddrPort
	Payload []byte
}

// ControlChannel is the unreliable, connectionless control plane. Nothing
// sent through it is guaranteed to arrive, arrive once, or arrive in order.
type ControlChannel interface {
	SendTo(addr netip.AddrPort, b []byte) error
	// Consume yields received datagrams; the channel is closed with the endpoint.
	Consume() <-chan Datagram
	// TryReceive returns immediately with a pending datagram, if any.
	TryReceive() (Datagram, bool)
	LocalAddr() netip.AddrPort
	Close() error
}

// Frame is one unit read off a data connection.
type Frame struct {
	Type   uint8
	Length uint64
	// Body is set for control and error frames. Stream frames leave the
	// payload on the connection to be read through Stream.
	Body   []byte
	Stream io.Reader
}

// Node is one end of an established data connection.
type Node interface {
	SendControl(packet []byte) error
	SendStream(r io.Reader, length int64) error
	SendError(reason string) error
	ReadFrame() (Frame, error)
	SetDeadline(t time.Time) error
	LocalAddr() netip.AddrPort
	RemoteAddr() netip.AddrPort
	Close() error
}

// DataChannel is the reliable, stream-ordered data plane.
type DataChannel interface {
	ListenAndAccept() error
	Dial(ctx context.Context, addr netip.AddrPort) (Node, error)
	SetOnConn(func(Node))
	Addr() netip.AddrPort
	Close() error
}
