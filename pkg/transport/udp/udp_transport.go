package udp

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"tarun-kavipurapu/p2p-rendezvous/pkg/logger"
	"tarun-kavipurapu/p2p-rendezvous/pkg/protocol"
	"tarun-kavipurapu/p2p-rendezvous/pkg/transport"
)

var _ transport.ControlChannel = (*UDPTransport)(nil)

type UDPTransportOpts struct {
	// ListenAddr is the local bind address; ":0" picks an ephemeral port.
	ListenAddr string
	// QueueSize bounds datagrams buffered between the read loop and the consumer.
	QueueSize int
}

// UDPTransport implements transport.ControlChannel over a single UDP socket.
type UDPTransport struct {
	UDPTransportOpts
	conn      *net.UDPConn
	rpcch     chan transport.Datagram
	closeOnce sync.Once
	done      chan struct{}
}

func NewUDPTransport(opts UDPTransportOpts) *UDPTransport {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	return &UDPTransport{
		UDPTransportOpts: opts,
		rpcch:            make(chan transport.Datagram, opts.QueueSize),
		done:             make(chan struct{}),
	}
}

// Listen binds the socket and starts the read loop.
func (t *UDPTransport) Listen() error {
	addr, err := net.ResolveUDPAddr("udp", t.ListenAddr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", t.ListenAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen udp %s: %w", t.ListenAddr, err)
	}
	t.conn = conn
	logger.Sugar.Infof("[UDPTransport] listening: addr=%s", conn.LocalAddr())

	go t.readLoop()
	return nil
}

func (t *UDPTransport) readLoop() {
	defer close(t.rpcch)

	// One spare byte so oversize datagrams are visible to the decoder.
	buf := make([]byte, protocol.MaxPacketSize+1)
	for {
		n, from, err := t.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Sugar.Errorf("[UDPTransport] read error: addr=%s err=%v", t.conn.LocalAddr(), err)
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])
		dg := transport.Datagram{From: unmap(from), Payload: payload}

		select {
		case t.rpcch <- dg:
		case <-t.done:
			return
		default:
			logger.Sugar.Warnf("[UDPTransport] queue full, dropping datagram: from=%s", dg.From)
		}
	}
}

func (t *UDPTransport) SendTo(addr netip.AddrPort, b []byte) error {
	if t.conn == nil {
		return net.ErrClosed
	}
	_, err := t.conn.WriteToUDPAddrPort(b, addr)
	return err
}

// Consume implements the ControlChannel interface, which will return read-only channel
// for reading the incoming datagrams.
func (t *UDPTransport) Consume() <-chan transport.Datagram {
	return t.rpcch
}

func (t *UDPTransport) TryReceive() (transport.Datagram, bool) {
	select {
	case dg, ok := <-t.rpcch:
		return dg, ok
	default:
		return transport.Datagram{}, false
	}
}

func (t *UDPTransport) LocalAddr() netip.AddrPort {
	if t.conn == nil {
		return netip.AddrPort{}
	}
	return unmap(t.conn.LocalAddr().(*net.UDPAddr).AddrPort())
}

func (t *UDPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		if t.conn != nil {
			err = t.conn.Close()
		}
	})
	return err
}

// OutboundIP reports which local address the kernel would use to reach target.
// No packet is sent.
func OutboundIP(target netip.AddrPort) (netip.Addr, error) {
	conn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(target))
	if err != nil {
		return netip.Addr{}, err
	}
	defer conn.Close()
	return unmap(conn.LocalAddr().(*net.UDPAddr).AddrPort()).Addr(), nil
}

// unmap turns ::ffff:a.b.c.d into a.b.c.d so addresses compare equal
// regardless of the socket family they arrived on.
func unmap(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
