package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/multierr"

	"tarun-kavipurapu/p2p-rendezvous/pkg/logger"
	"tarun-kavipurapu/p2p-rendezvous/pkg/transport"
)

var (
	_ transport.Node        = (*TCPNode)(nil)
	_ transport.DataChannel = (*TCPTransport)(nil)
)

// TCPNode implements transport.Node
type TCPNode struct {
	conn net.Conn
	lock sync.Mutex
	// outbound is true when we dialed the connection, false when we accepted it
	outbound bool
	onClose  func()
	once     sync.Once
}

func NewTCPNode(conn net.Conn, outbound bool) *TCPNode {
	return &TCPNode{
		conn:     conn,
		outbound: outbound,
	}
}

// SendControl writes one codec packet as a control frame.
func (n *TCPNode) SendControl(packet []byte) error {
	n.lock.Lock()
	defer n.lock.Unlock()

	if err := writeFrameHeader(n.conn, FrameTypeControl, uint64(len(packet))); err != nil {
		return err
	}
	_, err := n.conn.Write(packet)
	return err
}

// SendStream announces exactly length bytes and copies them from data.
func (n *TCPNode) SendStream(data io.Reader, length int64) error {
	n.lock.Lock()
	defer n.lock.Unlock()

	if length < 0 {
		return fmt.Errorf("negative stream length %d", length)
	}
	if err := writeFrameHeader(n.conn, FrameTypeStream, uint64(length)); err != nil {
		return fmt.Errorf("failed to write stream header: %w", err)
	}

	written, err := io.CopyN(n.conn, data, length)
	if err != nil {
		return fmt.Errorf("failed to write stream data: %w", err)
	}
	if written != length {
		return fmt.Errorf("stream write incomplete: expected %d, wrote %d", length, written)
	}
	return nil
}

// SendError tells the remote end why its request will not be served.
func (n *TCPNode) SendError(reason string) error {
	n.lock.Lock()
	defer n.lock.Unlock()

	if err := writeFrameHeader(n.conn, FrameTypeError, uint64(len(reason))); err != nil {
		return err
	}
	_, err := io.WriteString(n.conn, reason)
	return err
}

// ReadFrame reads the next frame. For stream frames the caller must drain
// Frame.Stream before reading again.
func (n *TCPNode) ReadFrame() (transport.Frame, error) {
	msgType, length, err := readFrameHeader(n.conn)
	if err != nil {
		return transport.Frame{}, err
	}

	frame := transport.Frame{Type: msgType, Length: length}
	if msgType == FrameTypeStream {
		frame.Stream = io.LimitReader(n.conn, int64(length))
		return frame, nil
	}

	frame.Body = make([]byte, length)
	if _, err := io.ReadFull(n.conn, frame.Body); err != nil {
		return transport.Frame{}, fmt.Errorf("read frame body: %w", err)
	}
	return frame, nil
}

func (n *TCPNode) SetDeadline(t time.Time) error {
	return n.conn.SetDeadline(t)
}

func (n *TCPNode) LocalAddr() netip.AddrPort {
	return addrPortOf(n.conn.LocalAddr())
}

func (n *TCPNode) RemoteAddr() netip.AddrPort {
	return addrPortOf(n.conn.RemoteAddr())
}

func (n *TCPNode) Outbound() bool {
	return n.outbound
}

func (n *TCPNode) Close() error {
	err := n.conn.Close()
	n.once.Do(func() {
		if n.onClose != nil {
			n.onClose()
		}
	})
	return err
}

type TCPTransportOpts struct {
	ListenAddr  string
	DialTimeout time.Duration
}

// TCPTransport implements transport.DataChannel
type TCPTransport struct {
	TCPTransportOpts
	listener net.Listener
	onConn   func(transport.Node)

	mu    sync.Mutex
	conns map[*TCPNode]struct{}
}

func NewTCPTransport(opts TCPTransportOpts) *TCPTransport {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	return &TCPTransport{
		TCPTransportOpts: opts,
		conns:            make(map[*TCPNode]struct{}),
	}
}

// SetOnConn installs the handler run, in its own goroutine, for every accepted connection.
func (t *TCPTransport) SetOnConn(f func(transport.Node)) {
	t.onConn = f
}

func (t *TCPTransport) ListenAndAccept() error {
	var err error
	t.listener, err = net.Listen("tcp", t.ListenAddr)
	if err != nil {
		return err
	}
	logger.Sugar.Infof("[TCPTransport] listening: addr=%s", t.listener.Addr())

	go t.acceptLoop()
	return nil
}

func (t *TCPTransport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Sugar.Errorf("[TCPTransport] accept error: listen=%s err=%v", t.ListenAddr, err)
			continue
		}
		node := t.track(NewTCPNode(conn, false))
		go t.handleConn(node)
	}
}

func (t *TCPTransport) handleConn(node *TCPNode) {
	defer node.Close()

	if t.onConn == nil {
		logger.Sugar.Warnf("[TCPTransport] no handler installed, dropping connection: remote=%s", node.RemoteAddr())
		return
	}
	t.onConn(node)
}

// Dial opens an outbound data connection. The caller owns the returned node.
func (t *TCPTransport) Dial(ctx context.Context, addr netip.AddrPort) (transport.Node, error) {
	dialer := net.Dialer{Timeout: t.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, err
	}
	return t.track(NewTCPNode(conn, true)), nil
}

func (t *TCPTransport) track(node *TCPNode) *TCPNode {
	t.mu.Lock()
	t.conns[node] = struct{}{}
	t.mu.Unlock()

	node.onClose = func() {
		t.mu.Lock()
		delete(t.conns, node)
		t.mu.Unlock()
	}
	return node
}

// ActiveConns reports how many data connections are open.
func (t *TCPTransport) ActiveConns() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

func (t *TCPTransport) Addr() netip.AddrPort {
	if t.listener == nil {
		return netip.AddrPort{}
	}
	return addrPortOf(t.listener.Addr())
}

// Close stops accepting and aborts every open data connection.
func (t *TCPTransport) Close() error {
	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}

	t.mu.Lock()
	open := make([]*TCPNode, 0, len(t.conns))
	for n := range t.conns {
		open = append(open, n)
	}
	t.mu.Unlock()

	for _, n := range open {
		err = multierr.Append(err, ignoreClosed(n.Close()))
	}
	return err
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func addrPortOf(a net.Addr) netip.AddrPort {
	if tcpAddr, ok := a.(*net.TCPAddr); ok {
		ap := tcpAddr.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	ap, _ := netip.ParseAddrPort(a.String())
	return ap
}
