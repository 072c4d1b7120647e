package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"tarun-kavipurapu/p2p-rendezvous/pkg/logger"
	"tarun-kavipurapu/p2p-rendezvous/pkg/monitor"
	"tarun-kavipurapu/p2p-rendezvous/pkg/protocol"
	"tarun-kavipurapu/p2p-rendezvous/pkg/transport"
	"tarun-kavipurapu/p2p-rendezvous/pkg/transport/tcp"
)

var (
	ErrShortTransfer  = errors.New("transfer ended before the declared length")
	ErrRemoteRejected = errors.New("host rejected the request")
)

type Direction int

const (
	Download Direction = iota
	Upload
)

func (d Direction) String() string {
	if d == Upload {
		return "upload"
	}
	return "download"
}

// TransferSession describes one file moving over one data connection.
type TransferSession struct {
	Filename  string
	Local     netip.AddrPort
	Remote    netip.AddrPort
	Direction Direction
	Size      int64
	Started   time.Time
}

// fetch runs the requester side: connect, send filereq, receive exactly the
// announced number of bytes. It returns the final path and the bytes received.
func (p *Peer) fetch(ctx context.Context, host netip.AddrPort, filename string) (string, int64, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
	node, err := p.Data.Dial(dialCtx, host)
	cancel()
	if err != nil {
		return "", 0, fmt.Errorf("failed to dial host %s: %w", host, err)
	}
	defer node.Close()

	if err := node.SetDeadline(time.Now().Add(p.cfg.TransferTimeout)); err != nil {
		return "", 0, err
	}
	// Cancelling ctx expires the deadline, which unblocks any pending read.
	stop := context.AfterFunc(ctx, func() { node.SetDeadline(time.Now()) })
	defer stop()

	req, err := protocol.FileRequest{Filename: filename, Requester: p.DataAddr()}.Packet()
	if err != nil {
		return "", 0, err
	}
	raw, err := protocol.EncodePacket(req)
	if err != nil {
		return "", 0, err
	}
	if err := node.SendControl(raw); err != nil {
		return "", 0, fmt.Errorf("failed to send filereq to %s: %w", host, err)
	}

	frame, err := node.ReadFrame()
	if err != nil {
		return "", 0, fmt.Errorf("failed to read reply from %s: %w", host, err)
	}
	switch frame.Type {
	case tcp.FrameTypeStream:
	case tcp.FrameTypeError:
		return "", 0, fmt.Errorf("%w: %s", ErrRemoteRejected, frame.Body)
	default:
		return "", 0, fmt.Errorf("%w: unexpected frame type %d", protocol.ErrMalformed, frame.Type)
	}
	if frame.Length > math.MaxInt64 {
		return "", 0, fmt.Errorf("%w: stream length %d", protocol.ErrMalformed, frame.Length)
	}

	session := TransferSession{
		Filename:  filename,
		Local:     node.LocalAddr(),
		Remote:    node.RemoteAddr(),
		Direction: Download,
		Size:      int64(frame.Length),
		Started:   time.Now(),
	}
	return p.receive(session, frame.Stream)
}

// receive writes the stream to a hidden, per-session part file and renames it
// into place only when every announced byte arrived.
func (p *Peer) receive(s TransferSession, stream io.Reader) (string, int64, error) {
	if err := os.MkdirAll(p.cfg.DownloadDir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create download directory: %w", err)
	}
	final := filepath.Join(p.cfg.DownloadDir, s.Filename)

	// Each session gets its own part file so concurrent fetches of one name
	// never share bytes.
	f, err := os.CreateTemp(p.cfg.DownloadDir, "."+s.Filename+".*.part")
	if err != nil {
		return "", 0, fmt.Errorf("create part file for %s: %w", s.Filename, err)
	}
	part := f.Name()
	if err := f.Chmod(0o644); err != nil {
		f.Close()
		os.Remove(part)
		return "", 0, fmt.Errorf("chmod %s: %w", part, err)
	}

	progress := NewTransferProgress(s.Filename, s.Remote.String(), uint64(s.Size))
	var renderer *ProgressRenderer
	if p.cfg.ShowProgress {
		renderer = NewProgressRenderer(progress, true)
		go renderer.Start()
	}
	finish := func(err error) {
		if err != nil {
			progress.MarkFailed(err)
		} else {
			progress.MarkComplete()
		}
		if renderer != nil {
			renderer.StopAndWait()
		}
	}

	logger.Sugar.Infof("[Transfer] receiving: file=%s from=%s size=%d", s.Filename, s.Remote, s.Size)
	n, err := io.Copy(f, io.TeeReader(stream, progress))
	closeErr := f.Close()
	if err == nil && n != s.Size {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		os.Remove(part)
		err = fmt.Errorf("%w: %s got %d of %d bytes: %v", ErrShortTransfer, s.Filename, n, s.Size, err)
		finish(err)
		monitor.RecordFailure()
		return "", n, err
	}
	if closeErr != nil {
		os.Remove(part)
		finish(closeErr)
		monitor.RecordFailure()
		return "", n, fmt.Errorf("write %s: %w", part, closeErr)
	}
	if err := os.Rename(part, final); err != nil {
		os.Remove(part)
		finish(err)
		monitor.RecordFailure()
		return "", n, fmt.Errorf("move %s into place: %w", s.Filename, err)
	}

	finish(nil)
	monitor.RecordTransfer(n, time.Since(s.Started))
	logger.Sugar.Infof("[Transfer] received: file=%s from=%s bytes=%d path=%s", s.Filename, s.Remote, n, final)
	return final, n, nil
}

// serveFile runs the host side for one accepted data connection. The
// transport closes the connection when it returns.
func (p *Peer) serveFile(node transport.Node) {
	remote := node.RemoteAddr()
	if err := node.SetDeadline(time.Now().Add(p.cfg.TransferTimeout)); err != nil {
		logger.Sugar.Warnf("[Transfer] set deadline failed: remote=%s err=%v", remote, err)
		return
	}

	frame, err := node.ReadFrame()
	if err != nil {
		logger.Sugar.Warnf("[Transfer] failed to read request: remote=%s err=%v", remote, err)
		return
	}
	if frame.Type != tcp.FrameTypeControl {
		p.reject(node, "expected filereq")
		return
	}

	pkt, err := protocol.Decode(frame.Body)
	if err != nil {
		p.reject(node, "malformed request")
		return
	}
	req, err := protocol.ParseFileRequest(pkt)
	if err != nil {
		p.reject(node, "malformed request")
		return
	}

	f, size, err := p.catalog.Open(req.Filename)
	if err != nil {
		logger.Sugar.Warnf("[Transfer] requested file not served: file=%s remote=%s err=%v", req.Filename, remote, err)
		p.reject(node, protocol.NotFoundSentinel)
		return
	}
	defer f.Close()

	s := TransferSession{
		Filename:  req.Filename,
		Local:     node.LocalAddr(),
		Remote:    remote,
		Direction: Upload,
		Size:      size,
		Started:   time.Now(),
	}
	logger.Sugar.Infof("[Transfer] sending: file=%s to=%s requester=%s size=%d", s.Filename, s.Remote, req.Requester, s.Size)

	if err := node.SendStream(f, s.Size); err != nil {
		logger.Sugar.Warnf("[Transfer] send failed: file=%s to=%s err=%v", s.Filename, s.Remote, err)
		monitor.RecordFailure()
		return
	}
	monitor.RecordTransfer(s.Size, time.Since(s.Started))
}

func (p *Peer) reject(node transport.Node, reason string) {
	logger.Sugar.Infof("[Transfer] rejecting request: remote=%s reason=%s", node.RemoteAddr(), reason)
	if err := node.SendError(reason); err != nil {
		logger.Sugar.Warnf("[Transfer] failed to send error frame: remote=%s err=%v", node.RemoteAddr(), err)
	}
}
