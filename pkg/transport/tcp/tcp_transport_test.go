package tcp

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tarun-kavipurapu/p2p-rendezvous/pkg/transport"
)

func TestFrameHeaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrameHeader(&buf, FrameTypeStream, 1<<40))
	require.Equal(t, HeaderSize, buf.Len())

	typ, length, err := readFrameHeader(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint8(FrameTypeStream), typ)
	assert.Equal(t, uint64(1<<40), length)
}

func TestFrameHeaderRejectsUnknownType(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrameHeader(&buf, 0x7f, 1))
	_, _, err := readFrameHeader(&buf)
	assert.Error(t, err)
}

func TestFrameHeaderRejectsHugeControlFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrameHeader(&buf, FrameTypeControl, maxControlFrame+1))
	_, _, err := readFrameHeader(&buf)
	assert.Error(t, err)
}

func TestTransportControlThenStream(t *testing.T) {
	server := NewTCPTransport(TCPTransportOpts{ListenAddr: "127.0.0.1:0"})
	payload := strings.Repeat("0123456789", 1000)

	server.SetOnConn(func(n transport.Node) {
		frame, err := n.ReadFrame()
		if err != nil || frame.Type != FrameTypeControl {
			_ = n.SendError("expected control frame")
			return
		}
		if string(frame.Body) != "hello" {
			_ = n.SendError("unexpected request")
			return
		}
		_ = n.SendStream(strings.NewReader(payload), int64(len(payload)))
	})
	require.NoError(t, server.ListenAndAccept())
	defer server.Close()

	client := NewTCPTransport(TCPTransportOpts{DialTimeout: time.Second})
	node, err := client.Dial(context.Background(), server.Addr())
	require.NoError(t, err)
	defer node.Close()

	require.NoError(t, node.SendControl([]byte("hello")))

	frame, err := node.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, uint8(FrameTypeStream), frame.Type)
	require.Equal(t, uint64(len(payload)), frame.Length)

	got, err := io.ReadAll(frame.Stream)
	require.NoError(t, err)
	assert.Equal(t, payload, string(got))
}

func TestTransportErrorFrame(t *testing.T) {
	server := NewTCPTransport(TCPTransportOpts{ListenAddr: "127.0.0.1:0"})
	server.SetOnConn(func(n transport.Node) {
		_, _ = n.ReadFrame()
		_ = n.SendError("no such file")
	})
	require.NoError(t, server.ListenAndAccept())
	defer server.Close()

	client := NewTCPTransport(TCPTransportOpts{})
	node, err := client.Dial(context.Background(), server.Addr())
	require.NoError(t, err)
	defer node.Close()

	require.NoError(t, node.SendControl([]byte("x")))
	frame, err := node.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, uint8(FrameTypeError), frame.Type)
	assert.Equal(t, "no such file", string(frame.Body))
}

func TestCloseAbortsOpenConnections(t *testing.T) {
	accepted := make(chan struct{})
	release := make(chan struct{})

	server := NewTCPTransport(TCPTransportOpts{ListenAddr: "127.0.0.1:0"})
	server.SetOnConn(func(n transport.Node) {
		close(accepted)
		_, _ = n.ReadFrame()
		close(release)
	})
	require.NoError(t, server.ListenAndAccept())

	client := NewTCPTransport(TCPTransportOpts{})
	node, err := client.Dial(context.Background(), server.Addr())
	require.NoError(t, err)
	defer node.Close()

	<-accepted
	require.NoError(t, server.Close())

	select {
	case <-release:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not unblocked by Close")
	}

	_, err = node.ReadFrame()
	assert.Error(t, err)
}
