package protocol

import (
	"errors"
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeWireLayout(t *testing.T) {
	raw, err := Encode(TypeStatus, "abc&")
	require.NoError(t, err)
	assert.Equal(t, "status$abc&$endpacket", string(raw))

	raw, err = Encode(TypeResource, "")
	require.NoError(t, err)
	assert.Equal(t, "resource$$endpacket", string(raw))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Packet{
		{Type: TypeConnection, Data: "alice&10.0.0.1&9000&a.txt&b.txt&"},
		{Type: TypeStatus, Data: ""},
		{Type: TypeStatus, Data: "testing"},
		{Type: TypeResource, Data: "alice&a.txt&bob&b.txt&"},
		{Type: TypeTCPInfo, Data: "a.txt&"},
		{Type: TypeFileReq, Data: "a.txt&10.0.0.2&9001&"},
		{Type: TypeFileReq, Data: strings.Repeat("x", MaxPacketSize-len("filereq")-2-len(EndMarker))},
	}
	for _, want := range cases {
		t.Run(want.Type.String(), func(t *testing.T) {
			raw, err := EncodePacket(want)
			require.NoError(t, err)
			require.LessOrEqual(t, len(raw), MaxPacketSize)

			got, err := Decode(raw)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestEncodeRejectsOversize(t *testing.T) {
	data := strings.Repeat("x", MaxPacketSize)
	_, err := Encode(TypeFileReq, data)
	require.ErrorIs(t, err, ErrPacketTooLarge)
}

func TestEncodeRejectsFieldDelimiter(t *testing.T) {
	_, err := Encode(TypeTCPInfo, "a$b&")
	require.ErrorIs(t, err, ErrReservedByte)
}

func TestDecodeErrors(t *testing.T) {
	cases := map[string]struct {
		raw  string
		want error
	}{
		"unknown type":      {"hello$x&$endpacket", ErrUnknownType},
		"no end marker":     {"status$x&$", ErrMalformed},
		"truncated marker":  {"status$x&$endpack", ErrMalformed},
		"no type delimiter": {"status$endpacket", ErrMalformed},
		"extra field":       {"status$a$b$endpacket", ErrMalformed},
		"empty":             {"", ErrMalformed},
		"oversize":          {strings.Repeat("y", MaxPacketSize+1), ErrPacketTooLarge},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(tc.raw))
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)

			var de *DecodeError
			assert.True(t, errors.As(err, &de))
		})
	}
}

func TestDecodeIgnoresBytesBeyondSlice(t *testing.T) {
	buf := []byte("status$tok&$endpacketGARBAGE")
	p, err := Decode(buf[:len("status$tok&$endpacket")])
	require.NoError(t, err)
	assert.Equal(t, "tok", ParseProbe(p).Token)
}

func TestSubfields(t *testing.T) {
	data, err := JoinSubfields("a", "", "c")
	require.NoError(t, err)
	assert.Equal(t, "a&&c&", data)
	assert.Equal(t, []string{"a", "", "c"}, SplitSubfields(data))

	assert.Nil(t, SplitSubfields(""))
	assert.Equal(t, []string{"a", "b"}, SplitSubfields("a&b"))

	_, err = JoinSubfields("bad&name")
	assert.ErrorIs(t, err, ErrReservedByte)
}

func TestParsePacketType(t *testing.T) {
	for i, tok := range []string{"connection", "status", "resource", "tcpinfo", "filereq"} {
		pt, err := ParsePacketType(tok)
		require.NoError(t, err)
		assert.Equal(t, PacketType(i), pt)
		assert.Equal(t, tok, pt.String())
	}
	assert.False(t, PacketType(9).Valid())
}

func TestAnnounceRoundTrip(t *testing.T) {
	in := Announce{
		Username: "alice",
		Data:     netip.MustParseAddrPort("10.0.0.1:9000"),
		Files:    []string{"a.txt", "b.txt"},
	}
	p, err := in.Packet()
	require.NoError(t, err)
	assert.Equal(t, "alice&10.0.0.1&9000&a.txt&b.txt&", p.Data)

	out, err := ParseAnnounce(p)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestAnnounceTrimToFit(t *testing.T) {
	var files []string
	for i := 0; i < 40; i++ {
		files = append(files, strings.Repeat("f", 10)+string(rune('a'+i%26)))
	}
	in := Announce{Username: "alice", Data: netip.MustParseAddrPort("10.0.0.1:9000"), Files: files}

	_, err := func() ([]byte, error) {
		p, err := in.Packet()
		if err != nil {
			return nil, err
		}
		return EncodePacket(p)
	}()
	require.ErrorIs(t, err, ErrPacketTooLarge)

	trimmed, dropped := in.TrimToFit()
	require.NotEmpty(t, dropped)
	assert.Equal(t, len(files), len(trimmed.Files)+len(dropped))

	p, err := trimmed.Packet()
	require.NoError(t, err)
	raw, err := EncodePacket(p)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(raw), MaxPacketSize)
}

func TestParseAnnounceRejectsBadTuple(t *testing.T) {
	_, err := ParseAnnounce(Packet{Type: TypeConnection, Data: "alice&not-an-ip&9000&"})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = ParseAnnounce(Packet{Type: TypeConnection, Data: "alice&10.0.0.1&99999&"})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = ParseAnnounce(Packet{Type: TypeConnection, Data: "alice&"})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = ParseAnnounce(Packet{Type: TypeConnection, Data: "alice&10.0.0.1&0&a.txt&"})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDirectoryFullPacket(t *testing.T) {
	p := DirectoryFullPacket()
	assert.True(t, IsDirectoryFull(p))
	assert.False(t, IsDirectoryFull(Packet{Type: TypeConnection, Data: "alice&10.0.0.1&1&"}))

	_, err := EncodePacket(p)
	require.NoError(t, err)
}

func TestLookupAnswer(t *testing.T) {
	found := LookupAnswer{Filename: "a.txt", Host: netip.MustParseAddrPort("10.0.0.1:9000"), Found: true}
	p, err := found.Packet()
	require.NoError(t, err)
	assert.Equal(t, "a.txt&10.0.0.1&9000&", p.Data)
	got, err := ParseLookupAnswer(p)
	require.NoError(t, err)
	assert.Equal(t, found, got)

	miss := LookupAnswer{Filename: "missing.txt"}
	p, err = miss.Packet()
	require.NoError(t, err)
	got, err = ParseLookupAnswer(p)
	require.NoError(t, err)
	assert.False(t, got.Found)
	assert.False(t, got.Host.IsValid())
	assert.Equal(t, "missing.txt", got.Filename)

	got, err = ParseLookupAnswer(Packet{Type: TypeTCPInfo, Data: NotFoundSentinel})
	require.NoError(t, err)
	assert.False(t, got.Found)

	_, err = ParseLookupAnswer(Packet{Type: TypeTCPInfo, Data: "a.txt&0.0.0.0&0&"})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestResourcePacketsSplitsPairs(t *testing.T) {
	var pairs []ResourcePair
	for i := 0; i < 30; i++ {
		pairs = append(pairs, ResourcePair{Username: "user" + string(rune('a'+i%26)), Filename: "file-" + strings.Repeat("z", i%7) + ".bin"})
	}
	packets, err := ResourcePackets(pairs)
	require.NoError(t, err)
	require.Greater(t, len(packets), 1)

	var got []ResourcePair
	for _, p := range packets {
		raw, err := EncodePacket(p)
		require.NoError(t, err)
		decoded, err := Decode(raw)
		require.NoError(t, err)
		part, err := ParseResourceList(decoded)
		require.NoError(t, err)
		got = append(got, part...)
	}
	assert.Equal(t, pairs, got)
}

func TestResourcePacketsEmptyCatalog(t *testing.T) {
	packets, err := ResourcePackets(nil)
	require.NoError(t, err)
	require.Len(t, packets, 1)
	pairs, err := ParseResourceList(packets[0])
	require.NoError(t, err)
	assert.Empty(t, pairs)
}

func TestFileRequestRoundTrip(t *testing.T) {
	in := FileRequest{Filename: "a.txt", Requester: netip.MustParseAddrPort("10.0.0.2:9001")}
	p, err := in.Packet()
	require.NoError(t, err)
	out, err := ParseFileRequest(p)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = ParseFileRequest(Packet{Type: TypeFileReq, Data: "a.txt&"})
	assert.ErrorIs(t, err, ErrMalformed)
}
