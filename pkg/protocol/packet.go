package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// Wire layout: <type>$<data>$endpacket, where data is zero or more "<subfield>&" runs.
const (
	FieldDelimiter    = '$'
	SubfieldDelimiter = '&'
	EndMarker         = "endpacket"

	// MaxPacketSize bounds an encoded packet, end marker included.
	MaxPacketSize = 220
)

var (
	ErrUnknownType    = errors.New("unrecognized packet type")
	ErrMalformed      = errors.New("malformed packet")
	ErrPacketTooLarge = errors.New("packet exceeds maximum size")
	ErrReservedByte   = errors.New("payload contains a reserved delimiter")
)

// PacketType enumerates the control-plane messages.
type PacketType uint8

const (
	TypeConnection PacketType = iota
	TypeStatus
	TypeResource
	TypeTCPInfo
	TypeFileReq
)

var packetTypeTokens = [...]string{
	TypeConnection: "connection",
	TypeStatus:     "status",
	TypeResource:   "resource",
	TypeTCPInfo:    "tcpinfo",
	TypeFileReq:    "filereq",
}

func (t PacketType) String() string {
	if int(t) < len(packetTypeTokens) {
		return packetTypeTokens[t]
	}
	return fmt.Sprintf("PacketType(%d)", uint8(t))
}

// Valid reports whether t is one of the known packet types.
func (t PacketType) Valid() bool {
	return int(t) < len(packetTypeTokens)
}

// ParsePacketType maps a wire token to its PacketType.
func ParsePacketType(token string) (PacketType, error) {
	for i, tok := range packetTypeTokens {
		if tok == token {
			return PacketType(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownType, token)
}

// Packet is a decoded control-plane message. Data holds the raw data field,
// subfield delimiters included.
type Packet struct {
	Type PacketType
	Data string
}

// Subfields splits the data field into its subfields.
func (p Packet) Subfields() []string {
	return SplitSubfields(p.Data)
}

// DecodeError describes why a datagram could not be decoded.
type DecodeError struct {
	Raw []byte
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode packet (%d bytes): %v", len(e.Raw), e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Encode frames a packet. The data field is written verbatim, so it must not
// contain the field delimiter; the codec does not escape.
func Encode(t PacketType, data string) ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("encode: %w: %s", ErrUnknownType, t)
	}
	if strings.IndexByte(data, FieldDelimiter) >= 0 {
		return nil, fmt.Errorf("encode %s: %w %q", t, ErrReservedByte, FieldDelimiter)
	}

	token := t.String()
	size := len(token) + 1 + len(data) + 1 + len(EndMarker)
	if size > MaxPacketSize {
		return nil, fmt.Errorf("encode %s: %w: %d > %d", t, ErrPacketTooLarge, size, MaxPacketSize)
	}

	buf := make([]byte, 0, size)
	buf = append(buf, token...)
	buf = append(buf, FieldDelimiter)
	buf = append(buf, data...)
	buf = append(buf, FieldDelimiter)
	buf = append(buf, EndMarker...)
	return buf, nil
}

// EncodePacket is Encode for an already assembled Packet.
func EncodePacket(p Packet) ([]byte, error) {
	return Encode(p.Type, p.Data)
}

// Decode parses a single datagram. It never panics and only looks at raw[:len(raw)].
func Decode(raw []byte) (Packet, error) {
	if len(raw) > MaxPacketSize {
		return Packet{}, &DecodeError{Raw: raw, Err: ErrPacketTooLarge}
	}

	tail := []byte{FieldDelimiter}
	tail = append(tail, EndMarker...)
	if !bytes.HasSuffix(raw, tail) {
		return Packet{}, &DecodeError{Raw: raw, Err: fmt.Errorf("%w: missing end marker", ErrMalformed)}
	}
	body := raw[:len(raw)-len(tail)]

	sep := bytes.IndexByte(body, FieldDelimiter)
	if sep < 0 {
		return Packet{}, &DecodeError{Raw: raw, Err: fmt.Errorf("%w: missing field delimiter", ErrMalformed)}
	}
	typeToken, data := body[:sep], body[sep+1:]
	if bytes.IndexByte(data, FieldDelimiter) >= 0 {
		return Packet{}, &DecodeError{Raw: raw, Err: fmt.Errorf("%w: extra field", ErrMalformed)}
	}

	t, err := ParsePacketType(string(typeToken))
	if err != nil {
		return Packet{}, &DecodeError{Raw: raw, Err: err}
	}
	return Packet{Type: t, Data: string(data)}, nil
}

// JoinSubfields builds a data field, terminating every subfield with '&'.
func JoinSubfields(subfields ...string) (string, error) {
	var sb strings.Builder
	for _, s := range subfields {
		if strings.IndexByte(s, SubfieldDelimiter) >= 0 || strings.IndexByte(s, FieldDelimiter) >= 0 {
			return "", fmt.Errorf("subfield %q: %w", s, ErrReservedByte)
		}
		sb.WriteString(s)
		sb.WriteByte(SubfieldDelimiter)
	}
	return sb.String(), nil
}

// SplitSubfields is the inverse of JoinSubfields. A missing trailing '&' on the
// last subfield is tolerated.
func SplitSubfields(data string) []string {
	if data == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(data, string(SubfieldDelimiter)), string(SubfieldDelimiter))
}

// ValidName reports whether s can travel as a subfield.
func ValidName(s string) bool {
	return s != "" && !strings.ContainsAny(s, string([]byte{FieldDelimiter, SubfieldDelimiter}))
}
