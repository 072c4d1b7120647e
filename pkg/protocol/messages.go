package protocol

import (
	"fmt"
	"net/netip"
	"strconv"
)

// Sentinels carried in the data field.
const (
	NotFoundSentinel      = "filenotfound"
	DirectoryFullSentinel = "directoryfull"
)

// Announce is the connection packet a peer sends on start: who it is, where
// its data listener is, and what it hosts.
type Announce struct {
	Username string
	Data     netip.AddrPort
	Files    []string
}

func (a Announce) subfields() []string {
	fields := make([]string, 0, 3+len(a.Files))
	fields = append(fields, a.Username, a.Data.Addr().String(), strconv.Itoa(int(a.Data.Port())))
	return append(fields, a.Files...)
}

func (a Announce) Packet() (Packet, error) {
	if !ValidName(a.Username) {
		return Packet{}, fmt.Errorf("announce username %q: %w", a.Username, ErrReservedByte)
	}
	data, err := JoinSubfields(a.subfields()...)
	if err != nil {
		return Packet{}, err
	}
	return Packet{Type: TypeConnection, Data: data}, nil
}

// TrimToFit drops trailing files until the announce fits in one packet and
// returns the files that had to be left out.
func (a Announce) TrimToFit() (Announce, []string) {
	budget := MaxPacketSize - len(TypeConnection.String()) - 2 - len(EndMarker)
	used := 0
	for _, s := range a.subfields()[:3] {
		used += len(s) + 1
	}

	kept := make([]string, 0, len(a.Files))
	var dropped []string
	for _, f := range a.Files {
		if used+len(f)+1 > budget {
			dropped = append(dropped, f)
			continue
		}
		used += len(f) + 1
		kept = append(kept, f)
	}
	a.Files = kept
	return a, dropped
}

func ParseAnnounce(p Packet) (Announce, error) {
	if p.Type != TypeConnection {
		return Announce{}, fmt.Errorf("%w: expected %s, got %s", ErrMalformed, TypeConnection, p.Type)
	}
	fields := p.Subfields()
	if len(fields) < 3 {
		return Announce{}, fmt.Errorf("%w: connection needs username and data address", ErrMalformed)
	}
	if fields[0] == "" {
		return Announce{}, fmt.Errorf("%w: empty username", ErrMalformed)
	}
	data, err := parseAddrPort(fields[1], fields[2])
	if err != nil {
		return Announce{}, err
	}
	if data.Port() == 0 {
		return Announce{}, fmt.Errorf("%w: data port 0", ErrMalformed)
	}

	files := make([]string, 0, len(fields)-3)
	for _, f := range fields[3:] {
		if f != "" {
			files = append(files, f)
		}
	}
	return Announce{Username: fields[0], Data: data, Files: files}, nil
}

// DirectoryFullPacket is the tracker's reply to an announce it cannot admit.
func DirectoryFullPacket() Packet {
	return Packet{Type: TypeConnection, Data: DirectoryFullSentinel + string(SubfieldDelimiter)}
}

func IsDirectoryFull(p Packet) bool {
	fields := p.Subfields()
	return p.Type == TypeConnection && len(fields) > 0 && fields[0] == DirectoryFullSentinel
}

// Probe is a status packet. The tracker puts one token per heartbeat cycle in
// it and peers echo the token back.
type Probe struct {
	Token string
}

func (pr Probe) Packet() (Packet, error) {
	if pr.Token == "" {
		return Packet{Type: TypeStatus}, nil
	}
	data, err := JoinSubfields(pr.Token)
	if err != nil {
		return Packet{}, err
	}
	return Packet{Type: TypeStatus, Data: data}, nil
}

func ParseProbe(p Packet) Probe {
	fields := p.Subfields()
	if len(fields) == 0 {
		return Probe{}
	}
	return Probe{Token: fields[0]}
}

// ResourcePair is one (owner, filename) fact of the catalog.
type ResourcePair struct {
	Username string
	Filename string
}

// ResourcePackets flattens the catalog into as many resource packets as
// needed. A pair is never split across packets; an empty catalog still
// produces one (empty) packet so the requester gets an answer.
func ResourcePackets(pairs []ResourcePair) ([]Packet, error) {
	budget := MaxPacketSize - len(TypeResource.String()) - 2 - len(EndMarker)

	var packets []Packet
	var cur []string
	used := 0
	for _, pair := range pairs {
		if !ValidName(pair.Username) || !ValidName(pair.Filename) {
			return nil, fmt.Errorf("resource %s/%s: %w", pair.Username, pair.Filename, ErrReservedByte)
		}
		need := len(pair.Username) + len(pair.Filename) + 2
		if need > budget {
			return nil, fmt.Errorf("resource %s/%s: %w", pair.Username, pair.Filename, ErrPacketTooLarge)
		}
		if used+need > budget {
			data, _ := JoinSubfields(cur...)
			packets = append(packets, Packet{Type: TypeResource, Data: data})
			cur, used = nil, 0
		}
		cur = append(cur, pair.Username, pair.Filename)
		used += need
	}
	if len(cur) > 0 || len(packets) == 0 {
		data, _ := JoinSubfields(cur...)
		packets = append(packets, Packet{Type: TypeResource, Data: data})
	}
	return packets, nil
}

func ParseResourceList(p Packet) ([]ResourcePair, error) {
	if p.Type != TypeResource {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrMalformed, TypeResource, p.Type)
	}
	fields := p.Subfields()
	if len(fields)%2 != 0 {
		return nil, fmt.Errorf("%w: odd number of resource subfields (%d)", ErrMalformed, len(fields))
	}
	pairs := make([]ResourcePair, 0, len(fields)/2)
	for i := 0; i < len(fields); i += 2 {
		pairs = append(pairs, ResourcePair{Username: fields[i], Filename: fields[i+1]})
	}
	return pairs, nil
}

// LookupRequest asks the tracker who hosts Filename.
type LookupRequest struct {
	Filename string
}

func (r LookupRequest) Packet() (Packet, error) {
	data, err := JoinSubfields(r.Filename)
	if err != nil {
		return Packet{}, err
	}
	return Packet{Type: TypeTCPInfo, Data: data}, nil
}

func ParseLookupRequest(p Packet) (LookupRequest, error) {
	fields := p.Subfields()
	if p.Type != TypeTCPInfo || len(fields) == 0 || fields[0] == "" {
		return LookupRequest{}, fmt.Errorf("%w: tcpinfo request without filename", ErrMalformed)
	}
	return LookupRequest{Filename: fields[0]}, nil
}

// LookupAnswer is the tracker's tcpinfo reply. When Found is false the data
// field carries NotFoundSentinel instead of a host tuple.
type LookupAnswer struct {
	Filename string
	Host     netip.AddrPort
	Found    bool
}

func (a LookupAnswer) Packet() (Packet, error) {
	var data string
	var err error
	if a.Found {
		data, err = JoinSubfields(a.Filename, a.Host.Addr().String(), strconv.Itoa(int(a.Host.Port())))
	} else {
		data, err = JoinSubfields(a.Filename, NotFoundSentinel)
	}
	if err != nil {
		return Packet{}, err
	}
	return Packet{Type: TypeTCPInfo, Data: data}, nil
}

// ParseLookupAnswer checks for the not-found sentinel before reading a tuple.
// A bare sentinel with no filename is accepted and yields an empty Filename.
func ParseLookupAnswer(p Packet) (LookupAnswer, error) {
	if p.Type != TypeTCPInfo {
		return LookupAnswer{}, fmt.Errorf("%w: expected %s, got %s", ErrMalformed, TypeTCPInfo, p.Type)
	}
	fields := p.Subfields()
	switch {
	case len(fields) == 1 && fields[0] == NotFoundSentinel:
		return LookupAnswer{}, nil
	case len(fields) == 2 && fields[1] == NotFoundSentinel:
		return LookupAnswer{Filename: fields[0]}, nil
	case len(fields) == 3:
		host, err := parseAddrPort(fields[1], fields[2])
		if err != nil {
			return LookupAnswer{}, err
		}
		if !host.IsValid() || host.Port() == 0 {
			return LookupAnswer{}, fmt.Errorf("%w: zero host tuple", ErrMalformed)
		}
		return LookupAnswer{Filename: fields[0], Host: host, Found: true}, nil
	default:
		return LookupAnswer{}, fmt.Errorf("%w: tcpinfo answer with %d subfields", ErrMalformed, len(fields))
	}
}

// FileRequest is sent by the requester over the data connection.
type FileRequest struct {
	Filename  string
	Requester netip.AddrPort
}

func (r FileRequest) Packet() (Packet, error) {
	data, err := JoinSubfields(r.Filename, r.Requester.Addr().String(), strconv.Itoa(int(r.Requester.Port())))
	if err != nil {
		return Packet{}, err
	}
	return Packet{Type: TypeFileReq, Data: data}, nil
}

func ParseFileRequest(p Packet) (FileRequest, error) {
	if p.Type != TypeFileReq {
		return FileRequest{}, fmt.Errorf("%w: expected %s, got %s", ErrMalformed, TypeFileReq, p.Type)
	}
	fields := p.Subfields()
	if len(fields) != 3 || fields[0] == "" {
		return FileRequest{}, fmt.Errorf("%w: filereq needs filename and requester address", ErrMalformed)
	}
	requester, err := parseAddrPort(fields[1], fields[2])
	if err != nil {
		return FileRequest{}, err
	}
	return FileRequest{Filename: fields[0], Requester: requester}, nil
}

func parseAddrPort(ip, port string) (netip.AddrPort, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: address %q: %v", ErrMalformed, ip, err)
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: port %q: %v", ErrMalformed, port, err)
	}
	return netip.AddrPortFrom(addr, uint16(p)), nil
}
