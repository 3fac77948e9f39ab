package peer

import (
	"encoding/binary"
	"errors"
	"net"
	"slices"
	"strconv"
)

var ErrInvalidAddress = errors.New("invalid peer address")

type Peer struct {
	Addr string
}

// Unmarshal decodes one compact peer entry: 4 bytes of IPv4 and a big-endian
// port.
func Unmarshal(buf []byte) (Peer, error) {
	if len(buf) != 6 {
		return Peer{}, ErrInvalidAddress
	}

	ip := net.IP(buf[:4])
	port := binary.BigEndian.Uint16(buf[4:])

	if port == 0 {
		return Peer{}, ErrInvalidAddress
	}

	return Peer{
		Addr: net.JoinHostPort(ip.String(), strconv.Itoa(int(port))),
	}, nil
}

// UnmarshalCompact decodes a compact peer list, skipping malformed entries.
func UnmarshalCompact(buf []byte) []Peer {
	peers := make([]Peer, 0, len(buf)/6)

	for chunk := range slices.Chunk(buf, 6) {
		p, err := Unmarshal(chunk)
		if err != nil {
			continue
		}
		peers = append(peers, p)
	}

	return peers
}
