package handshake

import (
	"errors"
	"fmt"
	"io"
)

const ProtocolIdentifier = "BitTorrent protocol"

var (
	ErrProtocol = errors.New("invalid protocol in handshake")
	ErrInfoHash = errors.New("info hash mismatch")
)

type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

func New(infoHash, peerID [20]byte) *Handshake {
	return &Handshake{InfoHash: infoHash, PeerID: peerID}
}

func (h *Handshake) Serialize() []byte {
	buf := make([]byte, len(ProtocolIdentifier)+49)
	buf[0] = byte(len(ProtocolIdentifier))
	curr := 1
	curr += copy(buf[curr:], []byte(ProtocolIdentifier))
	curr += copy(buf[curr:], make([]byte, 8)) // reserved
	curr += copy(buf[curr:], h.InfoHash[:])
	copy(buf[curr:], h.PeerID[:])
	return buf
}

func (h *Handshake) Write(writer io.Writer) error {
	_, err := writer.Write(h.Serialize())
	return err
}

func Read(reader io.Reader) (*Handshake, error) {
	buf := make([]byte, 1)

	_, err := io.ReadFull(reader, buf)
	if err != nil {
		return nil, fmt.Errorf("invalid handshake length: %w", err)
	}

	if int(buf[0]) != len(ProtocolIdentifier) {
		return nil, fmt.Errorf("%w: protocol length %d", ErrProtocol, buf[0])
	}

	buf = make([]byte, len(ProtocolIdentifier))
	_, err = io.ReadFull(reader, buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}

	if string(buf) != ProtocolIdentifier {
		return nil, fmt.Errorf("%w: unknown identifier %q", ErrProtocol, buf)
	}

	_, err = io.CopyN(io.Discard, reader, 8)
	if err != nil {
		return nil, err
	}

	var infoHash, peerID [20]byte

	_, err = io.ReadFull(reader, infoHash[:])
	if err != nil {
		return nil, err
	}

	_, err = io.ReadFull(reader, peerID[:])
	if err != nil {
		return nil, err
	}

	return &Handshake{
		InfoHash: infoHash,
		PeerID:   peerID,
	}, nil
}

// Initiate sends our handshake first and expects the remote to answer for the
// same torrent.
func Initiate(rw io.ReadWriter, infoHash, peerID [20]byte) (*Handshake, error) {
	if err := New(infoHash, peerID).Write(rw); err != nil {
		return nil, fmt.Errorf("failed to send handshake: %w", err)
	}

	h, err := Read(rw)
	if err != nil {
		return nil, err
	}

	if h.InfoHash != infoHash {
		return nil, ErrInfoHash
	}

	return h, nil
}

// Accept reads the remote handshake, resolves its info hash through known and
// replies with ours.
func Accept(rw io.ReadWriter, peerID [20]byte, known func([20]byte) bool) (*Handshake, error) {
	h, err := Read(rw)
	if err != nil {
		return nil, err
	}

	if !known(h.InfoHash) {
		return nil, fmt.Errorf("%w: %x", ErrInfoHash, h.InfoHash)
	}

	if err := New(h.InfoHash, peerID).Write(rw); err != nil {
		return nil, fmt.Errorf("failed to send handshake: %w", err)
	}

	return h, nil
}
