package peer

import (
	"crypto/rand"
	"encoding/hex"
)

const peerIDPrefix = "-GD0001-"

type PeerID = [20]byte

// NewPeerID returns a fresh Azureus-style peer id. The daemon generates it
// once at startup and hands it to every component that needs it.
func NewPeerID() (PeerID, error) {
	var id PeerID
	copy(id[:], peerIDPrefix)

	var tail [6]byte
	if _, err := rand.Read(tail[:]); err != nil {
		return id, err
	}

	// 6 random bytes, hex encoded into the 12 printable bytes left
	hex.Encode(id[len(peerIDPrefix):], tail[:])

	return id, nil
}
