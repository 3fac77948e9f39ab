package handshake

import (
	"bytes"
	"net"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerialize(t *testing.T) {
	h := Handshake{
		InfoHash: [20]byte{20, 19, 18, 17, 16, 15, 14, 13, 12, 11, 10, 9, 8, 7, 6, 5, 4, 3, 2, 1},
		PeerID:   [20]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20},
	}

	serialized := h.Serialize()

	assert.Equal(t, []byte{19, 66, 105, 116, 84, 111, 114, 114, 101, 110, 116, 32, 112, 114, 111, 116, 111, 99, 111, 108, 0, 0, 0, 0, 0, 0, 0, 0, 20, 19, 18, 17, 16, 15, 14, 13, 12, 11, 10, 9, 8, 7, 6, 5, 4, 3, 2, 1, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20}, serialized)
}

func TestRead(t *testing.T) {
	infoHash := [20]byte{8}
	peerID := [20]byte{9}

	tests := map[string]struct {
		input      []byte
		output     *Handshake
		shouldFail bool
	}{
		"mal constructed buffer":      {[]byte{0}, nil, true},
		"invalid protocol length":     {[]byte{18}, nil, true},
		"invalid protocol identifier": {append([]byte{19}, []byte("Some Other protocol")...), nil, true},
		"valid handshake": {slices.Concat([]byte{19}, []byte("BitTorrent protocol"), []byte{0, 0, 0, 0, 0, 0, 0, 0}, infoHash[:], peerID[:]), &Handshake{
			InfoHash: infoHash,
			PeerID:   peerID,
		}, false},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			h, err := Read(bytes.NewBuffer(tt.input))

			if tt.shouldFail {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tt.output, h)
			}
		})
	}
}

func TestWrite(t *testing.T) {
	h := Handshake{
		InfoHash: [20]byte{8},
		PeerID:   [20]byte{9},
	}

	buffer := new(bytes.Buffer)
	err := h.Write(buffer)

	assert.Nil(t, err)
	assert.Equal(t, slices.Concat([]byte{19}, []byte("BitTorrent protocol"), []byte{0, 0, 0, 0, 0, 0, 0, 0}, h.InfoHash[:], h.PeerID[:]), buffer.Bytes())
}

func TestInitiateAndAccept(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	infoHash := [20]byte{1, 2, 3}
	type result struct {
		h   *Handshake
		err error
	}
	accepted := make(chan result, 1)

	go func() {
		h, err := Accept(server, [20]byte{'s'}, func(ih [20]byte) bool { return ih == infoHash })
		accepted <- result{h, err}
	}()

	h, err := Initiate(client, infoHash, [20]byte{'c'})
	require.NoError(t, err)
	assert.Equal(t, [20]byte{'s'}, h.PeerID)

	r := <-accepted
	require.NoError(t, r.err)
	assert.Equal(t, [20]byte{'c'}, r.h.PeerID)
}

func TestAcceptUnknownTorrent(t *testing.T) {
	in := bytes.NewBuffer(New([20]byte{7}, [20]byte{1}).Serialize())

	_, err := Accept(struct {
		*bytes.Buffer
	}{in}, [20]byte{2}, func([20]byte) bool { return false })

	assert.ErrorIs(t, err, ErrInfoHash)
}
