package peer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		output  Peer
		wantErr error
	}{
		{"correctly parses peer address", []byte{127, 0, 0, 1, 0x1A, 0xE1}, Peer{Addr: "127.0.0.1:6881"}, nil},
		{"fails with invalid address", []byte{127, 0, 0, 1}, Peer{}, ErrInvalidAddress},
		{"fails with zero port", []byte{127, 0, 0, 1, 0, 0}, Peer{}, ErrInvalidAddress},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			peer, err := Unmarshal(tt.input)

			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.output, peer)
		})
	}
}

func TestUnmarshalCompact(t *testing.T) {
	peers := UnmarshalCompact([]byte{
		127, 0, 0, 1, 0x1A, 0xE1,
		192, 168, 0, 10, 0x1B, 0x39,
		10, 0, 0,
	})

	assert.Equal(t, []Peer{{Addr: "127.0.0.1:6881"}, {Addr: "192.168.0.10:6969"}}, peers)
}
