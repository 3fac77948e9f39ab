package state

import (
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/zeebo/bencode"
)

type Status uint8

const (
	Checking Status = iota
	Downloading
	Seeding
	Paused
	Errored
)

func (s Status) String() string {
	switch s {
	case Checking:
		return "checking"
	case Downloading:
		return "downloading"
	case Seeding:
		return "seeding"
	case Paused:
		return "paused"
	case Errored:
		return "errored"
	}

	return ""
}

// Active reports whether a torrent in this status talks to peers.
func (s Status) Active() bool {
	return s == Downloading || s == Seeding
}

type Stats struct {
	Downloaded int64
	Uploaded   int64
	Left       int64
}

// Snapshot is a point-in-time view of a torrent, handed to the RPC server.
type Snapshot struct {
	InfoHash string `json:"info_hash"`
	Name     string `json:"name"`
	Dir      string `json:"dir"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`

	Size       int64 `json:"size"`
	Downloaded int64 `json:"downloaded"`
	Uploaded   int64 `json:"uploaded"`
	Left       int64 `json:"left"`

	Pieces   int     `json:"pieces"`
	Have     int     `json:"have"`
	Peers    int     `json:"peers"`
	Endgame  bool    `json:"endgame"`
	Progress float64 `json:"progress"`
}

var ErrResume = errors.New("invalid resume record")

// Resume is what survives a restart for one torrent.
type Resume struct {
	InfoHash    []byte `bencode:"info_hash"`
	TorrentPath string `bencode:"torrent"`
	Dir         string `bencode:"dir"`
	Bitfield    []byte `bencode:"bitfield"`
	Downloaded  int64  `bencode:"downloaded"`
	Uploaded    int64  `bencode:"uploaded"`
	Paused      bool   `bencode:"paused"`
}

func (r *Resume) Encode() ([]byte, error) {
	data, err := bencode.EncodeBytes(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode resume record: %w", err)
	}

	return data, nil
}

func DecodeResume(data []byte) (*Resume, error) {
	var r Resume
	if err := bencode.DecodeBytes(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrResume, err)
	}

	if len(r.InfoHash) != 20 {
		return nil, fmt.Errorf("%w: info hash of %d bytes", ErrResume, len(r.InfoHash))
	}

	if r.TorrentPath == "" {
		return nil, fmt.Errorf("%w: missing torrent path", ErrResume)
	}

	return &r, nil
}

// ResumePath is where the resume record of infoHash lives under dir.
func ResumePath(dir string, infoHash [20]byte) string {
	return filepath.Join(dir, hex.EncodeToString(infoHash[:])+".resume")
}
