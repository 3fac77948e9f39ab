package disk

import (
	"github.com/danferreira/gtorrentd/internal/bitfield"
)

type Kind uint8

const (
	KindWrite Kind = iota
	KindRead
	KindValidate
	KindScan
	KindPersist
	KindRemove
)

func (k Kind) String() string {
	switch k {
	case KindWrite:
		return "write"
	case KindRead:
		return "read"
	case KindValidate:
		return "validate"
	case KindScan:
		return "scan"
	case KindPersist:
		return "persist"
	case KindRemove:
		return "remove"
	}

	return "unknown"
}

// Request is a unit of work for the disk pool. Piece and Offset address a
// block for Write and Read; Validate only uses Piece. Persist writes Data to
// Path. Remove closes the torrent's files, deletes them when DeleteData is
// set and deletes Path when it is not empty.
type Request struct {
	Kind      Kind
	TorrentID uint64
	Layout    *Layout

	Piece  int
	Offset int
	Length int
	Data   []byte

	// PID is the peer the request is done for, echoed in the response.
	PID uint32

	Path       string
	DeleteData bool
}

type Response struct {
	Kind      Kind
	TorrentID uint64

	Piece  int
	Offset int
	Data   []byte
	PID    uint32

	// Valid is the Validate outcome; Have is the Scan outcome.
	Valid bool
	Have  *bitfield.Bitfield

	Err error
}

func Write(id uint64, l *Layout, piece, offset int, data []byte, pid uint32) Request {
	return Request{Kind: KindWrite, TorrentID: id, Layout: l, Piece: piece, Offset: offset, Data: data, PID: pid}
}

func Read(id uint64, l *Layout, piece, offset, length int, pid uint32) Request {
	return Request{Kind: KindRead, TorrentID: id, Layout: l, Piece: piece, Offset: offset, Length: length, PID: pid}
}

func Validate(id uint64, l *Layout, piece int) Request {
	return Request{Kind: KindValidate, TorrentID: id, Layout: l, Piece: piece}
}

func Scan(id uint64, l *Layout) Request {
	return Request{Kind: KindScan, TorrentID: id, Layout: l}
}

func Persist(id uint64, path string, data []byte) Request {
	return Request{Kind: KindPersist, TorrentID: id, Path: path, Data: data}
}

func Remove(id uint64, l *Layout, path string, deleteData bool) Request {
	return Request{Kind: KindRemove, TorrentID: id, Layout: l, Path: path, DeleteData: deleteData}
}
