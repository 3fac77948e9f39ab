package rpc

import (
	"errors"

	"github.com/danferreira/gtorrentd/internal/state"
)

type Method uint8

const (
	MethodList Method = iota
	MethodGet
	MethodAdd
	MethodRemove
	MethodPause
	MethodResume
)

func (m Method) String() string {
	switch m {
	case MethodList:
		return "list"
	case MethodGet:
		return "get"
	case MethodAdd:
		return "add"
	case MethodRemove:
		return "remove"
	case MethodPause:
		return "pause"
	case MethodResume:
		return "resume"
	}

	return "unknown"
}

var (
	ErrNotFound = errors.New("torrent not found")
	ErrExists   = errors.New("torrent already added")
	ErrInvalid  = errors.New("invalid request")
	ErrTimeout  = errors.New("request timed out")
	ErrClosed   = errors.New("server closed")
)

// Request is a remote-control call waiting for the engine. ID pairs it with
// its Response.
type Request struct {
	ID       uint64
	Method   Method
	InfoHash [20]byte

	// Path and Dir are the torrent file and download directory of an add.
	Path string
	Dir  string

	DeleteData bool
}

type Response struct {
	ID       uint64
	Torrents []state.Snapshot
	Err      error
}
