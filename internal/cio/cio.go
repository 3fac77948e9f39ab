// Package cio multiplexes every source the control loop listens to (peer
// sockets, timers, the disk pool, the tracker worker, the listener and the
// RPC server) into a single stream of events.
package cio

import (
	"errors"
	"net"
	"time"

	"github.com/danferreira/gtorrentd/internal/disk"
	"github.com/danferreira/gtorrentd/internal/listener"
	"github.com/danferreira/gtorrentd/internal/message"
	"github.com/danferreira/gtorrentd/internal/picker"
	"github.com/danferreira/gtorrentd/internal/rpc"
	"github.com/danferreira/gtorrentd/internal/tracker"
)

// PID is a registered peer connection.
type PID = picker.PID

// TID is a pending timer.
type TID uint32

type Kind uint8

const (
	KindTimer Kind = iota
	KindPeer
	KindRPC
	KindTracker
	KindDisk
	KindListener
)

func (k Kind) String() string {
	switch k {
	case KindTimer:
		return "timer"
	case KindPeer:
		return "peer"
	case KindRPC:
		return "rpc"
	case KindTracker:
		return "tracker"
	case KindDisk:
		return "disk"
	case KindListener:
		return "listener"
	}

	return "unknown"
}

// Event is one thing that happened. Kind tells which of the payload fields
// is set. Err carries the failure of the source, if any: a peer Event with Err
// means the connection is gone and the PID must be removed.
type Event struct {
	Kind Kind

	PID     PID
	TID     TID
	Message *message.Message

	RPC      rpc.Request
	Tracker  tracker.Response
	Disk     disk.Response
	Listener listener.Conn

	Err error
}

var (
	// ErrPlumbing means a worker stopped serving; the multiplexer is unusable.
	ErrPlumbing = errors.New("cio plumbing failure")
	ErrFull     = errors.New("too many open sockets")
	ErrClosed   = errors.New("cio closed")
)

// CIO is everything the control loop may do. None of the Msg methods block.
// Messages to one destination are delivered in the order they were sent.
type CIO interface {
	// Poll appends the events that are ready to events, waiting at most the
	// poll interval for the first one.
	Poll(events []Event) ([]Event, error)

	AddPeer(conn net.Conn) (PID, error)
	RemovePeer(pid PID)

	MsgPeer(pid PID, m *message.Message)
	MsgRPC(resp rpc.Response)
	MsgTracker(req tracker.Request)
	MsgDisk(req disk.Request)
	MsgListener(req listener.Request)

	// SetTimer schedules exactly one timer event after d.
	SetTimer(d time.Duration) (TID, error)
	CancelTimer(tid TID)

	// NewHandle returns a CIO sharing the same sources. Each event is
	// delivered to only one of the handles.
	NewHandle() CIO
}
