// Package ciotest provides a scripted cio.CIO for controller tests.
package ciotest

import (
	"net"
	"sync"
	"time"

	"github.com/danferreira/gtorrentd/internal/cio"
	"github.com/danferreira/gtorrentd/internal/disk"
	"github.com/danferreira/gtorrentd/internal/listener"
	"github.com/danferreira/gtorrentd/internal/message"
	"github.com/danferreira/gtorrentd/internal/rpc"
	"github.com/danferreira/gtorrentd/internal/tracker"
)

// CIO hands out events pushed by the test and records everything sent
// through it. PIDs and TIDs are sequential and never reused.
type CIO struct {
	mu sync.Mutex

	queue []cio.Event
	err   error

	MaxPeers int

	nextPID cio.PID
	nextTID cio.TID

	peers   map[cio.PID]net.Conn
	removed map[cio.PID]bool
	timers  map[cio.TID]time.Duration

	peerMsgs map[cio.PID][]*message.Message
	rpc      []rpc.Response
	tracker  []tracker.Request
	disk     []disk.Request
	listener []listener.Request
}

func New() *CIO {
	return &CIO{
		nextPID:  1,
		nextTID:  1,
		peers:    make(map[cio.PID]net.Conn),
		removed:  make(map[cio.PID]bool),
		timers:   make(map[cio.TID]time.Duration),
		peerMsgs: make(map[cio.PID][]*message.Message),
	}
}

// Push queues events for the next Poll.
func (c *CIO) Push(events ...cio.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, events...)
}

// Fail makes Poll return err once the queue is empty.
func (c *CIO) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// Fire queues the timer event of tid, as if it expired.
func (c *CIO) Fire(tid cio.TID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.timers[tid]; !ok {
		return false
	}

	delete(c.timers, tid)
	c.queue = append(c.queue, cio.Event{Kind: cio.KindTimer, TID: tid})
	return true
}

func (c *CIO) Poll(events []cio.Event) ([]cio.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) == 0 && c.err != nil {
		return events, c.err
	}

	events = append(events, c.queue...)
	c.queue = nil
	return events, nil
}

func (c *CIO) AddPeer(conn net.Conn) (cio.PID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.MaxPeers > 0 && len(c.peers) >= c.MaxPeers {
		return 0, cio.ErrFull
	}

	pid := c.nextPID
	c.nextPID++
	c.peers[pid] = conn
	return pid, nil
}

func (c *CIO) RemovePeer(pid cio.PID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, ok := c.peers[pid]; ok {
		delete(c.peers, pid)
		c.removed[pid] = true
		if conn != nil {
			conn.Close()
		}
	}
}

func (c *CIO) MsgPeer(pid cio.PID, m *message.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peerMsgs[pid] = append(c.peerMsgs[pid], m)
}

func (c *CIO) MsgRPC(resp rpc.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rpc = append(c.rpc, resp)
}

func (c *CIO) MsgTracker(req tracker.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracker = append(c.tracker, req)
}

func (c *CIO) MsgDisk(req disk.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disk = append(c.disk, req)
}

func (c *CIO) MsgListener(req listener.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = append(c.listener, req)
}

func (c *CIO) SetTimer(d time.Duration) (cio.TID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tid := c.nextTID
	c.nextTID++
	c.timers[tid] = d
	return tid, nil
}

func (c *CIO) CancelTimer(tid cio.TID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.timers, tid)
}

func (c *CIO) NewHandle() cio.CIO {
	return c
}

// Connected reports whether pid is registered.
func (c *CIO) Connected(pid cio.PID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.peers[pid]
	return ok
}

func (c *CIO) Removed(pid cio.PID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removed[pid]
}

// Timers returns the pending timers and their durations.
func (c *CIO) Timers() map[cio.TID]time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[cio.TID]time.Duration, len(c.timers))
	for tid, d := range c.timers {
		out[tid] = d
	}
	return out
}

// PeerMessages returns and forgets the messages sent to pid.
func (c *CIO) PeerMessages(pid cio.PID) []*message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	msgs := c.peerMsgs[pid]
	delete(c.peerMsgs, pid)
	return msgs
}

// RPCResponses returns and forgets the responses sent so far.
func (c *CIO) RPCResponses() []rpc.Response {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.rpc
	c.rpc = nil
	return out
}

// TrackerRequests returns and forgets the announces sent so far.
func (c *CIO) TrackerRequests() []tracker.Request {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.tracker
	c.tracker = nil
	return out
}

// DiskRequests returns and forgets the disk requests sent so far.
func (c *CIO) DiskRequests() []disk.Request {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.disk
	c.disk = nil
	return out
}

// ListenerRequests returns and forgets the listener requests sent so far.
func (c *CIO) ListenerRequests() []listener.Request {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.listener
	c.listener = nil
	return out
}
