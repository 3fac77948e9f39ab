package cio

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/danferreira/gtorrentd/internal/disk"
	"github.com/danferreira/gtorrentd/internal/listener"
	"github.com/danferreira/gtorrentd/internal/message"
	"github.com/danferreira/gtorrentd/internal/metadata"
	"github.com/danferreira/gtorrentd/internal/rpc"
	"github.com/danferreira/gtorrentd/internal/tracker"
)

const maxBatch = 256

type Config struct {
	MaxSockets   int
	PollInterval time.Duration
	PeerTimeout  time.Duration
	WriteTimeout time.Duration
	Keepalive    time.Duration

	// UploadRate and DownloadRate cap peer traffic in bytes per second across
	// every connection. Zero means unlimited.
	UploadRate   int
	DownloadRate int
}

func NewDefaultConfig() Config {
	return Config{
		MaxSockets:   256,
		PollInterval: time.Second,
		PeerTimeout:  3 * time.Minute,
		WriteTimeout: 10 * time.Second,
		Keepalive:    time.Minute,
	}
}

// Endpoint is a worker fed through In and answering on Out. Out is closed
// when the worker stops.
type Endpoint[Req, Resp any] interface {
	In() chan<- Req
	Out() <-chan Resp
}

// Sources are the workers a Mux talks to. A nil source is never polled and
// messages to it are dropped.
type Sources struct {
	Disk     Endpoint[disk.Request, disk.Response]
	Tracker  Endpoint[tracker.Request, tracker.Response]
	Listener Endpoint[listener.Request, listener.Conn]
	RPC      Endpoint[rpc.Response, rpc.Request]
}

// envelope tags an event with the registration it came from, so events of a
// removed connection or cancelled timer can be told apart from those of a
// newer one reusing the handle.
type envelope struct {
	ev    Event
	conn  *peerConn
	timer *timer
}

type timer struct {
	tid TID
	t   *time.Timer
}

type hub struct {
	cfg    Config
	events chan envelope

	done      chan struct{}
	closeOnce sync.Once

	broken     chan struct{}
	brokenOnce sync.Once
	brokenErr  error

	mu       sync.Mutex
	conns    map[PID]*peerConn
	freePIDs []PID
	nextPID  PID
	timers   map[TID]*timer
	freeTIDs []TID
	nextTID  TID

	disk     *mailbox[disk.Request]
	tracker  *mailbox[tracker.Request]
	listener *mailbox[listener.Request]
	rpc      *mailbox[rpc.Response]

	upload   *rate.Limiter
	download *rate.Limiter

	wg     sync.WaitGroup
	logger *slog.Logger
}

// Mux is the CIO backed by real sockets, timers and workers.
type Mux struct {
	*hub
}

func New(cfg Config, src Sources) *Mux {
	def := NewDefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.PeerTimeout <= 0 {
		cfg.PeerTimeout = def.PeerTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = def.Keepalive
	}

	h := &hub{
		cfg:      cfg,
		events:   make(chan envelope, 1024),
		done:     make(chan struct{}),
		broken:   make(chan struct{}),
		conns:    make(map[PID]*peerConn),
		nextPID:  1,
		timers:   make(map[TID]*timer),
		nextTID:  1,
		disk:     newMailbox[disk.Request](),
		tracker:  newMailbox[tracker.Request](),
		listener: newMailbox[listener.Request](),
		rpc:      newMailbox[rpc.Response](),
		upload:   newLimiter(cfg.UploadRate),
		download: newLimiter(cfg.DownloadRate),
		logger:   slog.With("component", "cio"),
	}

	if src.Disk != nil {
		start(h, "disk", h.disk, src.Disk, func(r disk.Response) Event {
			return Event{Kind: KindDisk, Disk: r, Err: r.Err}
		})
	}
	if src.Tracker != nil {
		start(h, "tracker", h.tracker, src.Tracker, func(r tracker.Response) Event {
			return Event{Kind: KindTracker, Tracker: r, Err: r.Err}
		})
	}
	if src.Listener != nil {
		start(h, "listener", h.listener, src.Listener, func(c listener.Conn) Event {
			return Event{Kind: KindListener, Listener: c, Err: c.Err}
		})
	}
	if src.RPC != nil {
		start(h, "rpc", h.rpc, src.RPC, func(r rpc.Request) Event {
			return Event{Kind: KindRPC, RPC: r}
		})
	}

	return &Mux{hub: h}
}

// newLimiter returns a token bucket refilled at bps bytes per second. The
// bucket holds at least two blocks so a whole piece message always fits.
func newLimiter(bps int) *rate.Limiter {
	if bps <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}

	return rate.NewLimiter(rate.Limit(bps), max(bps, 2*metadata.BlockSize))
}

func start[Req, Resp any](h *hub, name string, box *mailbox[Req], e Endpoint[Req, Resp], wrap func(Resp) Event) {
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		pump(h, box, e.In())
	}()
	go func() {
		defer h.wg.Done()
		fanIn(h, name, e.Out(), wrap)
	}()
}

// pump forwards a mailbox to a worker in order.
func pump[T any](h *hub, box *mailbox[T], in chan<- T) {
	for {
		select {
		case <-h.done:
			return
		case <-box.Ready():
			for _, v := range box.Drain() {
				select {
				case in <- v:
				case <-h.done:
					return
				}
			}
		}
	}
}

func fanIn[T any](h *hub, name string, out <-chan T, wrap func(T) Event) {
	for {
		select {
		case <-h.done:
			return
		case v, ok := <-out:
			if !ok {
				select {
				case <-h.done:
					// workers stopping after Close
				default:
					h.fail(fmt.Errorf("%w: %s output closed", ErrPlumbing, name))
				}
				return
			}
			if !h.deliver(envelope{ev: wrap(v)}, nil) {
				return
			}
		}
	}
}

func (h *hub) fail(err error) {
	h.brokenOnce.Do(func() {
		h.logger.Error("multiplexer broken", "error", err)
		h.brokenErr = err
		close(h.broken)
	})
}

func (h *hub) isBroken() error {
	select {
	case <-h.broken:
		return h.brokenErr
	default:
		return nil
	}
}

// deliver queues env, giving up when the hub or cancel is closed.
func (h *hub) deliver(env envelope, cancel <-chan struct{}) bool {
	select {
	case h.events <- env:
		return true
	case <-h.done:
		return false
	case <-cancel:
		return false
	}
}

func (h *hub) Poll(events []Event) ([]Event, error) {
	if err := h.isBroken(); err != nil {
		return events, err
	}

	wait := time.NewTimer(h.cfg.PollInterval)
	defer wait.Stop()

	select {
	case env := <-h.events:
		events = h.accept(events, env)
	case <-wait.C:
		return events, nil
	case <-h.broken:
		return events, h.brokenErr
	case <-h.done:
		return events, ErrClosed
	}

	for n := 1; n < maxBatch; n++ {
		select {
		case env := <-h.events:
			events = h.accept(events, env)
		default:
			return events, nil
		}
	}

	return events, nil
}

// accept appends env unless it belongs to a registration that no longer
// exists.
func (h *hub) accept(events []Event, env envelope) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch {
	case env.conn != nil:
		if h.conns[env.ev.PID] != env.conn {
			return events
		}
	case env.timer != nil:
		if h.timers[env.ev.TID] != env.timer {
			return events
		}
		delete(h.timers, env.ev.TID)
		h.freeTIDs = append(h.freeTIDs, env.ev.TID)
	}

	return append(events, env.ev)
}

func (h *hub) AddPeer(conn net.Conn) (PID, error) {
	h.mu.Lock()

	select {
	case <-h.done:
		h.mu.Unlock()
		return 0, ErrClosed
	default:
	}

	if h.cfg.MaxSockets > 0 && len(h.conns) >= h.cfg.MaxSockets {
		h.mu.Unlock()
		return 0, ErrFull
	}

	var pid PID
	if n := len(h.freePIDs); n > 0 {
		pid = h.freePIDs[n-1]
		h.freePIDs = h.freePIDs[:n-1]
	} else {
		pid = h.nextPID
		h.nextPID++
	}

	c := newPeerConn(h, pid, conn)
	h.conns[pid] = c

	// counted under mu, before Close can sweep conns and wait
	h.wg.Add(2)
	h.mu.Unlock()

	c.start()
	return pid, nil
}

// RemovePeer closes the connection and frees its PID. Events it produced that
// were not polled yet are dropped.
func (h *hub) RemovePeer(pid PID) {
	h.mu.Lock()
	c, ok := h.conns[pid]
	if ok {
		delete(h.conns, pid)
		h.freePIDs = append(h.freePIDs, pid)
	}
	h.mu.Unlock()

	if ok {
		c.close()
	}
}

func (h *hub) MsgPeer(pid PID, m *message.Message) {
	h.mu.Lock()
	c, ok := h.conns[pid]
	h.mu.Unlock()

	if !ok {
		h.logger.Debug("dropping message to unknown peer", "pid", pid)
		return
	}

	c.out.Push(m)
}

func (h *hub) MsgRPC(resp rpc.Response) {
	h.rpc.Push(resp)
}

func (h *hub) MsgTracker(req tracker.Request) {
	h.tracker.Push(req)
}

func (h *hub) MsgDisk(req disk.Request) {
	h.disk.Push(req)
}

func (h *hub) MsgListener(req listener.Request) {
	h.listener.Push(req)
}

func (h *hub) SetTimer(d time.Duration) (TID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	select {
	case <-h.done:
		return 0, ErrClosed
	default:
	}

	var tid TID
	if n := len(h.freeTIDs); n > 0 {
		tid = h.freeTIDs[n-1]
		h.freeTIDs = h.freeTIDs[:n-1]
	} else {
		tid = h.nextTID
		h.nextTID++
	}

	t := &timer{tid: tid}
	h.timers[tid] = t
	t.t = time.AfterFunc(d, func() {
		h.deliver(envelope{ev: Event{Kind: KindTimer, TID: tid}, timer: t}, nil)
	})

	return tid, nil
}

func (h *hub) CancelTimer(tid TID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.timers[tid]
	if !ok {
		return
	}

	t.t.Stop()
	delete(h.timers, tid)
	h.freeTIDs = append(h.freeTIDs, tid)
}

func (h *hub) NewHandle() CIO {
	return &Mux{hub: h}
}

// Peers returns the number of registered connections.
func (h *hub) Peers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close stops every connection, timer and forwarding goroutine. Messages not
// yet handed to a worker are dropped.
func (m *Mux) Close() error {
	h := m.hub

	h.closeOnce.Do(func() {
		close(h.done)

		h.mu.Lock()
		conns := h.conns
		h.conns = make(map[PID]*peerConn)
		for _, t := range h.timers {
			t.t.Stop()
		}
		h.timers = make(map[TID]*timer)
		h.mu.Unlock()

		for _, c := range conns {
			c.close()
		}

		h.disk.Close()
		h.tracker.Close()
		h.listener.Close()
		h.rpc.Close()
	})

	h.wg.Wait()
	return nil
}
