package torrent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/danferreira/gtorrentd/internal/cio"
	"github.com/danferreira/gtorrentd/internal/disk"
	"github.com/danferreira/gtorrentd/internal/listener"
	"github.com/danferreira/gtorrentd/internal/metadata"
	"github.com/danferreira/gtorrentd/internal/metrics"
	"github.com/danferreira/gtorrentd/internal/peer"
	"github.com/danferreira/gtorrentd/internal/picker"
	"github.com/danferreira/gtorrentd/internal/rpc"
	"github.com/danferreira/gtorrentd/internal/state"
	"github.com/danferreira/gtorrentd/internal/tracker"
)

var (
	errPaused   = errors.New("torrent paused")
	errRemoved  = errors.New("torrent removed")
	errShutdown = errors.New("shutting down")
)

type Config struct {
	PeerID      [20]byte
	ListenPort  int
	DownloadDir string
	SessionDir  string

	MaxPeers       int
	MaxRequests    int
	RequestTimeout time.Duration

	// UploadSlots peers are unchoked at a time; every ChokeInterval the
	// slowest of them makes room for a waiting one.
	UploadSlots   int
	ChokeInterval time.Duration

	// TickInterval paces housekeeping: stalled requests, dialing and resume
	// records. RetryInterval is the wait after a failed announce.
	TickInterval  time.Duration
	RetryInterval time.Duration
	ShutdownGrace time.Duration

	PickerOptions []picker.Option
}

func NewDefaultConfig(peerID [20]byte) Config {
	return Config{
		PeerID:         peerID,
		ListenPort:     6881,
		DownloadDir:    ".",
		MaxPeers:       50,
		MaxRequests:    30,
		RequestTimeout: 30 * time.Second,
		UploadSlots:    DefaultUploadSlots,
		ChokeInterval:  DefaultChokeInterval,
		TickInterval:   5 * time.Second,
		RetryInterval:  time.Minute,
		ShutdownGrace:  5 * time.Second,
	}
}

type timerKind uint8

const (
	timerTick timerKind = iota
	timerAnnounce
)

type timerEntry struct {
	kind    timerKind
	torrent uint64
}

// Engine runs the control loop for every torrent. All of its state is owned
// by the goroutine calling Run.
type Engine struct {
	cfg Config
	io  cio.CIO
	fs  afero.Fs

	torrents map[uint64]*Torrent
	byHash   map[[20]byte]*Torrent
	peers    map[cio.PID]*Torrent
	timers   map[cio.TID]timerEntry
	nextID   uint64

	// draining counts the stopped announces and resume records still
	// unanswered during shutdown.
	draining int

	started   time.Time
	collector *metrics.EngineCollector
	logger    *slog.Logger
}

// NewEngine builds an engine on io. fs is where resume records are read
// from; collector may be nil.
func NewEngine(io cio.CIO, fs afero.Fs, cfg Config, collector *metrics.EngineCollector) *Engine {
	def := NewDefaultConfig(cfg.PeerID)
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = def.MaxPeers
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = def.MaxRequests
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = def.ShutdownGrace
	}

	return &Engine{
		cfg:       cfg,
		io:        io,
		fs:        fs,
		torrents:  make(map[uint64]*Torrent),
		byHash:    make(map[[20]byte]*Torrent),
		peers:     make(map[cio.PID]*Torrent),
		timers:    make(map[cio.TID]timerEntry),
		started:   time.Now(),
		collector: collector,
		logger:    slog.With("component", "engine"),
	}
}

// Torrent looks a torrent up by info hash.
func (e *Engine) Torrent(infoHash [20]byte) (*Torrent, bool) {
	t, ok := e.byHash[infoHash]
	return t, ok
}

// Add starts checking the torrent file at path, downloading into dir.
func (e *Engine) Add(path, dir string) (*Torrent, error) {
	return e.add(path, dir, nil)
}

func (e *Engine) add(path, dir string, r *state.Resume) (*Torrent, error) {
	if dir == "" {
		dir = e.cfg.DownloadDir
	}

	m, err := metadata.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", rpc.ErrInvalid, err)
	}

	ih := m.Info.InfoHash
	if _, ok := e.byHash[ih]; ok {
		return nil, fmt.Errorf("%w: %s", rpc.ErrExists, m.Info.Name)
	}

	if r != nil && !bytes.Equal(r.InfoHash, ih[:]) {
		return nil, fmt.Errorf("%w: resume record does not match %s", rpc.ErrInvalid, path)
	}

	e.nextID++
	t := newTorrent(e.io, &e.cfg, e.nextID, path, dir, m)
	t.detach = func(pid cio.PID) { delete(e.peers, pid) }
	if r != nil {
		t.restore(r)
	}

	e.torrents[t.id] = t
	e.byHash[ih] = t

	e.io.MsgListener(listener.Request{Kind: listener.KindRegister, TorrentID: t.id, InfoHash: ih})
	e.io.MsgDisk(disk.Scan(t.id, t.layout))

	t.logger.Info("torrent added", "dir", dir)
	return t, nil
}

// Restore adds back every torrent with a resume record in the session
// directory.
func (e *Engine) Restore() error {
	if e.cfg.SessionDir == "" {
		return nil
	}

	entries, err := afero.ReadDir(e.fs, e.cfg.SessionDir)
	if err != nil {
		if errors.Is(err, afero.ErrFileNotFound) {
			return nil
		}
		return fmt.Errorf("failed to read session dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".resume") {
			continue
		}

		path := filepath.Join(e.cfg.SessionDir, entry.Name())

		data, err := afero.ReadFile(e.fs, path)
		if err != nil {
			e.logger.Warn("failed to read resume record", "path", path, "error", err)
			continue
		}

		r, err := state.DecodeResume(data)
		if err != nil {
			e.logger.Warn("skipping resume record", "path", path, "error", err)
			continue
		}

		if _, err := e.add(r.TorrentPath, r.Dir, r); err != nil {
			e.logger.Warn("failed to restore torrent", "path", r.TorrentPath, "error", err)
		}
	}

	return nil
}

// Run is the control loop. It returns nil once ctx is done and the torrents
// were stopped, or the error that made the multiplexer unusable.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine started", "torrents", len(e.torrents))

	if _, err := e.schedule(timerEntry{kind: timerTick}, e.cfg.TickInterval); err != nil {
		return err
	}

	events := make([]cio.Event, 0, 64)
	for ctx.Err() == nil {
		var err error
		events, err = e.io.Poll(events[:0])
		if err != nil {
			return fmt.Errorf("engine stopped: %w", err)
		}

		for _, ev := range events {
			e.dispatch(ev)
		}
	}

	return e.shutdown()
}

func (e *Engine) dispatch(ev cio.Event) {
	switch ev.Kind {
	case cio.KindTimer:
		e.onTimer(ev.TID)
	case cio.KindPeer:
		e.onPeer(ev)
	case cio.KindDisk:
		e.onDisk(ev.Disk)
	case cio.KindTracker:
		e.onTracker(ev.Tracker)
	case cio.KindListener:
		e.onConn(ev.Listener)
	case cio.KindRPC:
		e.io.MsgRPC(e.onRPC(ev.RPC))
	}
}

func (e *Engine) schedule(entry timerEntry, d time.Duration) (cio.TID, error) {
	tid, err := e.io.SetTimer(d)
	if err != nil {
		e.logger.Error("failed to set timer", "error", err)
		return 0, err
	}

	e.timers[tid] = entry
	return tid, nil
}

func (e *Engine) cancelTimer(tid cio.TID) {
	if _, ok := e.timers[tid]; !ok {
		return
	}

	delete(e.timers, tid)
	e.io.CancelTimer(tid)
}

func (e *Engine) onTimer(tid cio.TID) {
	entry, ok := e.timers[tid]
	if !ok {
		return
	}
	delete(e.timers, tid)

	switch entry.kind {
	case timerTick:
		e.tick()
		e.schedule(timerEntry{kind: timerTick}, e.cfg.TickInterval)

	case timerAnnounce:
		t, ok := e.torrents[entry.torrent]
		if !ok || t.announceTID != tid {
			return
		}

		t.announceTID = 0
		if t.status.Active() {
			event := tracker.EventUpdated
			if !t.announced {
				event = tracker.EventStarted
			}
			e.announce(t, event)
		}
	}
}

func (e *Engine) tick() {
	now := time.Now()

	for _, t := range e.torrents {
		if t.status.Active() {
			t.rotateChokes(now)
		}

		if t.status == state.Downloading {
			t.releaseStalled()
			e.connect(t)
		}

		if t.dirty {
			e.persist(t)
		}
	}

	e.updateMetrics()
}

func (e *Engine) onPeer(ev cio.Event) {
	t, ok := e.peers[ev.PID]
	if !ok {
		e.io.RemovePeer(ev.PID)
		return
	}

	if ev.Err != nil {
		t.dropPeer(ev.PID, ev.Err)
		return
	}

	if ev.Message == nil {
		return
	}

	if err := t.handleMessage(ev.PID, ev.Message); err != nil {
		t.dropPeer(ev.PID, err)
	}
}

func (e *Engine) onDisk(resp disk.Response) {
	switch resp.Kind {
	case disk.KindPersist:
		if resp.Err != nil {
			e.logger.Warn("failed to persist resume record", "error", resp.Err)
		}
		e.settle()
		return
	case disk.KindRemove:
		if resp.Err != nil {
			e.logger.Warn("failed to remove torrent data", "error", resp.Err)
		}
		return
	}

	t, ok := e.torrents[resp.TorrentID]
	if !ok || t.status == state.Errored {
		return
	}

	if (t.status == state.Checking) != (resp.Kind == disk.KindScan) {
		// left over from before or after a recheck
		return
	}

	if resp.Err != nil {
		e.fail(t, resp.Err)
		return
	}

	switch resp.Kind {
	case disk.KindScan:
		t.scanned(resp.Have, e.cfg.PickerOptions...)
		t.dirty = true

		if t.status.Active() {
			e.start(t)
		}

	case disk.KindWrite:
		t.onWritten(resp.Piece, resp.Offset)

	case disk.KindRead:
		t.onRead(resp)

	case disk.KindValidate:
		if t.onValidated(resp.Piece, resp.Valid) {
			e.announce(t, tracker.EventCompleted)
			e.persist(t)
		}
	}
}

func (e *Engine) onTracker(resp tracker.Response) {
	if resp.Event == tracker.EventStopped {
		e.settle()
		return
	}

	t, ok := e.torrents[resp.TorrentID]
	if !ok || !t.status.Active() {
		return
	}

	if resp.Err != nil {
		t.logger.Warn("announce failed", "url", resp.URL, "error", resp.Err)
		t.nextTracker()
		e.scheduleAnnounce(t, e.cfg.RetryInterval)
		return
	}

	if resp.Event == tracker.EventStarted {
		t.announced = true
	}

	self := net.JoinHostPort("127.0.0.1", strconv.Itoa(e.cfg.ListenPort))
	peers := slices.DeleteFunc(resp.Peers, func(p peer.Peer) bool { return p.Addr == self })

	added := t.pool.PushMany(peers)
	t.logger.Debug("tracker answered", "peers", len(peers), "new", added, "interval", resp.Interval)

	interval := resp.Interval
	if interval <= 0 {
		interval = tracker.DefaultInterval
	}
	e.scheduleAnnounce(t, interval)

	e.connect(t)
}

func (e *Engine) onConn(c listener.Conn) {
	t, ok := e.torrents[c.TorrentID]
	if ok && c.Outbound && t.connecting > 0 {
		t.connecting--
	}

	if c.Err != nil {
		e.logger.Debug("peer connection failed", "addr", c.Addr, "error", c.Err)
		if ok {
			t.pool.Forget(c.Addr)
		}
		return
	}

	switch {
	case !ok || t.InfoHash() != c.InfoHash || !t.status.Active():
		e.logger.Debug("rejecting peer of inactive torrent", "addr", c.Addr)
	case c.PeerID == e.cfg.PeerID:
		e.logger.Debug("rejecting connection to ourselves", "addr", c.Addr)
	case len(t.peers) >= e.cfg.MaxPeers:
		e.logger.Debug("rejecting peer, torrent is full", "addr", c.Addr)
	default:
		pid, err := e.io.AddPeer(c.Conn)
		if err != nil {
			e.logger.Warn("failed to register peer", "addr", c.Addr, "error", err)
			break
		}

		e.peers[pid] = t
		t.addPeer(pid, c.Addr, c.Outbound)
		return
	}

	c.Conn.Close()
}

func (e *Engine) start(t *Torrent) {
	e.announce(t, tracker.EventStarted)
	e.connect(t)
}

// stop disconnects the torrent from its peers and its tracker.
func (e *Engine) stop(t *Torrent, reason error) {
	t.dropAllPeers(reason)

	if t.announceTID != 0 {
		e.cancelTimer(t.announceTID)
		t.announceTID = 0
	}

	if t.announced {
		e.announce(t, tracker.EventStopped)
		t.announced = false
	}
}

func (e *Engine) fail(t *Torrent, err error) {
	t.fail(err)
	e.stop(t, err)
}

func (e *Engine) announce(t *Torrent, event tracker.Event) {
	if t.announceURL() == nil {
		return
	}

	e.io.MsgTracker(t.announceRequest(e.cfg.PeerID, e.cfg.ListenPort, event))
}

func (e *Engine) scheduleAnnounce(t *Torrent, d time.Duration) {
	if t.announceTID != 0 {
		e.cancelTimer(t.announceTID)
	}

	tid, err := e.schedule(timerEntry{kind: timerAnnounce, torrent: t.id}, d)
	if err != nil {
		return
	}
	t.announceTID = tid
}

// connect dials candidates until the torrent has max_peers peers.
func (e *Engine) connect(t *Torrent) {
	if t.status != state.Downloading {
		return
	}

	for len(t.peers)+t.connecting < e.cfg.MaxPeers {
		p, ok := t.pool.Pop()
		if !ok {
			return
		}

		t.connecting++
		e.io.MsgListener(listener.Request{
			Kind:      listener.KindConnect,
			TorrentID: t.id,
			InfoHash:  t.InfoHash(),
			Addr:      p.Addr,
		})
	}
}

func (e *Engine) persist(t *Torrent) {
	t.dirty = false

	if e.cfg.SessionDir == "" || t.picker == nil {
		return
	}

	r, err := t.resume()
	if err == nil {
		var data []byte
		if data, err = r.Encode(); err == nil {
			e.io.MsgDisk(disk.Persist(t.id, state.ResumePath(e.cfg.SessionDir, t.InfoHash()), data))
			return
		}
	}

	t.logger.Error("failed to build resume record", "error", err)
}

func (e *Engine) remove(t *Torrent, deleteData bool) {
	e.stop(t, errRemoved)

	var resume string
	if e.cfg.SessionDir != "" {
		resume = state.ResumePath(e.cfg.SessionDir, t.InfoHash())
	}

	e.io.MsgListener(listener.Request{Kind: listener.KindUnregister, TorrentID: t.id, InfoHash: t.InfoHash()})
	e.io.MsgDisk(disk.Remove(t.id, t.layout, resume, deleteData))

	delete(e.torrents, t.id)
	delete(e.byHash, t.InfoHash())

	t.logger.Info("torrent removed", "delete_data", deleteData)
}

func (e *Engine) onRPC(req rpc.Request) rpc.Response {
	resp := rpc.Response{ID: req.ID}

	if req.Method == rpc.MethodList {
		ids := make([]uint64, 0, len(e.torrents))
		for id := range e.torrents {
			ids = append(ids, id)
		}
		slices.Sort(ids)

		for _, id := range ids {
			resp.Torrents = append(resp.Torrents, e.torrents[id].Snapshot())
		}
		return resp
	}

	if req.Method == rpc.MethodAdd {
		t, err := e.add(req.Path, req.Dir, nil)
		if err != nil {
			resp.Err = err
			return resp
		}
		resp.Torrents = []state.Snapshot{t.Snapshot()}
		return resp
	}

	t, ok := e.byHash[req.InfoHash]
	if !ok {
		resp.Err = rpc.ErrNotFound
		return resp
	}

	switch req.Method {
	case rpc.MethodGet:
	case rpc.MethodPause:
		resp.Err = e.pause(t)
	case rpc.MethodResume:
		e.resume(t)
	case rpc.MethodRemove:
		e.remove(t, req.DeleteData)
	default:
		resp.Err = fmt.Errorf("%w: method %s", rpc.ErrInvalid, req.Method)
	}

	if resp.Err == nil {
		resp.Torrents = []state.Snapshot{t.Snapshot()}
	}

	return resp
}

func (e *Engine) pause(t *Torrent) error {
	switch t.status {
	case state.Errored:
		return fmt.Errorf("%w: torrent errored: %s", rpc.ErrInvalid, t.reason)
	case state.Checking:
		t.startPaused = true
	case state.Downloading, state.Seeding:
		e.stop(t, errPaused)
		t.status = state.Paused
		t.dirty = true
		t.logger.Info("torrent paused")
	}

	return nil
}

func (e *Engine) resume(t *Torrent) {
	switch t.status {
	case state.Checking:
		t.startPaused = false
	case state.Paused:
		t.startPaused = false
		t.status = state.Downloading
		if t.have.Complete() {
			t.status = state.Seeding
		}
		t.dirty = true
		t.logger.Info("torrent resumed", "status", t.status)
		e.start(t)
	case state.Errored:
		t.logger.Info("rechecking errored torrent")
		t.status = state.Checking
		t.reason = ""
		e.io.MsgDisk(disk.Scan(t.id, t.layout))
	}
}

// settle marks one shutdown request as answered.
func (e *Engine) settle() {
	if e.draining > 0 {
		e.draining--
	}
}

func (e *Engine) shutdown() error {
	e.logger.Info("stopping torrents", "torrents", len(e.torrents))

	e.draining = 0
	for _, t := range e.torrents {
		if t.announced && t.announceURL() != nil {
			e.draining++
		}
		e.stop(t, errShutdown)

		if e.cfg.SessionDir != "" && t.picker != nil {
			e.draining++
			e.persist(t)
		}
	}

	deadline := time.Now().Add(e.cfg.ShutdownGrace)
	events := make([]cio.Event, 0, 64)

	for e.draining > 0 && time.Now().Before(deadline) {
		var err error
		events, err = e.io.Poll(events[:0])
		if err != nil {
			return fmt.Errorf("engine stopped: %w", err)
		}

		for _, ev := range events {
			switch ev.Kind {
			case cio.KindDisk:
				if ev.Disk.Kind == disk.KindPersist {
					e.settle()
				}
			case cio.KindTracker:
				if ev.Tracker.Event == tracker.EventStopped {
					e.settle()
				}
			case cio.KindRPC:
				e.io.MsgRPC(rpc.Response{ID: ev.RPC.ID, Err: rpc.ErrClosed})
			case cio.KindListener:
				if ev.Listener.Conn != nil {
					ev.Listener.Conn.Close()
				}
			}
		}
	}

	if e.draining > 0 {
		e.logger.Warn("shutdown grace period expired", "pending", e.draining)
	}

	e.logger.Info("engine stopped")
	return nil
}

func (e *Engine) updateMetrics() {
	if e.collector == nil {
		return
	}

	endgame := 0
	for _, t := range e.torrents {
		if t.picker != nil && t.status == state.Downloading && t.picker.Endgame() {
			endgame++
		}
	}

	e.collector.Update(time.Since(e.started).Seconds(), len(e.torrents), len(e.peers), endgame)
}
