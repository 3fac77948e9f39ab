package torrent

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/jinzhu/copier"

	"github.com/danferreira/gtorrentd/internal/bitfield"
	"github.com/danferreira/gtorrentd/internal/cio"
	"github.com/danferreira/gtorrentd/internal/disk"
	"github.com/danferreira/gtorrentd/internal/metadata"
	"github.com/danferreira/gtorrentd/internal/peer"
	"github.com/danferreira/gtorrentd/internal/picker"
	"github.com/danferreira/gtorrentd/internal/state"
	"github.com/danferreira/gtorrentd/internal/tracker"
)

// Torrent is the controller of one torrent. It is owned by the Engine's
// control goroutine and never touched from anywhere else.
type Torrent struct {
	io  cio.CIO
	cfg *Config

	// detach tells the engine a peer of this torrent is gone.
	detach func(cio.PID)

	id       uint64
	path     string
	dir      string
	metadata *metadata.Metadata
	layout   *disk.Layout

	status state.Status
	reason string
	stats  state.Stats

	have   *bitfield.Bitfield
	picker *picker.Picker

	peers      map[cio.PID]*peerState
	choker     *choker
	pool       *peer.Pool
	connecting int

	// written counts the blocks of each piece on disk since the piece was
	// last reset; sources remembers who delivered each of them.
	written map[int]int
	sources map[picker.Block]cio.PID

	trackers    []*url.URL
	trackerIdx  int
	announceTID cio.TID
	announced   bool

	startPaused bool
	resumed     *bitfield.Bitfield
	dirty       bool

	logger *slog.Logger
}

func newTorrent(io cio.CIO, cfg *Config, id uint64, path, dir string, m *metadata.Metadata) *Torrent {
	ih := m.Info.InfoHash

	return &Torrent{
		io:       io,
		cfg:      cfg,
		detach:   func(cio.PID) {},
		id:       id,
		path:     path,
		dir:      dir,
		metadata: m,
		layout:   disk.NewLayout(&m.Info, dir),
		status:   state.Checking,
		stats:    state.Stats{Left: m.Info.TotalLength()},
		have:     bitfield.New(m.Info.PieceCount()),
		peers:    make(map[cio.PID]*peerState),
		choker:   newChoker(cfg.UploadSlots, cfg.ChokeInterval),
		pool:     peer.NewPool(64),
		written:  make(map[int]int),
		sources:  make(map[picker.Block]cio.PID),
		trackers: m.Trackers(),
		logger:   slog.With("torrent", m.Info.Name, "info_hash", hex.EncodeToString(ih[:8])),
	}
}

func (t *Torrent) InfoHash() [20]byte {
	return t.metadata.Info.InfoHash
}

func (t *Torrent) Status() state.Status {
	return t.status
}

func (t *Torrent) Stats() state.Stats {
	return t.stats
}

// scanned installs the bitfield found on disk and leaves the Checking state.
func (t *Torrent) scanned(have *bitfield.Bitfield, opts ...picker.Option) {
	info := &t.metadata.Info

	if have == nil || have.Len() != info.PieceCount() {
		have = bitfield.New(info.PieceCount())
	}

	t.have = have
	t.written = make(map[int]int)
	t.sources = make(map[picker.Block]cio.PID)
	t.picker = picker.New(info.PieceCount(), info.PieceLength, info.TotalLength(), have, opts...)

	left := info.TotalLength()
	have.Each(func(i int) { left -= int64(info.PieceLen(i)) })
	t.stats.Left = left

	switch {
	case t.startPaused:
		t.status = state.Paused
	case have.Complete():
		t.status = state.Seeding
	default:
		t.status = state.Downloading
	}

	if t.resumed != nil && t.resumed.Count() != have.Count() {
		t.logger.Warn("resume record out of date", "recorded", t.resumed.Count(), "found", have.Count())
	}
	t.resumed = nil

	t.logger.Info("torrent checked", "have", have.Count(), "pieces", have.Len(), "status", t.status)
}

// fail moves the torrent to Errored. The caller tears down its peers.
func (t *Torrent) fail(err error) {
	t.logger.Error("torrent errored", "error", err)
	t.status = state.Errored
	t.reason = err.Error()
}

func (t *Torrent) announceURL() *url.URL {
	if len(t.trackers) == 0 {
		return nil
	}
	return t.trackers[t.trackerIdx%len(t.trackers)]
}

func (t *Torrent) nextTracker() {
	if len(t.trackers) > 0 {
		t.trackerIdx = (t.trackerIdx + 1) % len(t.trackers)
	}
}

func (t *Torrent) announceRequest(peerID [20]byte, port int, event tracker.Event) tracker.Request {
	return tracker.Request{
		TorrentID:  t.id,
		URL:        t.announceURL(),
		InfoHash:   t.InfoHash(),
		PeerID:     peerID,
		Port:       port,
		Event:      event,
		Downloaded: t.stats.Downloaded,
		Uploaded:   t.stats.Uploaded,
		Left:       t.stats.Left,
	}
}

func (t *Torrent) resume() (*state.Resume, error) {
	ih := t.InfoHash()

	r := &state.Resume{
		InfoHash:    ih[:],
		TorrentPath: t.path,
		Dir:         t.dir,
		Bitfield:    t.have.Bytes(),
		Paused:      t.status == state.Paused,
	}

	if err := copier.Copy(r, &t.stats); err != nil {
		return nil, fmt.Errorf("failed to copy stats: %w", err)
	}

	return r, nil
}

// restore applies a resume record read at startup. The pieces themselves
// are always rechecked on disk; the recorded bitfield is only compared.
func (t *Torrent) restore(r *state.Resume) {
	t.stats.Downloaded = r.Downloaded
	t.stats.Uploaded = r.Uploaded
	t.startPaused = r.Paused
	t.resumed = bitfield.FromBytes(r.Bitfield, t.have.Len())
}

func (t *Torrent) Snapshot() state.Snapshot {
	var s state.Snapshot
	if err := copier.Copy(&s, &t.stats); err != nil {
		t.logger.Warn("failed to copy stats", "error", err)
	}

	ih := t.InfoHash()
	s.InfoHash = hex.EncodeToString(ih[:])
	s.Name = t.metadata.Info.Name
	s.Dir = t.dir
	s.Status = t.status.String()
	s.Error = t.reason
	s.Size = t.metadata.Info.TotalLength()
	s.Pieces = t.have.Len()
	s.Have = t.have.Count()
	s.Peers = len(t.peers)

	if t.picker != nil {
		s.Endgame = t.picker.Endgame()
	}

	if s.Size > 0 {
		s.Progress = float64(s.Size-s.Left) / float64(s.Size)
	}

	return s
}
