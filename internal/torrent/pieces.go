package torrent

import (
	"errors"

	"github.com/danferreira/gtorrentd/internal/cio"
	"github.com/danferreira/gtorrentd/internal/disk"
	"github.com/danferreira/gtorrentd/internal/message"
	"github.com/danferreira/gtorrentd/internal/metadata"
	"github.com/danferreira/gtorrentd/internal/metrics"
	"github.com/danferreira/gtorrentd/internal/picker"
	"github.com/danferreira/gtorrentd/internal/state"
)

var ErrHashMismatch = errors.New("piece failed verification")

// onWritten counts a block on disk and asks for verification once the whole
// piece is there. Writes for blocks the torrent no longer tracks, such as
// those issued before a recheck, are ignored.
func (t *Torrent) onWritten(piece, offset int) {
	if _, ok := t.sources[picker.Block{Piece: piece, Offset: offset}]; !ok {
		return
	}

	t.written[piece]++

	if t.written[piece] == t.picker.Blocks(piece) {
		t.io.MsgDisk(disk.Validate(t.id, t.layout, piece))
	}
}

// onRead answers a peer's request with data read from disk.
func (t *Torrent) onRead(resp disk.Response) {
	p, ok := t.peers[resp.PID]
	if !ok {
		return
	}

	b := picker.Block{Piece: resp.Piece, Offset: resp.Offset}
	if !p.requested.Contains(b) || p.amChoking {
		return
	}

	p.requested.Remove(b)
	t.stats.Uploaded += int64(len(resp.Data))
	p.uploaded += int64(len(resp.Data))
	t.io.MsgPeer(p.pid, message.NewPiece(resp.Piece, resp.Offset, resp.Data))
}

// onValidated completes or resets a piece. It reports whether the torrent
// just finished downloading.
func (t *Torrent) onValidated(piece int, valid bool) bool {
	if t.written[piece] != t.picker.Blocks(piece) {
		// not requested since the last reset
		return false
	}
	t.written[piece] = 0

	if !valid {
		metrics.Pieces.WithLabelValues("invalid").Inc()

		suppliers := t.picker.Invalidate(piece)
		t.forgetSources(piece)

		t.logger.Warn("piece failed verification", "index", piece, "suppliers", suppliers.Cardinality())

		suppliers.Each(func(pid cio.PID) bool {
			t.dropPeer(pid, ErrHashMismatch)
			return false
		})

		t.fillAll()
		return false
	}

	metrics.Pieces.WithLabelValues("valid").Inc()

	var done bool
	for i := 0; i < t.picker.Blocks(piece); i++ {
		b := picker.Block{Piece: piece, Offset: i * metadata.BlockSize}

		complete, cancel := t.picker.Completed(b.Piece, b.Offset, t.sources[b])
		done = done || complete

		cancel.Each(func(pid cio.PID) bool {
			if p, ok := t.peers[pid]; ok && p.inflight.Contains(b) {
				p.inflight.Remove(b)
				t.io.MsgPeer(pid, message.NewCancel(b.Piece, b.Offset, t.picker.BlockLen(b)))
			}
			return false
		})
	}
	t.forgetSources(piece)

	if !done {
		return false
	}

	t.stats.Left -= int64(t.metadata.Info.PieceLen(piece))
	t.dirty = true

	t.logger.Debug("piece completed", "index", piece, "have", t.have.Count())

	for _, p := range t.peers {
		t.io.MsgPeer(p.pid, message.NewHave(piece))
	}

	if !t.have.Complete() {
		t.fillAll()
		return false
	}

	t.logger.Info("download completed")
	t.status = state.Seeding
	t.stats.Left = 0

	for _, p := range t.peers {
		t.updateInterest(p)
	}

	return true
}

func (t *Torrent) forgetSources(piece int) {
	for i := 0; i < t.picker.Blocks(piece); i++ {
		delete(t.sources, picker.Block{Piece: piece, Offset: i * metadata.BlockSize})
	}
}
