package torrent

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/danferreira/gtorrentd/internal/bitfield"
	"github.com/danferreira/gtorrentd/internal/cio"
	"github.com/danferreira/gtorrentd/internal/disk"
	"github.com/danferreira/gtorrentd/internal/message"
	"github.com/danferreira/gtorrentd/internal/metadata"
	"github.com/danferreira/gtorrentd/internal/picker"
	"github.com/danferreira/gtorrentd/internal/state"
)

var ErrProtocol = errors.New("peer protocol violation")

type peerState struct {
	pid      cio.PID
	addr     string
	outbound bool

	has              *bitfield.Bitfield
	bitfieldReceived bool

	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool

	// inflight are our requests to the peer; requested are the peer's
	// requests to us that were not served or cancelled yet.
	inflight  mapset.Set[picker.Block]
	requested mapset.Set[picker.Block]

	// bytes exchanged since the last choke round
	uploaded   int64
	downloaded int64

	lastActive time.Time
	logger     *slog.Logger
}

func newPeerState(pid cio.PID, addr string, outbound bool, pieces int) *peerState {
	return &peerState{
		pid:         pid,
		addr:        addr,
		outbound:    outbound,
		has:         bitfield.New(pieces),
		amChoking:   true,
		peerChoking: true,
		inflight:    mapset.NewThreadUnsafeSet[picker.Block](),
		requested:   mapset.NewThreadUnsafeSet[picker.Block](),
		lastActive:  time.Now(),
		logger:      slog.With("peer", addr, "pid", pid),
	}
}

// addPeer registers a connection that completed the handshake.
func (t *Torrent) addPeer(pid cio.PID, addr string, outbound bool) {
	p := newPeerState(pid, addr, outbound, t.have.Len())
	t.peers[pid] = p
	t.picker.AddPeer(pid, p.has)

	p.logger.Info("peer connected", "outbound", outbound)

	if t.have.Count() > 0 {
		t.io.MsgPeer(pid, message.NewBitfield(t.have.Bytes()))
	}
}

// dropPeer forgets a peer and closes its connection. Its waiting blocks go
// back to the picker.
func (t *Torrent) dropPeer(pid cio.PID, reason error) {
	p, ok := t.peers[pid]
	if !ok {
		return
	}

	p.logger.Info("dropping peer", "reason", reason)

	delete(t.peers, pid)
	t.releaseSlot(pid)
	t.picker.RemovePeer(pid)
	t.io.RemovePeer(pid)
	t.pool.Forget(p.addr)
	t.detach(pid)
}

func (t *Torrent) dropAllPeers(reason error) {
	t.choker.reset()
	for pid := range t.peers {
		t.dropPeer(pid, reason)
	}
}

func (t *Torrent) handleMessage(pid cio.PID, m *message.Message) error {
	p, ok := t.peers[pid]
	if !ok {
		return nil
	}

	p.lastActive = time.Now()

	switch m.ID {
	case message.MessageChoke:
		t.handleChoke(p)
	case message.MessageUnchoke:
		p.logger.Debug("peer unchoked us")
		p.peerChoking = false
		t.fill(p)
	case message.MessageInterested:
		t.handleInterested(p)
	case message.MessageNotInterested:
		p.peerInterested = false
		t.releaseSlot(p.pid)
		t.chokePeer(p)
	case message.MessageHave:
		index, err := m.ParseAsHave()
		if err != nil {
			return err
		}
		return t.handleHave(p, index)
	case message.MessageBitfield:
		return t.handleBitfield(p, m.Payload)
	case message.MessageRequest:
		req, err := m.ParseAsRequest()
		if err != nil {
			return err
		}
		return t.handleRequest(p, req)
	case message.MessagePiece:
		pc, err := m.ParseAsPiece()
		if err != nil {
			return err
		}
		return t.handlePiece(p, pc)
	case message.MessageCancel:
		req, err := m.ParseAsRequest()
		if err != nil {
			return err
		}
		p.requested.Remove(picker.Block{Piece: int(req.Index), Offset: int(req.Begin)})
	default:
		p.logger.Debug("ignoring unknown message", "id", m.ID)
	}

	return nil
}

func (t *Torrent) handleChoke(p *peerState) {
	p.logger.Debug("peer choked us")
	p.peerChoking = true

	// a choking peer discards our pending requests
	p.inflight.Each(func(b picker.Block) bool {
		t.picker.Release(b, p.pid)
		return false
	})
	p.inflight.Clear()
}

func (t *Torrent) handleInterested(p *peerState) {
	p.peerInterested = true

	if !t.status.Active() {
		return
	}

	if t.choker.interested(p.pid) {
		t.unchokePeer(p)
	} else {
		p.logger.Debug("no free upload slot")
	}
}

func (t *Torrent) handleHave(p *peerState, index int) error {
	if index < 0 || index >= t.have.Len() {
		return fmt.Errorf("%w: have for piece %d", ErrProtocol, index)
	}

	p.has.Set(index)
	t.picker.PieceAvailable(p.pid, index)
	t.updateInterest(p)
	t.fill(p)

	return nil
}

func (t *Torrent) handleBitfield(p *peerState, payload []byte) error {
	if p.bitfieldReceived {
		return fmt.Errorf("%w: duplicate bitfield", ErrProtocol)
	}

	if len(payload) != (t.have.Len()+7)/8 {
		return fmt.Errorf("%w: bitfield of %d bytes", ErrProtocol, len(payload))
	}

	p.bitfieldReceived = true
	p.has = bitfield.FromBytes(payload, t.have.Len())
	t.picker.AddPeer(p.pid, p.has)
	t.updateInterest(p)
	t.fill(p)

	return nil
}

func (t *Torrent) handleRequest(p *peerState, req *message.RequestPayload) error {
	if p.amChoking {
		p.logger.Debug("ignoring request from choked peer")
		return nil
	}

	piece, begin, length := int(req.Index), int(req.Begin), int(req.Length)

	if length <= 0 || length > metadata.BlockSize || piece >= t.have.Len() ||
		begin+length > t.metadata.Info.PieceLen(piece) {
		return fmt.Errorf("%w: request %d/%d/%d", ErrProtocol, piece, begin, length)
	}

	if !t.have.Has(piece) {
		p.logger.Debug("peer asked for a piece we lack", "index", piece)
		return nil
	}

	p.requested.Add(picker.Block{Piece: piece, Offset: begin})
	t.io.MsgDisk(disk.Read(t.id, t.layout, piece, begin, length, p.pid))

	return nil
}

func (t *Torrent) handlePiece(p *peerState, pc *message.PiecePayload) error {
	b := picker.Block{Piece: int(pc.Index), Offset: int(pc.Begin)}

	if !p.inflight.Contains(b) {
		p.logger.Debug("ignoring unrequested block", "index", b.Piece, "offset", b.Offset)
		return nil
	}

	if len(pc.Data) != t.picker.BlockLen(b) {
		return fmt.Errorf("%w: block %d/%d of %d bytes", ErrProtocol, b.Piece, b.Offset, len(pc.Data))
	}

	p.inflight.Remove(b)

	if t.picker.Received(b, p.pid) {
		t.sources[b] = p.pid
		t.stats.Downloaded += int64(len(pc.Data))
		p.downloaded += int64(len(pc.Data))
		t.io.MsgDisk(disk.Write(t.id, t.layout, b.Piece, b.Offset, pc.Data, p.pid))
	}

	t.fill(p)
	return nil
}

// updateInterest tells the peer whether it has anything we lack.
func (t *Torrent) updateInterest(p *peerState) {
	want := t.have.Usable(p.has)
	if want == p.amInterested {
		return
	}

	p.amInterested = want
	if want {
		t.io.MsgPeer(p.pid, message.New(message.MessageInterested))
	} else {
		t.io.MsgPeer(p.pid, message.New(message.MessageNotInterested))
	}
}

// fill tops up the peer's request pipeline.
func (t *Torrent) fill(p *peerState) {
	if t.status != state.Downloading || p.peerChoking || !p.amInterested {
		return
	}

	for p.inflight.Cardinality() < t.cfg.MaxRequests {
		b, ok := t.picker.Pick(p.pid)
		if !ok {
			return
		}

		p.inflight.Add(b)
		t.io.MsgPeer(p.pid, message.NewRequest(b.Piece, b.Offset, t.picker.BlockLen(b)))
	}
}

func (t *Torrent) fillAll() {
	for _, p := range t.peers {
		t.fill(p)
	}
}

// releaseStalled withdraws requests nobody answered in time, so other peers
// can be asked.
func (t *Torrent) releaseStalled() {
	if t.picker == nil {
		return
	}

	for _, s := range t.picker.Stalled(t.cfg.RequestTimeout) {
		for _, pid := range s.Requesters {
			t.picker.Release(s.Block, pid)

			if p, ok := t.peers[pid]; ok && p.inflight.Contains(s.Block) {
				p.inflight.Remove(s.Block)
				t.io.MsgPeer(pid, message.NewCancel(s.Block.Piece, s.Block.Offset, t.picker.BlockLen(s.Block)))
			}
		}
	}

	t.fillAll()
}
