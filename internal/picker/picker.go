package picker

import (
	"slices"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/danferreira/gtorrentd/internal/bitfield"
	"github.com/danferreira/gtorrentd/internal/metadata"
)

const (
	DefaultMaxDuplicates  = 3
	DefaultRequestTimeout = 10 * time.Second
)

// PID identifies a peer for the lifetime of its registration.
type PID = uint32

type Block struct {
	Piece  int
	Offset int
}

type request struct {
	requesters mapset.Set[PID]
	delivered  bool
	deliverer  PID
	at         time.Time
}

// Stall is a waiting block whose request has outlived the request timeout.
type Stall struct {
	Block      Block
	Requesters []PID
}

type Option func(*Picker)

func WithMaxDuplicates(n int) Option {
	return func(p *Picker) {
		if n > 0 {
			p.maxDup = n
		}
	}
}

func WithSampler(s Sampler) Option {
	return func(p *Picker) {
		p.sampler = s
	}
}

// WithSequential picks pieces in index order instead of rarest first, so a
// file can be read while it downloads.
func WithSequential() Option {
	return func(p *Picker) {
		p.sequential = true
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Picker) {
		p.now = now
	}
}

// Picker selects blocks for peers, rarest piece first. Once every missing
// block is waiting, it enters endgame and hands the same block to up to
// maxDup peers.
//
// Picker is not safe for concurrent use; its torrent's controller owns it.
type Picker struct {
	pieceCount   int
	pieceLength  int
	lastPieceLen int
	scale        int
	lastScale    int
	blockCount   int

	have  *bitfield.Bitfield
	fresh *bitfield.Bitfield
	done  *bitfield.Bitfield

	avail   []int
	peers   map[PID]*bitfield.Bitfield
	waiting map[Block]*request

	maxDup     int
	sequential bool
	sampler    Sampler
	now        func() time.Time
}

// New builds a picker over pieceCount pieces. Blocks of every piece already
// set in have start out done. have is shared: the picker sets a piece in it
// when the last of its blocks completes.
func New(pieceCount, pieceLength int, totalLength int64, have *bitfield.Bitfield, opts ...Option) *Picker {
	p := &Picker{
		pieceCount:  pieceCount,
		pieceLength: pieceLength,
		have:        have,
		avail:       make([]int, pieceCount),
		peers:       make(map[PID]*bitfield.Bitfield),
		waiting:     make(map[Block]*request),
		maxDup:      DefaultMaxDuplicates,
		sampler:     NewWeightedSampler(nil),
		now:         time.Now,
	}

	for _, opt := range opts {
		opt(p)
	}

	if pieceCount > 0 {
		p.scale = blocksIn(pieceLength)
		p.lastPieceLen = int(totalLength - int64(pieceCount-1)*int64(pieceLength))
		p.lastScale = blocksIn(p.lastPieceLen)
		p.blockCount = (pieceCount-1)*p.scale + p.lastScale
	}

	p.fresh = bitfield.New(p.blockCount)
	p.done = bitfield.New(p.blockCount)

	for piece := 0; piece < pieceCount; piece++ {
		base := piece * p.scale
		for i := 0; i < p.Blocks(piece); i++ {
			if have.Has(piece) {
				p.done.Set(base + i)
			} else {
				p.fresh.Set(base + i)
			}
		}
	}

	return p
}

func blocksIn(length int) int {
	return (length + metadata.BlockSize - 1) / metadata.BlockSize
}

// Blocks returns the number of blocks in piece.
func (p *Picker) Blocks(piece int) int {
	switch {
	case piece < 0 || piece >= p.pieceCount:
		return 0
	case piece == p.pieceCount-1:
		return p.lastScale
	default:
		return p.scale
	}
}

// BlockCount returns the number of blocks in the torrent.
func (p *Picker) BlockCount() int {
	return p.blockCount
}

// BlockLen returns the request length of b.
func (p *Picker) BlockLen(b Block) int {
	size := p.pieceLength
	if b.Piece == p.pieceCount-1 {
		size = p.lastPieceLen
	}

	n := size - b.Offset
	if n > metadata.BlockSize {
		n = metadata.BlockSize
	}
	if n < 0 {
		return 0
	}
	return n
}

func (p *Picker) index(b Block) int {
	return b.Piece*p.scale + b.Offset/metadata.BlockSize
}

func (p *Picker) valid(b Block) bool {
	return b.Offset >= 0 && b.Offset%metadata.BlockSize == 0 &&
		b.Offset/metadata.BlockSize < p.Blocks(b.Piece)
}

// AddPeer registers the pieces a peer advertises. Registering a known peer
// again replaces its previous advertisement.
func (p *Picker) AddPeer(pid PID, has *bitfield.Bitfield) {
	if old, ok := p.peers[pid]; ok {
		old.Each(func(i int) { p.avail[i]-- })
	}

	bf := bitfield.New(p.pieceCount)
	if has != nil && has.Len() == p.pieceCount {
		bf = has.Clone()
	}

	bf.Each(func(i int) { p.avail[i]++ })
	p.peers[pid] = bf
}

// RemovePeer undoes every availability the peer contributed and withdraws it
// from all waiting blocks. Blocks left without a requester and without data
// return to the fresh pool.
func (p *Picker) RemovePeer(pid PID) {
	if bf, ok := p.peers[pid]; ok {
		bf.Each(func(i int) { p.avail[i]-- })
		delete(p.peers, pid)
	}

	for b, req := range p.waiting {
		p.release(b, req, pid)
	}
}

// PieceAvailable records a have announcement from pid.
func (p *Picker) PieceAvailable(pid PID, piece int) {
	if piece < 0 || piece >= p.pieceCount {
		return
	}

	bf, ok := p.peers[pid]
	if !ok {
		bf = bitfield.New(p.pieceCount)
		p.peers[pid] = bf
	}

	if bf.Has(piece) {
		return
	}

	bf.Set(piece)
	p.avail[piece]++
}

// Availability returns how many registered peers hold piece.
func (p *Picker) Availability(piece int) int {
	if piece < 0 || piece >= p.pieceCount {
		return 0
	}
	return p.avail[piece]
}

func (p *Picker) Waiting() int {
	return len(p.waiting)
}

func (p *Picker) Complete() bool {
	return p.have.Complete()
}

// Endgame reports whether every missing block is already waiting.
func (p *Picker) Endgame() bool {
	return p.fresh.Count() == 0 && !p.have.Complete()
}

// Pick returns the next block to request from pid, if any.
func (p *Picker) Pick(pid PID) (Block, bool) {
	bf, ok := p.peers[pid]
	if !ok || p.have.Complete() {
		return Block{}, false
	}

	if p.fresh.Count() > 0 {
		return p.pickFresh(pid, bf)
	}

	return p.pickEndgame(pid, bf)
}

func (p *Picker) pickFresh(pid PID, bf *bitfield.Bitfield) (Block, bool) {
	best := -1

	bf.Each(func(piece int) {
		if p.have.Has(piece) || p.firstFresh(piece) < 0 {
			return
		}
		if best < 0 || (!p.sequential && p.avail[piece] < p.avail[best]) {
			best = piece
		}
	})

	if best < 0 {
		return Block{}, false
	}

	i := p.firstFresh(best)
	b := Block{Piece: best, Offset: i * metadata.BlockSize}

	p.fresh.Unset(best*p.scale + i)
	p.waiting[b] = &request{
		requesters: mapset.NewThreadUnsafeSet(pid),
		at:         p.now(),
	}

	return b, true
}

func (p *Picker) firstFresh(piece int) int {
	base := piece * p.scale
	for i := 0; i < p.Blocks(piece); i++ {
		if p.fresh.Has(base + i) {
			return i
		}
	}
	return -1
}

func (p *Picker) pickEndgame(pid PID, bf *bitfield.Bitfield) (Block, bool) {
	var candidates []Candidate

	for b, req := range p.waiting {
		if req.delivered || !bf.Has(b.Piece) || req.requesters.Contains(pid) {
			continue
		}
		if req.requesters.Cardinality() >= p.maxDup {
			continue
		}
		candidates = append(candidates, Candidate{Block: b, Requesters: req.requesters.Cardinality()})
	}

	if len(candidates) == 0 {
		return Block{}, false
	}

	slices.SortFunc(candidates, func(a, b Candidate) int {
		if a.Block.Piece != b.Block.Piece {
			return a.Block.Piece - b.Block.Piece
		}
		return a.Block.Offset - b.Block.Offset
	})

	c := candidates[p.sampler.Sample(candidates)]
	req := p.waiting[c.Block]
	req.requesters.Add(pid)
	req.at = p.now()

	return c.Block, true
}

// Received records the first delivery of a requested block. It returns false
// for duplicates and for blocks pid was never asked for.
func (p *Picker) Received(b Block, from PID) bool {
	req, ok := p.waiting[b]
	if !ok || req.delivered || !req.requesters.Contains(from) {
		return false
	}

	req.delivered = true
	req.deliverer = from
	return true
}

// Completed marks a block of a verified piece done. It reports whether the
// piece just became complete and which requesters other than source should
// be sent a cancel.
func (p *Picker) Completed(piece, offset int, source PID) (bool, mapset.Set[PID]) {
	cancel := mapset.NewThreadUnsafeSet[PID]()

	b := Block{Piece: piece, Offset: offset}
	if !p.valid(b) || p.have.Has(piece) || p.done.Has(p.index(b)) {
		return false, cancel
	}

	i := p.index(b)
	p.done.Set(i)
	p.fresh.Unset(i)

	if req, ok := p.waiting[b]; ok {
		cancel = req.requesters.Clone()
		cancel.Remove(source)
		delete(p.waiting, b)
	}

	base := piece * p.scale
	for j := 0; j < p.Blocks(piece); j++ {
		if !p.done.Has(base + j) {
			return false, cancel
		}
	}

	p.have.Set(piece)
	return true, cancel
}

// Invalidate resets a piece that failed verification. Its blocks return to
// the fresh pool and the peers that delivered them are returned.
func (p *Picker) Invalidate(piece int) mapset.Set[PID] {
	suppliers := mapset.NewThreadUnsafeSet[PID]()

	if piece < 0 || piece >= p.pieceCount {
		return suppliers
	}

	p.have.Unset(piece)

	base := piece * p.scale
	for j := 0; j < p.Blocks(piece); j++ {
		b := Block{Piece: piece, Offset: j * metadata.BlockSize}
		if req, ok := p.waiting[b]; ok {
			if req.delivered {
				suppliers.Add(req.deliverer)
			}
			delete(p.waiting, b)
		}
		p.done.Unset(base + j)
		p.fresh.Set(base + j)
	}

	return suppliers
}

// Stalled returns undelivered blocks requested longer than timeout ago.
func (p *Picker) Stalled(timeout time.Duration) []Stall {
	var out []Stall

	deadline := p.now().Add(-timeout)
	for b, req := range p.waiting {
		if req.delivered || !req.at.Before(deadline) {
			continue
		}

		requesters := req.requesters.ToSlice()
		slices.Sort(requesters)
		out = append(out, Stall{Block: b, Requesters: requesters})
	}

	slices.SortFunc(out, func(a, b Stall) int {
		if a.Block.Piece != b.Block.Piece {
			return a.Block.Piece - b.Block.Piece
		}
		return a.Block.Offset - b.Block.Offset
	})

	return out
}

// Release withdraws pid's request for b, as if the peer had been removed for
// this block only.
func (p *Picker) Release(b Block, pid PID) {
	if req, ok := p.waiting[b]; ok {
		p.release(b, req, pid)
	}
}

func (p *Picker) release(b Block, req *request, pid PID) {
	req.requesters.Remove(pid)

	if req.requesters.Cardinality() == 0 && !req.delivered {
		delete(p.waiting, b)
		p.fresh.Set(p.index(b))
	}
}
