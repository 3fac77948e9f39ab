package torrent

import (
	"math/rand/v2"
	"slices"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/danferreira/gtorrentd/internal/cio"
	"github.com/danferreira/gtorrentd/internal/message"
	"github.com/danferreira/gtorrentd/internal/state"
)

const (
	DefaultUploadSlots   = 5
	DefaultChokeInterval = 10 * time.Second
)

// choker hands a fixed number of upload slots to interested peers. Peers
// that find every slot taken wait until one frees up or a rotation gives
// them the slowest holder's slot.
type choker struct {
	slots    int
	interval time.Duration

	unchoked []cio.PID
	waiting  mapset.Set[cio.PID]
	rotated  time.Time

	pick func(n int) int
}

func newChoker(slots int, interval time.Duration) *choker {
	if slots < 1 {
		slots = DefaultUploadSlots
	}
	if interval <= 0 {
		interval = DefaultChokeInterval
	}

	return &choker{
		slots:    slots,
		interval: interval,
		waiting:  mapset.NewThreadUnsafeSet[cio.PID](),
		rotated:  time.Now(),
		pick:     rand.IntN,
	}
}

func (c *choker) holds(pid cio.PID) bool {
	return slices.Contains(c.unchoked, pid)
}

// interested queues pid for a slot and reports whether it got one.
func (c *choker) interested(pid cio.PID) bool {
	if c.holds(pid) {
		return true
	}

	if len(c.unchoked) < c.slots {
		c.unchoked = append(c.unchoked, pid)
		return true
	}

	c.waiting.Add(pid)
	return false
}

// remove forgets pid. When it held a slot, the slot goes to a waiting peer,
// which is returned.
func (c *choker) remove(pid cio.PID) (cio.PID, bool) {
	c.waiting.Remove(pid)

	i := slices.Index(c.unchoked, pid)
	if i < 0 {
		return 0, false
	}
	c.unchoked = slices.Delete(c.unchoked, i, i+1)

	return c.promote()
}

func (c *choker) promote() (cio.PID, bool) {
	if c.waiting.Cardinality() == 0 {
		return 0, false
	}

	candidates := c.waiting.ToSlice()
	slices.Sort(candidates)
	next := candidates[c.pick(len(candidates))]

	c.waiting.Remove(next)
	c.unchoked = append(c.unchoked, next)
	return next, true
}

// rotate swaps the unchoked peer with the lowest rate for a random waiting
// one, at most once per interval and only while every slot is taken.
func (c *choker) rotate(now time.Time, rate func(cio.PID) int64) (choked, unchoked cio.PID, ok bool) {
	if now.Sub(c.rotated) < c.interval || len(c.unchoked) < c.slots || c.waiting.Cardinality() == 0 {
		return 0, 0, false
	}
	c.rotated = now

	slowest := 0
	for i, pid := range c.unchoked {
		if rate(pid) < rate(c.unchoked[slowest]) {
			slowest = i
		}
	}

	choked = c.unchoked[slowest]
	c.unchoked = slices.Delete(c.unchoked, slowest, slowest+1)

	unchoked, _ = c.promote()
	c.waiting.Add(choked)

	return choked, unchoked, true
}

func (c *choker) reset() {
	c.unchoked = nil
	c.waiting.Clear()
}

// chokePeer stops serving p and drops what it asked for.
func (t *Torrent) chokePeer(p *peerState) {
	if p.amChoking {
		return
	}

	p.amChoking = true
	p.requested.Clear()
	t.io.MsgPeer(p.pid, message.New(message.MessageChoke))
}

func (t *Torrent) unchokePeer(p *peerState) {
	if !p.amChoking {
		return
	}

	p.amChoking = false
	p.uploaded, p.downloaded = 0, 0
	t.io.MsgPeer(p.pid, message.New(message.MessageUnchoke))
}

// releaseSlot frees pid's upload slot, unchoking whoever is next in line.
func (t *Torrent) releaseSlot(pid cio.PID) {
	next, ok := t.choker.remove(pid)
	if !ok {
		return
	}

	if p, ok := t.peers[next]; ok {
		p.logger.Debug("peer got an upload slot")
		t.unchokePeer(p)
	}
}

// rotateChokes runs the periodic choke round. A seeding torrent ranks its
// unchoked peers by what they took from us, a downloading one by what they
// gave.
func (t *Torrent) rotateChokes(now time.Time) {
	rate := func(pid cio.PID) int64 {
		p, ok := t.peers[pid]
		if !ok {
			return 0
		}
		if t.status == state.Seeding {
			return p.uploaded
		}
		return p.downloaded
	}

	choked, unchoked, ok := t.choker.rotate(now, rate)
	if !ok {
		return
	}

	if p, ok := t.peers[choked]; ok {
		p.logger.Debug("peer lost its upload slot")
		t.chokePeer(p)
	}
	if p, ok := t.peers[unchoked]; ok {
		t.unchokePeer(p)
	}

	for _, pid := range t.choker.unchoked {
		if p, ok := t.peers[pid]; ok {
			p.uploaded, p.downloaded = 0, 0
		}
	}
}
