package picker

import (
	"math/rand/v2"
	"testing"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danferreira/gtorrentd/internal/bitfield"
)

func seeded(n int) *bitfield.Bitfield {
	bf := bitfield.New(n)
	for i := 0; i < n; i++ {
		bf.Set(i)
	}
	return bf
}

func pieces(n int, set ...int) *bitfield.Bitfield {
	bf := bitfield.New(n)
	for _, i := range set {
		bf.Set(i)
	}
	return bf
}

func TestBlockGeometry(t *testing.T) {
	p := New(2, 32768, 49152, bitfield.New(2))

	assert.Equal(t, 2, p.Blocks(0))
	assert.Equal(t, 1, p.Blocks(1))
	assert.Equal(t, 3, p.BlockCount())
	assert.Equal(t, 16384, p.BlockLen(Block{Piece: 1, Offset: 0}))
}

func TestShortTrailingBlock(t *testing.T) {
	p := New(2, 32768, 32768+20000, bitfield.New(2))

	assert.Equal(t, 2, p.Blocks(1))
	assert.Equal(t, 16384, p.BlockLen(Block{Piece: 1, Offset: 0}))
	assert.Equal(t, 20000-16384, p.BlockLen(Block{Piece: 1, Offset: 16384}))
}

func TestPickSequenceOnSeeder(t *testing.T) {
	p := New(2, 32768, 49152, bitfield.New(2))
	p.AddPeer(1, seeded(2))

	var got []Block
	for {
		b, ok := p.Pick(1)
		if !ok {
			break
		}
		got = append(got, b)
	}

	assert.Equal(t, []Block{{0, 0}, {0, 16384}, {1, 0}}, got)
}

func TestPickRarestFirst(t *testing.T) {
	p := New(3, 16384, 16384*3, bitfield.New(3))

	_, ok := p.Pick(0)
	assert.False(t, ok)

	p.AddPeer(0, pieces(3, 0))
	p.AddPeer(1, pieces(3, 0, 2))
	p.AddPeer(2, pieces(3, 1))

	b, ok := p.Pick(1)
	require.True(t, ok)
	assert.Equal(t, Block{2, 0}, b)

	b, ok = p.Pick(1)
	require.True(t, ok)
	assert.Equal(t, Block{0, 0}, b)

	_, ok = p.Pick(1)
	assert.False(t, ok)
	_, ok = p.Pick(0)
	assert.False(t, ok)

	b, ok = p.Pick(2)
	require.True(t, ok)
	assert.Equal(t, Block{1, 0}, b)
}

func TestPickSequential(t *testing.T) {
	p := New(3, 16384, 16384*3, bitfield.New(3), WithSequential())

	// piece 2 is the rarest, but piece 0 comes first
	p.AddPeer(0, pieces(3, 0))
	p.AddPeer(1, pieces(3, 0, 2))
	p.AddPeer(2, pieces(3, 1))

	var got []Block
	for _, pid := range []PID{1, 1, 2} {
		b, ok := p.Pick(pid)
		require.True(t, ok)
		got = append(got, b)
	}

	assert.Equal(t, []Block{{0, 0}, {2, 0}, {1, 0}}, got)
}

func TestPickAfterRemovePeer(t *testing.T) {
	p := New(4, 16384, 16384*4, bitfield.New(4))

	p.AddPeer(0, pieces(4, 0, 1))
	p.AddPeer(1, pieces(4, 1, 2))
	p.AddPeer(2, pieces(4, 0, 1))
	p.RemovePeer(0)

	expect := []struct {
		pid  PID
		want Block
		ok   bool
	}{
		{1, Block{2, 0}, true},
		{2, Block{0, 0}, true},
		{2, Block{1, 0}, true},
		{1, Block{}, false},
	}

	for _, e := range expect {
		b, ok := p.Pick(e.pid)
		assert.Equal(t, e.ok, ok)
		assert.Equal(t, e.want, b)
	}
}

func TestPickNeverExceedsBlockCount(t *testing.T) {
	p := New(5, 32768, 32768*4+100, bitfield.New(5))
	p.AddPeer(1, seeded(5))
	p.AddPeer(2, seeded(5))

	seen := map[Block]bool{}
	for i := 0; i < 50; i++ {
		normal := !p.Endgame()
		b, ok := p.Pick(PID(1 + i%2))
		if !ok {
			continue
		}
		assert.Less(t, p.index(b), p.BlockCount())
		if normal {
			assert.False(t, seen[b], "block %v handed out twice in normal mode", b)
		}
		seen[b] = true
	}

	assert.Len(t, seen, p.BlockCount())
}

func TestAddRemoveRestoresAvailability(t *testing.T) {
	p := New(4, 16384, 16384*4, bitfield.New(4))
	p.AddPeer(1, pieces(4, 0, 3))
	p.PieceAvailable(1, 2)

	before := []int{p.Availability(0), p.Availability(1), p.Availability(2), p.Availability(3)}

	p.AddPeer(7, pieces(4, 0, 1, 2))
	p.PieceAvailable(7, 3)
	p.PieceAvailable(7, 3)
	p.RemovePeer(7)

	after := []int{p.Availability(0), p.Availability(1), p.Availability(2), p.Availability(3)}
	assert.Equal(t, before, after)
}

func TestRemovePeerReturnsBlocksToFresh(t *testing.T) {
	p := New(1, 16384, 16384, bitfield.New(1))
	p.AddPeer(1, seeded(1))
	p.AddPeer(2, seeded(1))

	b, ok := p.Pick(1)
	require.True(t, ok)
	assert.Equal(t, 1, p.Waiting())

	p.RemovePeer(1)
	assert.Equal(t, 0, p.Waiting())

	again, ok := p.Pick(2)
	require.True(t, ok)
	assert.Equal(t, b, again)
}

func TestEndgame(t *testing.T) {
	p := New(1, 32768, 32768, bitfield.New(1), WithSampler(FewestRequesters{}), WithMaxDuplicates(2))
	for pid := PID(1); pid <= 4; pid++ {
		p.AddPeer(pid, seeded(1))
	}

	first, _ := p.Pick(1)
	second, _ := p.Pick(1)
	assert.True(t, p.Endgame())

	// peer 1 already asked for both blocks
	_, ok := p.Pick(1)
	assert.False(t, ok)

	b, ok := p.Pick(2)
	require.True(t, ok)
	assert.Equal(t, first, b)

	b, ok = p.Pick(3)
	require.True(t, ok)
	assert.Equal(t, second, b)

	// both blocks now have two requesters
	_, ok = p.Pick(4)
	assert.False(t, ok)
}

func TestEndgameSkipsDeliveredBlocks(t *testing.T) {
	p := New(1, 32768, 32768, bitfield.New(1), WithSampler(FewestRequesters{}))
	p.AddPeer(1, seeded(1))
	p.AddPeer(2, seeded(1))

	first, _ := p.Pick(1)
	second, _ := p.Pick(1)

	assert.True(t, p.Received(first, 1))
	assert.False(t, p.Received(first, 1))

	b, ok := p.Pick(2)
	require.True(t, ok)
	assert.Equal(t, second, b)
}

func TestReceivedRejectsUnrequested(t *testing.T) {
	p := New(1, 16384, 16384, bitfield.New(1))
	p.AddPeer(1, seeded(1))
	p.AddPeer(2, seeded(1))

	b, _ := p.Pick(1)

	assert.False(t, p.Received(b, 2))
	assert.False(t, p.Received(Block{0, 16384}, 1))
	assert.True(t, p.Received(b, 1))
}

type firstSampler struct{}

func (firstSampler) Sample([]Candidate) int { return 0 }

func TestCompletedReturnsCancelSet(t *testing.T) {
	have := bitfield.New(2)
	p := New(2, 32768, 49152, have, WithSampler(firstSampler{}))
	for pid := PID(1); pid <= 3; pid++ {
		p.AddPeer(pid, seeded(2))
	}

	for i := 0; i < 3; i++ {
		_, ok := p.Pick(1)
		require.True(t, ok)
	}
	b2, _ := p.Pick(2)
	b3, _ := p.Pick(3)
	assert.Equal(t, Block{0, 0}, b2)
	assert.Equal(t, Block{0, 0}, b3)

	require.True(t, p.Received(Block{0, 0}, 2))

	done, cancel := p.Completed(0, 0, 2)
	assert.False(t, done)
	assert.True(t, cancel.Equal(mapset.NewThreadUnsafeSet[PID](1, 3)))

	done, cancel = p.Completed(0, 16384, 1)
	assert.True(t, done)
	assert.Equal(t, 0, cancel.Cardinality())
	assert.True(t, have.Has(0))
	assert.False(t, have.Has(1))

	done, cancel = p.Completed(0, 0, 2)
	assert.False(t, done)
	assert.Equal(t, 0, cancel.Cardinality())
}

func TestInvalidateReturnsBlocksToFresh(t *testing.T) {
	p := New(1, 32768, 32768, bitfield.New(1))
	p.AddPeer(1, seeded(1))
	p.AddPeer(2, seeded(1))

	b0, _ := p.Pick(1)
	b1, _ := p.Pick(2)
	require.True(t, p.Received(b0, 1))
	require.True(t, p.Received(b1, 2))

	suppliers := p.Invalidate(0)

	assert.True(t, suppliers.Equal(mapset.NewThreadUnsafeSet[PID](1, 2)))
	assert.Equal(t, 0, p.Waiting())
	assert.False(t, p.Endgame())

	b, ok := p.Pick(2)
	require.True(t, ok)
	assert.Equal(t, Block{0, 0}, b)
}

func TestStalledAndRelease(t *testing.T) {
	now := time.Unix(1000, 0)
	p := New(2, 16384, 32768, bitfield.New(2), WithClock(func() time.Time { return now }))
	p.AddPeer(1, seeded(2))

	b, _ := p.Pick(1)
	now = now.Add(5 * time.Second)
	p.Pick(1)

	now = now.Add(6 * time.Second)
	stalled := p.Stalled(DefaultRequestTimeout)

	require.Len(t, stalled, 1)
	assert.Equal(t, b, stalled[0].Block)
	assert.Equal(t, []PID{1}, stalled[0].Requesters)

	p.Release(b, 1)
	assert.Equal(t, 1, p.Waiting())
	assert.False(t, p.Endgame())
}

func TestStartsWithHave(t *testing.T) {
	have := pieces(3, 0, 2)
	p := New(3, 16384, 16384*3, have)
	p.AddPeer(1, seeded(3))

	b, ok := p.Pick(1)
	require.True(t, ok)
	assert.Equal(t, Block{1, 0}, b)

	_, ok = p.Pick(1)
	assert.False(t, ok)
}

func TestWeightedSampler(t *testing.T) {
	s := NewWeightedSampler(rand.New(rand.NewPCG(1, 2)))

	assert.Equal(t, 0, s.Sample([]Candidate{{Requesters: 2}}))

	candidates := []Candidate{{Requesters: 1}, {Requesters: 2}, {Requesters: 3}}
	hits := make([]int, len(candidates))
	for i := 0; i < 3000; i++ {
		hits[s.Sample(candidates)]++
	}

	assert.Greater(t, hits[0], hits[1])
	assert.Greater(t, hits[1], hits[2])
}
