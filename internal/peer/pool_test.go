package peer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPoolDeduplicates(t *testing.T) {
	p := NewPool(4)

	added := p.PushMany([]Peer{{Addr: "a:1"}, {Addr: "b:1"}, {Addr: "a:1"}})
	assert.Equal(t, 2, added)
	assert.Equal(t, 2, p.Len())

	first, ok := p.Pop()
	assert.True(t, ok)
	assert.Equal(t, "a:1", first.Addr)

	assert.Equal(t, 0, p.PushMany([]Peer{{Addr: "a:1"}}))

	p.Forget("a:1")
	assert.Equal(t, 1, p.PushMany([]Peer{{Addr: "a:1"}}))
}

func TestPoolPopEmpty(t *testing.T) {
	_, ok := NewPool(0).Pop()

	assert.False(t, ok)
}
