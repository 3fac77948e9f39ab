package ciotest

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danferreira/gtorrentd/internal/cio"
	"github.com/danferreira/gtorrentd/internal/message"
)

var _ cio.CIO = (*CIO)(nil)

func TestScriptedPoll(t *testing.T) {
	c := New()
	c.Push(cio.Event{Kind: cio.KindPeer, PID: 1})

	events, err := c.Poll(nil)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	events, err = c.Poll(nil)
	require.NoError(t, err)
	assert.Empty(t, events)

	c.Fail(cio.ErrPlumbing)
	_, err = c.Poll(nil)
	assert.True(t, errors.Is(err, cio.ErrPlumbing))
}

func TestRecordsAndTimers(t *testing.T) {
	c := New()

	pid, err := c.AddPeer(nil)
	require.NoError(t, err)
	assert.Equal(t, cio.PID(1), pid)

	c.MsgPeer(pid, message.New(message.MessageChoke))
	assert.Len(t, c.PeerMessages(pid), 1)
	assert.Empty(t, c.PeerMessages(pid))

	tid, _ := c.SetTimer(time.Second)
	assert.Equal(t, time.Second, c.Timers()[tid])
	assert.True(t, c.Fire(tid))
	assert.False(t, c.Fire(tid))

	events, _ := c.Poll(nil)
	require.Len(t, events, 1)
	assert.Equal(t, tid, events[0].TID)

	c.RemovePeer(pid)
	assert.True(t, c.Removed(pid))
	assert.False(t, c.Connected(pid))
}
