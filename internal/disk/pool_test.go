package disk

import (
	"bytes"
	"context"
	"crypto/sha1"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danferreira/gtorrentd/internal/metadata"
)

type poolHarness struct {
	t      *testing.T
	fs     afero.Fs
	pool   *Pool
	cancel context.CancelFunc
	done   chan error
	once   sync.Once
}

func startPool(t *testing.T, workers, maxOpen int) *poolHarness {
	t.Helper()

	fs := afero.NewMemMapFs()
	ctx, cancel := context.WithCancel(context.Background())
	h := &poolHarness{t: t, fs: fs, pool: NewPool(fs, workers, maxOpen), cancel: cancel, done: make(chan error, 1)}

	go func() { h.done <- h.pool.Run(ctx) }()
	t.Cleanup(h.stop)

	return h
}

func (h *poolHarness) stop() {
	h.once.Do(func() {
		h.cancel()
		select {
		case <-h.done:
		case <-time.After(time.Second):
			h.t.Error("pool did not stop")
		}
	})
}

func (h *poolHarness) do(req Request) Response {
	h.t.Helper()

	h.pool.In() <- req
	select {
	case resp := <-h.pool.Out():
		return resp
	case <-time.After(2 * time.Second):
		h.t.Fatal("no disk response")
	}
	return Response{}
}

// two files, three pieces of 32 KiB where the last is 16 KiB
func testTorrent() (*Layout, []byte) {
	data := make([]byte, 81920)
	for i := range data {
		data[i] = byte(i % 251)
	}

	info := &metadata.Info{
		PieceLength: 32768,
		Files: []metadata.FileInfo{
			{Path: "t/a.bin", Length: 40000},
			{Path: "t/b.bin", Length: 41920},
		},
	}
	for i := 0; i < 3; i++ {
		end := min((i+1)*32768, len(data))
		info.Pieces = append(info.Pieces, sha1.Sum(data[i*32768:end]))
	}

	return NewLayout(info, "/dl"), data
}

func TestPoolWriteValidateRead(t *testing.T) {
	h := startPool(t, 3, 4)
	l, data := testTorrent()

	for off := 0; off < 32768; off += metadata.BlockSize {
		resp := h.do(Write(1, l, 1, off, data[32768+off:32768+off+metadata.BlockSize], 9))
		require.NoError(t, resp.Err)
		assert.Equal(t, uint32(9), resp.PID)
		assert.Equal(t, off, resp.Offset)
	}

	resp := h.do(Validate(1, l, 1))
	require.NoError(t, resp.Err)
	assert.True(t, resp.Valid)
	assert.Equal(t, 1, resp.Piece)

	resp = h.do(Validate(1, l, 0))
	require.NoError(t, resp.Err)
	assert.False(t, resp.Valid)

	resp = h.do(Read(1, l, 1, 16384, 16384, 4))
	require.NoError(t, resp.Err)
	assert.True(t, bytes.Equal(data[49152:65536], resp.Data))
}

func TestPoolScan(t *testing.T) {
	h := startPool(t, 2, 2)
	l, data := testTorrent()

	resp := h.do(Scan(7, l))
	require.NoError(t, resp.Err)
	assert.Equal(t, 0, resp.Have.Count())

	require.NoError(t, afero.WriteFile(h.fs, "/dl/t/a.bin", data[:40000], 0644))
	require.NoError(t, afero.WriteFile(h.fs, "/dl/t/b.bin", make([]byte, 41920), 0644))

	resp = h.do(Scan(7, l))
	require.NoError(t, resp.Err)
	assert.True(t, resp.Have.Has(0))
	assert.False(t, resp.Have.Has(1))
	assert.False(t, resp.Have.Has(2))
}

func TestPoolReadDoesNotCreateFiles(t *testing.T) {
	h := startPool(t, 2, 2)
	l, _ := testTorrent()

	resp := h.do(Read(1, l, 0, 0, 16384, 3))
	assert.ErrorIs(t, resp.Err, os.ErrNotExist)

	resp = h.do(Validate(1, l, 2))
	assert.ErrorIs(t, resp.Err, os.ErrNotExist)

	for _, path := range []string{"/dl/t/a.bin", "/dl/t/b.bin"} {
		ok, err := afero.Exists(h.fs, path)
		require.NoError(t, err)
		assert.False(t, ok, path)
	}
}

func TestPoolOpenFileLimit(t *testing.T) {
	tests := map[string]struct {
		workers, maxOpen int
		caches           []int
	}{
		"fewer files than workers": {workers: 4, maxOpen: 1, caches: []int{1}},
		"uneven split":             {workers: 3, maxOpen: 8, caches: []int{3, 3, 2}},
		"even split":               {workers: 2, maxOpen: 4, caches: []int{2, 2}},
		"zero limit":               {workers: 2, maxOpen: 0, caches: []int{1}},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			p := NewPool(afero.NewMemMapFs(), tc.workers, tc.maxOpen)

			var caches []int
			for _, w := range p.workers {
				caches = append(caches, w.cache.max)
			}
			assert.Equal(t, tc.caches, caches)
		})
	}
}

func TestPoolOutOfRange(t *testing.T) {
	h := startPool(t, 1, 1)
	l, _ := testTorrent()

	resp := h.do(Write(1, l, 2, 16384, make([]byte, 16384), 0))

	assert.ErrorIs(t, resp.Err, ErrOutOfRange)
}

func TestPoolPersistAndRemove(t *testing.T) {
	h := startPool(t, 4, 4)
	l, data := testTorrent()

	resp := h.do(Persist(3, "/session/abc.resume", []byte("d1:ai1ee")))
	require.NoError(t, resp.Err)

	b, err := afero.ReadFile(h.fs, "/session/abc.resume")
	require.NoError(t, err)
	assert.Equal(t, []byte("d1:ai1ee"), b)

	require.NoError(t, h.do(Write(3, l, 0, 0, data[:16384], 1)).Err)

	resp = h.do(Remove(3, l, "/session/abc.resume", true))
	require.NoError(t, resp.Err)
	assert.Equal(t, KindRemove, resp.Kind)

	for _, p := range []string{"/session/abc.resume", "/dl/t/a.bin"} {
		ok, err := afero.Exists(h.fs, p)
		require.NoError(t, err)
		assert.False(t, ok, p)
	}

	// a single response for the whole pool
	select {
	case extra := <-h.pool.Out():
		t.Fatalf("unexpected response %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPoolClosesOutOnStop(t *testing.T) {
	h := startPool(t, 2, 2)
	h.stop()

	_, ok := <-h.pool.Out()
	assert.False(t, ok)
}
