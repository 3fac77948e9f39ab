package disk

import (
	"bytes"
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/spf13/afero"

	"github.com/danferreira/gtorrentd/internal/bitfield"
	"github.com/danferreira/gtorrentd/internal/metrics"
)

var (
	ErrNoLayout   = errors.New("request has no layout")
	ErrOutOfRange = errors.New("range outside of torrent")
)

type job struct {
	req     Request
	pending *atomic.Int32
}

type worker struct {
	id     int
	fs     afero.Fs
	cache  *FileCache
	jobs   chan job
	logger *slog.Logger
}

func newWorker(id int, fs afero.Fs, maxOpen int, opts ...CacheOption) *worker {
	return &worker{
		id:     id,
		fs:     fs,
		cache:  NewFileCache(fs, maxOpen, opts...),
		jobs:   make(chan job, 64),
		logger: slog.With("disk_worker", id),
	}
}

func (w *worker) run(ctx context.Context, out chan<- Response) error {
	for j := range w.jobs {
		resp, ok := w.handle(j)
		if !ok {
			continue
		}

		select {
		case out <- resp:
		case <-ctx.Done():
		}
	}

	return w.cache.Close()
}

func (w *worker) handle(j job) (Response, bool) {
	req := j.req
	resp := Response{
		Kind:      req.Kind,
		TorrentID: req.TorrentID,
		Piece:     req.Piece,
		Offset:    req.Offset,
		PID:       req.PID,
	}

	var err error

	switch req.Kind {
	case KindWrite:
		err = w.write(req.Layout, req.Piece, req.Offset, req.Data)
	case KindRead:
		resp.Data, err = w.read(req.Layout, req.Piece, req.Offset, req.Length)
	case KindValidate:
		resp.Valid, err = w.validate(req.Layout, req.Piece)
	case KindScan:
		resp.Have, err = w.scan(req.Layout)
	case KindPersist:
		err = w.persist(req.Path, req.Data)
	case KindRemove:
		w.release(req.Layout)
		if j.pending != nil && j.pending.Add(-1) > 0 {
			return resp, false
		}
		err = w.remove(req)
	default:
		err = fmt.Errorf("unknown disk request %d", req.Kind)
	}

	if err != nil {
		w.logger.Error("disk request failed", "kind", req.Kind, "piece", req.Piece, "error", err)
		metrics.DiskErrors.WithLabelValues(req.Kind.String()).Inc()
		resp.Err = fmt.Errorf("disk %s: %w", req.Kind, err)
	}

	return resp, true
}

func blockStart(l *Layout, piece, offset int) int64 {
	return int64(piece)*int64(l.PieceLength) + int64(offset)
}

func (w *worker) write(l *Layout, piece, offset int, data []byte) error {
	if l == nil {
		return ErrNoLayout
	}

	start := blockStart(l, piece, offset)
	if start < 0 || start+int64(len(data)) > l.Total {
		return ErrOutOfRange
	}

	for _, s := range l.Spans(start, len(data)) {
		err := w.cache.GetFile(s.Path, s.Size, func(f afero.File) error {
			_, err := f.WriteAt(data[s.Start:s.End], s.Offset)
			return err
		})
		if err != nil {
			return err
		}
	}

	metrics.DiskBytes.WithLabelValues("write").Add(float64(len(data)))
	return nil
}

func (w *worker) read(l *Layout, piece, offset, length int) ([]byte, error) {
	if l == nil {
		return nil, ErrNoLayout
	}

	start := blockStart(l, piece, offset)
	if start < 0 || length < 0 || start+int64(length) > l.Total {
		return nil, ErrOutOfRange
	}

	buf := make([]byte, length)
	for _, s := range l.Spans(start, length) {
		err := w.cache.GetExisting(s.Path, func(f afero.File) error {
			_, err := f.ReadAt(buf[s.Start:s.End], s.Offset)
			if errors.Is(err, io.EOF) {
				// short files read as zeros
				return nil
			}
			return err
		})
		if err != nil {
			return nil, err
		}
	}

	metrics.DiskBytes.WithLabelValues("read").Add(float64(length))
	return buf, nil
}

func (w *worker) validate(l *Layout, piece int) (bool, error) {
	if l == nil {
		return false, ErrNoLayout
	}
	if piece < 0 || piece >= l.PieceCount() {
		return false, ErrOutOfRange
	}

	buf, err := w.read(l, piece, 0, l.PieceLen(piece))
	if err != nil {
		return false, err
	}

	return checkIntegrity(l.Hashes[piece], buf), nil
}

// scan hashes every piece whose files already exist.
func (w *worker) scan(l *Layout) (*bitfield.Bitfield, error) {
	if l == nil {
		return nil, ErrNoLayout
	}

	bf := bitfield.New(l.PieceCount())

	exists := make(map[string]bool, len(l.Files))
	for _, f := range l.Files {
		_, err := w.fs.Stat(f.Path)
		exists[f.Path] = err == nil
	}

	for index := range l.PieceCount() {
		start := blockStart(l, index, 0)
		length := l.PieceLen(index)

		present := true
		for _, s := range l.Spans(start, length) {
			present = present && exists[s.Path]
		}
		if !present {
			continue
		}

		buf, err := w.read(l, index, 0, length)
		if err != nil {
			w.logger.Error("scan disk error", "piece", index, "error", err)
			continue
		}

		if checkIntegrity(l.Hashes[index], buf) {
			bf.Set(index)
		}
	}

	return bf, nil
}

func (w *worker) persist(path string, data []byte) error {
	if err := w.fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := afero.WriteFile(w.fs, tmp, data, 0644); err != nil {
		return err
	}

	return w.fs.Rename(tmp, path)
}

func (w *worker) release(l *Layout) {
	if l == nil {
		return
	}

	for _, f := range l.Files {
		if err := w.cache.RemoveFile(f.Path); err != nil {
			w.logger.Warn("failed to close file", "path", f.Path, "error", err)
		}
	}
}

func (w *worker) remove(req Request) error {
	var errs []error

	if req.DeleteData && req.Layout != nil {
		for _, f := range req.Layout.Files {
			if err := w.fs.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
	}

	if req.Path != "" {
		if err := w.fs.Remove(req.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func checkIntegrity(expectedHash [20]byte, data []byte) bool {
	hash := sha1.Sum(data)
	return bytes.Equal(hash[:], expectedHash[:])
}
