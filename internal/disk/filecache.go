package disk

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

var (
	ErrDiskFull            = errors.New("no space left on device")
	ErrPreallocUnsupported = errors.New("preallocation not supported")
	ErrNoVictim            = errors.New("every cached file is in use")
)

// Preallocator reserves size bytes for a newly created file. It returns
// ErrPreallocUnsupported when the platform or filesystem cannot do it.
type Preallocator func(f afero.File, size int64) error

// Entry is a cached open file as seen by an EvictionPolicy.
type Entry struct {
	Path string
	Used bool

	file   afero.File
	active bool
}

// EvictionPolicy picks the entry to close when the cache is at capacity.
// candidates is never empty and never holds an entry in active use.
type EvictionPolicy interface {
	Victim(candidates []*Entry) int
}

type CacheOption func(*FileCache)

func WithEvictionPolicy(p EvictionPolicy) CacheOption {
	return func(c *FileCache) {
		c.policy = p
	}
}

func WithPreallocator(p Preallocator) CacheOption {
	return func(c *FileCache) {
		c.prealloc = p
	}
}

// FileCache keeps at most max files open. It is not safe for concurrent use:
// every disk worker owns its own cache.
type FileCache struct {
	fs       afero.Fs
	max      int
	entries  []*Entry
	byPath   map[string]*Entry
	policy   EvictionPolicy
	prealloc Preallocator
	logger   *slog.Logger
}

func NewFileCache(fs afero.Fs, maxOpen int, opts ...CacheOption) *FileCache {
	if maxOpen < 1 {
		maxOpen = 1
	}

	c := &FileCache{
		fs:       fs,
		max:      maxOpen,
		byPath:   make(map[string]*Entry),
		policy:   &ClockPolicy{},
		prealloc: Fallocate,
		logger:   slog.With("component", "filecache"),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Len returns the number of open files.
func (c *FileCache) Len() int {
	return len(c.entries)
}

func (c *FileCache) Has(path string) bool {
	_, ok := c.byPath[path]
	return ok
}

// GetFile runs fn with the open handle for path, opening it first if needed.
// A file created by this call is preallocated to size.
func (c *FileCache) GetFile(path string, size int64, fn func(afero.File) error) error {
	return c.get(path, size, true, fn)
}

// GetExisting is GetFile for files that must already be on disk. A missing
// file is reported as os.ErrNotExist and is not created.
func (c *FileCache) GetExisting(path string, fn func(afero.File) error) error {
	return c.get(path, 0, false, fn)
}

func (c *FileCache) get(path string, size int64, create bool, fn func(afero.File) error) error {
	e, ok := c.byPath[path]
	if !ok {
		if !create {
			if _, err := c.fs.Stat(path); err != nil {
				return fmt.Errorf("failed to open %s: %w", path, err)
			}
		}

		if len(c.entries) >= c.max {
			if err := c.evict(); err != nil {
				return err
			}
		}

		f, err := c.open(path, size, create)
		if err != nil {
			return err
		}

		e = &Entry{Path: path, file: f}
		c.entries = append(c.entries, e)
		c.byPath[path] = e
	}

	e.Used = true
	e.active = true
	defer func() { e.active = false }()

	return fn(e.file)
}

func (c *FileCache) open(path string, size int64, create bool) (afero.File, error) {
	if !create {
		return c.fs.OpenFile(path, os.O_RDWR, 0)
	}

	if err := c.fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create dirs for %s: %w", path, err)
	}

	_, err := c.fs.Stat(path)
	created := errors.Is(err, os.ErrNotExist)

	f, err := c.fs.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	if !created || size <= 0 {
		return f, nil
	}

	err = c.prealloc(f, size)
	if errors.Is(err, ErrPreallocUnsupported) {
		c.logger.Debug("preallocation unsupported, extending file", "path", path)
		err = f.Truncate(size)
	}

	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to allocate %s: %w", path, err)
	}

	return f, nil
}

func (c *FileCache) evict() error {
	candidates := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		if !e.active {
			candidates = append(candidates, e)
		}
	}

	if len(candidates) == 0 {
		return ErrNoVictim
	}

	victim := candidates[c.policy.Victim(candidates)]
	c.logger.Debug("evicting file", "path", victim.Path)

	if err := c.drop(victim); err != nil {
		c.logger.Warn("failed to close evicted file", "path", victim.Path, "error", err)
	}

	return nil
}

func (c *FileCache) drop(e *Entry) error {
	delete(c.byPath, e.Path)
	for i, x := range c.entries {
		if x == e {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			break
		}
	}

	return e.file.Close()
}

// RemoveFile closes path if it is open.
func (c *FileCache) RemoveFile(path string) error {
	e, ok := c.byPath[path]
	if !ok {
		return nil
	}

	return c.drop(e)
}

// Close syncs and closes every open file, returning the first error.
func (c *FileCache) Close() error {
	var err error
	for _, entry := range c.entries {
		if e := entry.file.Sync(); e != nil && err == nil {
			err = e
		}
		if e := entry.file.Close(); e != nil && err == nil {
			err = e
		}
	}

	c.entries = nil
	c.byPath = make(map[string]*Entry)
	return err
}
