package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/danferreira/gtorrentd/internal/handshake"
)

type Kind uint8

const (
	KindRegister Kind = iota
	KindUnregister
	KindConnect
)

// Request registers or unregisters an info hash for inbound handshakes, or
// asks for an outbound connection to Addr.
type Request struct {
	Kind      Kind
	TorrentID uint64
	InfoHash  [20]byte
	Addr      string
}

// Conn is a connection that completed the handshake. On a failed outbound
// attempt Conn is nil and Err is set.
type Conn struct {
	Conn      net.Conn
	TorrentID uint64
	InfoHash  [20]byte
	PeerID    [20]byte
	Addr      string
	Outbound  bool
	Err       error
}

type Option func(*Listener)

func WithDialTimeout(d time.Duration) Option {
	return func(l *Listener) {
		l.dialTimeout = d
	}
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(l *Listener) {
		l.handshakeTimeout = d
	}
}

type Listener struct {
	ln     net.Listener
	peerID [20]byte

	mu     sync.RWMutex
	hashes map[[20]byte]uint64

	dialTimeout      time.Duration
	handshakeTimeout time.Duration

	in     chan Request
	out    chan Conn
	logger *slog.Logger
}

// Listen opens the TCP listener on port.
func Listen(port int, peerID [20]byte, opts ...Option) (*Listener, error) {
	ln, err := net.Listen("tcp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to start listener: %w", err)
	}

	return New(ln, peerID, opts...), nil
}

func New(ln net.Listener, peerID [20]byte, opts ...Option) *Listener {
	l := &Listener{
		ln:               ln,
		peerID:           peerID,
		hashes:           make(map[[20]byte]uint64),
		dialTimeout:      5 * time.Second,
		handshakeTimeout: 5 * time.Second,
		in:               make(chan Request, 64),
		out:              make(chan Conn, 64),
		logger:           slog.With("component", "listener"),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

func (l *Listener) In() chan<- Request {
	return l.in
}

func (l *Listener) Out() <-chan Conn {
	return l.out
}

func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Run accepts inbound peers and serves requests until ctx is done. Out is
// closed when Run returns.
func (l *Listener) Run(ctx context.Context) error {
	l.logger.Info("listening for incoming peers", "addr", l.ln.Addr())

	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		close(l.out)
	}()

	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		l.accept(ctx, &wg)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-l.in:
			l.handle(ctx, req, &wg)
		}
	}
}

func (l *Listener) handle(ctx context.Context, req Request, wg *sync.WaitGroup) {
	switch req.Kind {
	case KindRegister:
		l.mu.Lock()
		l.hashes[req.InfoHash] = req.TorrentID
		l.mu.Unlock()
	case KindUnregister:
		l.mu.Lock()
		delete(l.hashes, req.InfoHash)
		l.mu.Unlock()
	case KindConnect:
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.emit(ctx, l.dial(ctx, req))
		}()
	}
}

func (l *Listener) accept(ctx context.Context, wg *sync.WaitGroup) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Error("error during accepting new conn", "error", err)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()

			c, err := l.inbound(conn)
			if err != nil {
				l.logger.Debug("inbound connection failed", "addr", conn.RemoteAddr(), "error", err)
				conn.Close()
				return
			}
			l.emit(ctx, c)
		}()
	}
}

func (l *Listener) lookup(infoHash [20]byte) (uint64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	id, ok := l.hashes[infoHash]
	return id, ok
}

func (l *Listener) inbound(conn net.Conn) (Conn, error) {
	if err := conn.SetDeadline(time.Now().Add(l.handshakeTimeout)); err != nil {
		return Conn{}, err
	}

	h, err := handshake.Accept(conn, l.peerID, func(ih [20]byte) bool {
		_, ok := l.lookup(ih)
		return ok
	})
	if err != nil {
		return Conn{}, err
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return Conn{}, err
	}

	id, _ := l.lookup(h.InfoHash)

	return Conn{
		Conn:      conn,
		TorrentID: id,
		InfoHash:  h.InfoHash,
		PeerID:    h.PeerID,
		Addr:      conn.RemoteAddr().String(),
	}, nil
}

func (l *Listener) dial(ctx context.Context, req Request) Conn {
	c := Conn{TorrentID: req.TorrentID, InfoHash: req.InfoHash, Addr: req.Addr, Outbound: true}

	dialer := net.Dialer{Timeout: l.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", req.Addr)
	if err != nil {
		c.Err = err
		return c
	}

	if err := conn.SetDeadline(time.Now().Add(l.handshakeTimeout)); err != nil {
		conn.Close()
		c.Err = err
		return c
	}

	h, err := handshake.Initiate(conn, req.InfoHash, l.peerID)
	if err == nil {
		err = conn.SetDeadline(time.Time{})
	}
	if err != nil {
		conn.Close()
		c.Err = err
		return c
	}

	c.Conn = conn
	c.PeerID = h.PeerID
	return c
}

func (l *Listener) emit(ctx context.Context, c Conn) {
	select {
	case l.out <- c:
	case <-ctx.Done():
		if c.Conn != nil {
			c.Conn.Close()
		}
	}
}
