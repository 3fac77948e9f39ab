package cio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/danferreira/gtorrentd/internal/message"
	"github.com/danferreira/gtorrentd/internal/metrics"
)

// peerConn owns one socket: a reader turning frames into events and a writer
// draining the outgoing mailbox. Neither touches control state.
type peerConn struct {
	h    *hub
	pid  PID
	conn net.Conn
	out  *mailbox[*message.Message]

	// ctx is cancelled with done; it bounds waits on the rate limiters.
	ctx    context.Context
	cancel context.CancelFunc

	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

func newPeerConn(h *hub, pid PID, conn net.Conn) *peerConn {
	ctx, cancel := context.WithCancel(context.Background())

	return &peerConn{
		h:      h,
		pid:    pid,
		conn:   conn,
		out:    newMailbox[*message.Message](),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: slog.With("peer", conn.RemoteAddr(), "pid", pid),
	}
}

// start runs the reader and writer. The caller has already added both to the
// hub's wait group.
func (c *peerConn) start() {
	go c.messageReaderWorker()
	go c.messageWriterWorker()
}

func (c *peerConn) messageReaderWorker() {
	defer c.h.wg.Done()

	c.logger.Debug("starting message reader")

	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.h.cfg.PeerTimeout)); err != nil {
			c.fail(err)
			return
		}

		msg, err := message.Read(c.conn)
		if err != nil {
			c.fail(err)
			return
		}

		if msg == nil {
			continue
		}

		if err := c.throttle(c.h.download, msg); err != nil {
			c.fail(err)
			return
		}

		metrics.PeerMessages.WithLabelValues("in", msg.ID.String()).Inc()

		ev := Event{Kind: KindPeer, PID: c.pid, Message: msg}
		if !c.h.deliver(envelope{ev: ev, conn: c}, c.done) {
			return
		}
	}
}

// fail reports the end of the connection once, unless it was removed.
func (c *peerConn) fail(err error) {
	select {
	case <-c.done:
		return
	default:
	}

	if isConnectionClosed(err) {
		c.logger.Info("connection closed")
	} else {
		c.logger.Warn("failed to read message", "error", err)
	}

	c.h.deliver(envelope{ev: Event{Kind: KindPeer, PID: c.pid, Err: err}, conn: c}, c.done)
	c.close()
}

func (c *peerConn) messageWriterWorker() {
	defer c.h.wg.Done()

	c.logger.Debug("starting message writer")

	ticker := time.NewTicker(c.h.cfg.Keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.out.Ready():
			for _, msg := range c.out.Drain() {
				if err := c.writeMessage(msg); err != nil {
					if c.ctx.Err() == nil {
						c.logger.Warn("failed to write message", "error", err)
					}
					c.conn.Close()
					return
				}
			}
		case <-ticker.C:
			if err := c.writeMessage(nil); err != nil {
				c.logger.Warn("failed to write keep-alive", "error", err)
				c.conn.Close()
				return
			}
		}
	}
}

func (c *peerConn) writeMessage(msg *message.Message) error {
	if msg != nil {
		if err := c.throttle(c.h.upload, msg); err != nil {
			return err
		}
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.h.cfg.WriteTimeout)); err != nil {
		return err
	}

	if _, err := c.conn.Write(msg.Serialize()); err != nil {
		return err
	}

	if msg != nil {
		metrics.PeerMessages.WithLabelValues("out", msg.ID.String()).Inc()
	}

	return nil
}

func (c *peerConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
		c.out.Close()
		c.conn.Close()
	})
}

// throttle takes msg's wire size from l, waiting for tokens as needed. A frame
// larger than the bucket takes the whole bucket.
func (c *peerConn) throttle(l *rate.Limiter, msg *message.Message) error {
	if l.Limit() == rate.Inf {
		return nil
	}

	return l.WaitN(c.ctx, min(5+len(msg.Payload), l.Burst()))
}

func isConnectionClosed(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}
