package tracker

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/danferreira/gtorrentd/internal/metrics"
	"github.com/danferreira/gtorrentd/internal/peer"
)

// Announcer performs a single announce. *Client is the HTTP implementation.
type Announcer interface {
	Announce(ctx context.Context, req Request) ([]peer.Peer, time.Duration, error)
}

// Worker runs announces off the control loop, a bounded number at a time.
type Worker struct {
	announcer Announcer
	parallel  int
	in        chan Request
	out       chan Response
	logger    *slog.Logger
}

func NewWorker(a Announcer, parallel int) *Worker {
	return &Worker{
		announcer: a,
		parallel:  max(1, parallel),
		in:        make(chan Request, 64),
		out:       make(chan Response, 64),
		logger:    slog.With("component", "tracker"),
	}
}

func (w *Worker) In() chan<- Request {
	return w.in
}

func (w *Worker) Out() <-chan Response {
	return w.out
}

// Run serves requests until ctx is done. Out is closed when Run returns.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.out)

	w.logger.Info("starting announce worker")

	var g errgroup.Group
	g.SetLimit(w.parallel)

	defer g.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-w.in:
			g.Go(func() error {
				w.announce(ctx, req)
				return nil
			})
		}
	}
}

func (w *Worker) announce(ctx context.Context, req Request) {
	var target string
	if req.URL != nil {
		target = req.URL.String()
	}

	logger := w.logger.With("url", target, "event", req.Event)
	logger.Info("sending announcement to tracker")

	peers, interval, err := w.announcer.Announce(ctx, req)

	resp := Response{
		TorrentID: req.TorrentID,
		URL:       target,
		Event:     req.Event,
		Peers:     peers,
		Interval:  interval,
		Err:       err,
	}

	if err != nil {
		logger.Error("error on tracker announce", "error", err)
		metrics.Announces.WithLabelValues("error").Inc()
	} else {
		logger.Info("successfully announced to tracker", "peers", len(peers), "interval", interval)
		metrics.Announces.WithLabelValues("ok").Inc()
	}

	select {
	case w.out <- resp:
	case <-ctx.Done():
	}
}
