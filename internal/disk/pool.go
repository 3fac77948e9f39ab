package disk

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// Pool runs disk requests on a fixed set of workers, each with its own
// FileCache. Requests touching the same piece always land on the same worker,
// so a Validate observes every Write issued before it.
type Pool struct {
	in      chan Request
	out     chan Response
	workers []*worker
	logger  *slog.Logger
}

func NewPool(fs afero.Fs, workers, maxOpen int, opts ...CacheOption) *Pool {
	// Every worker holds at least one file, so the pool never keeps more
	// than maxOpen open.
	maxOpen = max(1, maxOpen)
	workers = min(max(1, workers), maxOpen)

	p := &Pool{
		in:     make(chan Request, 256),
		out:    make(chan Response, 256),
		logger: slog.With("component", "disk"),
	}

	for i := range workers {
		perWorker := maxOpen / workers
		if i < maxOpen%workers {
			perWorker++
		}
		p.workers = append(p.workers, newWorker(i, fs, perWorker, opts...))
	}

	return p
}

func (p *Pool) In() chan<- Request {
	return p.in
}

func (p *Pool) Out() <-chan Response {
	return p.out
}

// Run dispatches requests until ctx is done. Workers finish the requests
// already queued, then close their files. Out is closed when Run returns.
func (p *Pool) Run(ctx context.Context) error {
	defer close(p.out)

	p.logger.Info("starting disk workers", "workers", len(p.workers))

	g, ctx := errgroup.WithContext(ctx)

	for _, w := range p.workers {
		g.Go(func() error {
			return w.run(ctx, p.out)
		})
	}

	g.Go(func() error {
		defer func() {
			for _, w := range p.workers {
				close(w.jobs)
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case req := <-p.in:
				p.dispatch(ctx, req)
			}
		}
	})

	return g.Wait()
}

func (p *Pool) dispatch(ctx context.Context, req Request) {
	if req.Kind == KindRemove {
		pending := new(atomic.Int32)
		pending.Store(int32(len(p.workers)))

		for _, w := range p.workers {
			p.send(ctx, w, job{req: req, pending: pending})
		}
		return
	}

	p.send(ctx, p.workers[p.route(req)], job{req: req})
}

func (p *Pool) send(ctx context.Context, w *worker, j job) {
	select {
	case w.jobs <- j:
	case <-ctx.Done():
	}
}

func (p *Pool) route(req Request) int {
	n := uint64(len(p.workers))

	switch req.Kind {
	case KindWrite, KindRead, KindValidate:
		return int((req.TorrentID*2654435761 + uint64(req.Piece)) % n)
	default:
		return int(req.TorrentID % n)
	}
}
