package rpc

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/valyala/fasthttp"

	"github.com/danferreira/gtorrentd/internal/metrics"
	"github.com/danferreira/gtorrentd/internal/state"
)

const DefaultTimeout = 10 * time.Second

type Option func(*Server)

func WithTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.timeout = d
	}
}

// Server exposes the engine over HTTP. Every call becomes a Request on Out
// and is answered by the Response with the same ID sent to In.
type Server struct {
	addr     string
	gatherer prometheus.Gatherer
	timeout  time.Duration

	srv    *fasthttp.Server
	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan Response

	inflight sync.WaitGroup
	done     chan struct{}

	in     chan Response
	out    chan Request
	logger *slog.Logger
}

func New(addr string, gatherer prometheus.Gatherer, opts ...Option) *Server {
	s := &Server{
		addr:     addr,
		gatherer: gatherer,
		timeout:  DefaultTimeout,
		pending:  make(map[uint64]chan Response),
		done:     make(chan struct{}),
		in:       make(chan Response, 64),
		out:      make(chan Request, 64),
		logger:   slog.With("component", "rpc"),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.srv = &fasthttp.Server{
		Handler:      s.serveHTTP,
		Name:         "gtorrentd",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: s.timeout + 5*time.Second,
	}

	return s
}

func (s *Server) In() chan<- Response {
	return s.in
}

func (s *Server) Out() <-chan Request {
	return s.out
}

// Run listens on the configured address until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		close(s.out)
		return fmt.Errorf("failed to start rpc server: %w", err)
	}

	return s.Serve(ctx, ln)
}

// Serve accepts on ln until ctx is done. Out is closed when Serve returns.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer close(s.out)

	s.logger.Info("ready and accepting rpc connections", "addr", ln.Addr())

	go s.route(ctx)

	errc := make(chan error, 1)
	go func() {
		errc <- s.srv.Serve(ln)
	}()

	var err error
	select {
	case <-ctx.Done():
		close(s.done)
		err = s.srv.Shutdown()
		ln.Close()
		<-errc
	case err = <-errc:
		close(s.done)
	}

	s.inflight.Wait()
	s.logger.Info("rpc server closed")

	return err
}

func (s *Server) route(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case resp := <-s.in:
			s.mu.Lock()
			ch, ok := s.pending[resp.ID]
			delete(s.pending, resp.ID)
			s.mu.Unlock()

			if !ok {
				s.logger.Debug("dropping response to abandoned request", "id", resp.ID)
				continue
			}
			ch <- resp
		}
	}
}

// call hands req to the engine and waits for its answer.
func (s *Server) call(req Request) Response {
	s.inflight.Add(1)
	defer s.inflight.Done()

	req.ID = s.nextID.Add(1)
	ch := make(chan Response, 1)

	s.mu.Lock()
	s.pending[req.ID] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, req.ID)
		s.mu.Unlock()
	}()

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case s.out <- req:
	case <-timer.C:
		return Response{ID: req.ID, Err: ErrTimeout}
	case <-s.done:
		return Response{ID: req.ID, Err: ErrClosed}
	}

	select {
	case resp := <-ch:
		return resp
	case <-timer.C:
		return Response{ID: req.ID, Err: ErrTimeout}
	case <-s.done:
		return Response{ID: req.ID, Err: ErrClosed}
	}
}

func (s *Server) serveHTTP(ctx *fasthttp.RequestCtx) {
	buf := new(bytes.Buffer)

	defer func() {
		if err := recover(); err != nil {
			s.logger.Error("rpc handler panic", "error", err, "path", string(ctx.Path()))
			buf.Reset()
			ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		}
	}()

	route, status := s.respond(ctx, buf)

	metrics.RPCRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()

	if route != "metrics" {
		ctx.SetContentType("application/json")
	}
	ctx.SetStatusCode(status)
	ctx.SetBody(buf.Bytes())
}

func (s *Server) respond(ctx *fasthttp.RequestCtx, buf *bytes.Buffer) (string, int) {
	parts := strings.Split(strings.Trim(string(ctx.Path()), "/"), "/")
	method := string(ctx.Method())

	switch {
	case len(parts) == 1 && parts[0] == "metrics" && method == fasthttp.MethodGet:
		return "metrics", s.metrics(ctx, buf)

	case len(parts) == 1 && parts[0] == "torrents":
		switch method {
		case fasthttp.MethodGet:
			return "list", s.reply(s.call(Request{Method: MethodList}), buf, false)
		case fasthttp.MethodPost:
			return "add", s.add(ctx, buf)
		}
		return "torrents", failure(buf, fasthttp.StatusMethodNotAllowed, "method not allowed")

	case len(parts) == 2 && parts[0] == "torrents":
		ih, err := parseInfoHash(parts[1])
		if err != nil {
			return "torrent", failure(buf, fasthttp.StatusBadRequest, err.Error())
		}

		switch method {
		case fasthttp.MethodGet:
			return "get", s.reply(s.call(Request{Method: MethodGet, InfoHash: ih}), buf, true)
		case fasthttp.MethodDelete:
			req := Request{
				Method:     MethodRemove,
				InfoHash:   ih,
				DeleteData: ctx.QueryArgs().GetBool("delete"),
			}
			return "remove", s.reply(s.call(req), buf, false)
		}
		return "torrent", failure(buf, fasthttp.StatusMethodNotAllowed, "method not allowed")

	case len(parts) == 3 && parts[0] == "torrents" && method == fasthttp.MethodPost:
		ih, err := parseInfoHash(parts[1])
		if err != nil {
			return parts[2], failure(buf, fasthttp.StatusBadRequest, err.Error())
		}

		switch parts[2] {
		case "pause":
			return "pause", s.reply(s.call(Request{Method: MethodPause, InfoHash: ih}), buf, false)
		case "resume":
			return "resume", s.reply(s.call(Request{Method: MethodResume, InfoHash: ih}), buf, false)
		}
	}

	return "unknown", failure(buf, fasthttp.StatusNotFound, "not found")
}

func (s *Server) add(ctx *fasthttp.RequestCtx, buf *bytes.Buffer) int {
	var body struct {
		Path string `json:"path"`
		Dir  string `json:"dir"`
	}

	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		return failure(buf, fasthttp.StatusBadRequest, "malformed body")
	}

	if body.Path == "" {
		return failure(buf, fasthttp.StatusBadRequest, "path is required")
	}

	resp := s.call(Request{Method: MethodAdd, Path: body.Path, Dir: body.Dir})
	if resp.Err != nil {
		return s.reply(resp, buf, true)
	}

	if err := json.NewEncoder(buf).Encode(resp.Torrents); err != nil {
		return failure(buf, fasthttp.StatusInternalServerError, err.Error())
	}

	return fasthttp.StatusCreated
}

// reply writes the snapshots of resp, or just the first one when single is set.
func (s *Server) reply(resp Response, buf *bytes.Buffer, single bool) int {
	if resp.Err != nil {
		return failure(buf, statusOf(resp.Err), resp.Err.Error())
	}

	var v interface{} = resp.Torrents
	switch {
	case single && len(resp.Torrents) == 0:
		return failure(buf, fasthttp.StatusNotFound, ErrNotFound.Error())
	case single:
		v = resp.Torrents[0]
	case resp.Torrents == nil:
		v = []state.Snapshot{}
	}

	if err := json.NewEncoder(buf).Encode(v); err != nil {
		return failure(buf, fasthttp.StatusInternalServerError, err.Error())
	}

	return fasthttp.StatusOK
}

func (s *Server) metrics(ctx *fasthttp.RequestCtx, buf *bytes.Buffer) int {
	mfs, err := s.gatherer.Gather()
	if err != nil {
		s.logger.Error("failed to gather metrics", "error", err)
	}

	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(buf, mf); err != nil {
			panic(err)
		}
	}

	ctx.SetContentType("text/plain; version=0.0.4")
	return fasthttp.StatusOK
}

func failure(buf *bytes.Buffer, status int, reason string) int {
	buf.Reset()

	data, err := json.Marshal(map[string]string{"error": reason})
	if err != nil {
		panic(err)
	}
	buf.Write(data)

	return status
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return fasthttp.StatusNotFound
	case errors.Is(err, ErrExists):
		return fasthttp.StatusConflict
	case errors.Is(err, ErrInvalid):
		return fasthttp.StatusBadRequest
	case errors.Is(err, ErrTimeout):
		return fasthttp.StatusGatewayTimeout
	case errors.Is(err, ErrClosed):
		return fasthttp.StatusServiceUnavailable
	}

	return fasthttp.StatusInternalServerError
}

func parseInfoHash(s string) ([20]byte, error) {
	var ih [20]byte

	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 20 {
		return ih, fmt.Errorf("%w: info hash must be 40 hex characters", ErrInvalid)
	}

	copy(ih[:], b)
	return ih, nil
}
