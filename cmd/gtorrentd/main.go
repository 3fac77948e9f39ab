package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"github.com/danferreira/gtorrentd/internal/cio"
	"github.com/danferreira/gtorrentd/internal/config"
	"github.com/danferreira/gtorrentd/internal/disk"
	"github.com/danferreira/gtorrentd/internal/listener"
	"github.com/danferreira/gtorrentd/internal/metrics"
	"github.com/danferreira/gtorrentd/internal/peer"
	"github.com/danferreira/gtorrentd/internal/picker"
	"github.com/danferreira/gtorrentd/internal/rpc"
	"github.com/danferreira/gtorrentd/internal/torrent"
	"github.com/danferreira/gtorrentd/internal/tracker"
)

const announceTimeout = 30 * time.Second

var app = &cli.App{
	Name:  "gtorrentd",
	Usage: "BitTorrent daemon",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "path to the YAML config file",
			EnvVars: []string{"GTORRENTD_CONFIG"},
		},
		&cli.BoolFlag{
			Name:    "debug",
			Aliases: []string{"d"},
			Usage:   "enable debug logging",
		},
	},
	Commands: []*cli.Command{
		{
			Name:      "run",
			Usage:     "start the daemon, adding the given torrent files",
			ArgsUsage: "[torrent...]",
			Action:    run,
		},
		{
			Name:      "add",
			Usage:     "add a torrent file to a running daemon",
			ArgsUsage: "<torrent>",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "output-dir",
					Aliases: []string{"o"},
					Usage:   "directory the torrent is downloaded to",
				},
			},
			Action: add,
		},
		{
			Name:   "list",
			Usage:  "list the torrents of a running daemon",
			Action: list,
		},
	},
}

func main() {
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cfg, err
	}

	level, err := cfg.Level()
	if err != nil {
		return cfg, err
	}
	if c.Bool("debug") {
		level = slog.LevelDebug
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return cfg, nil
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	peerID, err := peer.NewPeerID()
	if err != nil {
		return fmt.Errorf("failed to generate peer id: %w", err)
	}

	slog.Info("starting gtorrentd", "peer_id", string(peerID[:]), "port", cfg.ListenPort, "rpc", cfg.RPCAddr)

	registry := prometheus.NewRegistry()
	collector := metrics.NewEngineCollector()
	if err := metrics.Register(registry, collector); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	registry.MustRegister(collectors.NewGoCollector())

	fs := afero.NewOsFs()

	ln, err := listener.Listen(cfg.ListenPort, peerID)
	if err != nil {
		return err
	}

	diskPool := disk.NewPool(fs, cfg.DiskWorkers, cfg.MaxOpenFiles)
	announcer := tracker.NewWorker(tracker.NewClient(announceTimeout), 4)
	server := rpc.New(cfg.RPCAddr, registry)

	mux := cio.New(cio.Config{
		MaxSockets:   cfg.MaxOpenSockets,
		PollInterval: cfg.PollInterval,
		PeerTimeout:  cfg.PeerTimeout,
		Keepalive:    cfg.Keepalive,
		UploadRate:   cfg.UploadRate,
		DownloadRate: cfg.DownloadRate,
	}, cio.Sources{
		Disk:     diskPool,
		Tracker:  announcer,
		Listener: ln,
		RPC:      server,
	})
	defer mux.Close()

	engineCfg := torrent.NewDefaultConfig(peerID)
	engineCfg.ListenPort = cfg.ListenPort
	engineCfg.DownloadDir = cfg.DownloadDir
	engineCfg.SessionDir = cfg.SessionDir
	engineCfg.MaxPeers = cfg.MaxPeers
	engineCfg.MaxRequests = cfg.MaxRequests
	engineCfg.RequestTimeout = cfg.RequestTimeout
	engineCfg.UploadSlots = cfg.UploadSlots
	engineCfg.ChokeInterval = cfg.ChokeInterval
	if cfg.Sequential {
		engineCfg.PickerOptions = append(engineCfg.PickerOptions, picker.WithSequential())
	}

	engine := torrent.NewEngine(mux, fs, engineCfg, collector)

	if err := fs.MkdirAll(cfg.SessionDir, 0755); err != nil {
		return fmt.Errorf("failed to create session dir: %w", err)
	}
	if err := engine.Restore(); err != nil {
		return err
	}

	for _, path := range c.Args().Slice() {
		if _, err := engine.Add(path, ""); err != nil {
			if errors.Is(err, rpc.ErrExists) {
				continue
			}
			return err
		}
	}

	// workers outlive the engine so its shutdown announces and resume
	// records still get through
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(workerCtx)
	g.Go(func() error { return diskPool.Run(gctx) })
	g.Go(func() error { return announcer.Run(gctx) })
	g.Go(func() error { return ln.Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := engine.Run(ctx)

	// the engine is done with its sources; closing the multiplexer first keeps
	// the workers' closed outputs from reading as a failure
	mux.Close()
	stopWorkers()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("worker stopped with error", "error", err)
		if runErr == nil {
			runErr = err
		}
	}

	return runErr
}

func rpcURL(cfg config.Config, path string) string {
	return "http://" + cfg.RPCAddr + path
}

func call(req *fasthttp.Request) ([]byte, error) {
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	if err := fasthttp.DoTimeout(req, resp, rpc.DefaultTimeout+time.Second); err != nil {
		return nil, fmt.Errorf("failed to reach daemon: %w", err)
	}

	body := append([]byte(nil), resp.Body()...)
	if resp.StatusCode() >= fasthttp.StatusBadRequest {
		var failure struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &failure) == nil && failure.Error != "" {
			return nil, errors.New(failure.Error)
		}
		return nil, fmt.Errorf("daemon answered %d", resp.StatusCode())
	}

	return body, nil
}

func add(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	if c.NArg() != 1 {
		return cli.Exit("add expects exactly one torrent file", 2)
	}

	path, err := filepath.Abs(c.Args().First())
	if err != nil {
		return err
	}

	dir := c.String("output-dir")
	if dir != "" {
		if dir, err = filepath.Abs(dir); err != nil {
			return err
		}
	}

	payload, err := json.Marshal(map[string]string{"path": path, "dir": dir})
	if err != nil {
		return err
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)

	req.SetRequestURI(rpcURL(cfg, "/torrents"))
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(payload)

	body, err := call(req)
	if err != nil {
		return err
	}

	_, err = os.Stdout.Write(body)
	return err
}

func list(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)

	req.SetRequestURI(rpcURL(cfg, "/torrents"))
	req.Header.SetMethod(fasthttp.MethodGet)

	body, err := call(req)
	if err != nil {
		return err
	}

	_, err = os.Stdout.Write(body)
	return err
}
