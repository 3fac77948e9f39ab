package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	DiskBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gtorrentd",
		Subsystem: "disk",
		Name:      "bytes_total",
		Help:      "Bytes moved by disk workers",
	}, []string{"op"})

	DiskErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gtorrentd",
		Subsystem: "disk",
		Name:      "errors_total",
		Help:      "Failed disk requests",
	}, []string{"op"})

	PeerMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gtorrentd",
		Subsystem: "peer",
		Name:      "messages_total",
		Help:      "Peer wire messages by direction and type",
	}, []string{"direction", "type"})

	Announces = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gtorrentd",
		Subsystem: "tracker",
		Name:      "announces_total",
		Help:      "Tracker announces by result",
	}, []string{"result"})

	Pieces = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gtorrentd",
		Subsystem: "torrent",
		Name:      "pieces_verified_total",
		Help:      "Verified pieces by outcome",
	}, []string{"result"})

	RPCRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gtorrentd",
		Subsystem: "rpc",
		Name:      "requests_total",
		Help:      "RPC requests by route and status code",
	}, []string{"route", "code"})
)

// Register adds every collector of the daemon to r.
func Register(r prometheus.Registerer, engine *EngineCollector) error {
	for _, c := range []prometheus.Collector{DiskBytes, DiskErrors, PeerMessages, Announces, Pieces, RPCRequests, engine} {
		if err := r.Register(c); err != nil {
			return err
		}
	}

	return nil
}

// EngineCollector exposes the engine's gauges. The engine updates it from
// its control loop; Collect may run on any goroutine.
type EngineCollector struct {
	uptimeMetric   *prometheus.Desc
	torrentsMetric *prometheus.Desc
	peersMetric    *prometheus.Desc
	endgameMetric  *prometheus.Desc

	mu       sync.Mutex
	uptime   float64
	torrents int
	peers    int
	endgame  int
}

func NewEngineCollector() *EngineCollector {
	return &EngineCollector{
		uptimeMetric:   prometheus.NewDesc("gtorrentd_uptime", "Daemon uptime in seconds", nil, nil),
		torrentsMetric: prometheus.NewDesc("gtorrentd_torrents", "Number of torrents loaded", nil, nil),
		peersMetric:    prometheus.NewDesc("gtorrentd_peers", "Number of connected peers", nil, nil),
		endgameMetric:  prometheus.NewDesc("gtorrentd_endgame_torrents", "Number of torrents in endgame", nil, nil),
	}
}

func (collector *EngineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- collector.uptimeMetric
	ch <- collector.torrentsMetric
	ch <- collector.peersMetric
	ch <- collector.endgameMetric
}

func (collector *EngineCollector) Collect(ch chan<- prometheus.Metric) {
	collector.mu.Lock()
	defer collector.mu.Unlock()

	ch <- prometheus.MustNewConstMetric(collector.uptimeMetric, prometheus.CounterValue, collector.uptime)
	ch <- prometheus.MustNewConstMetric(collector.torrentsMetric, prometheus.GaugeValue, float64(collector.torrents))
	ch <- prometheus.MustNewConstMetric(collector.peersMetric, prometheus.GaugeValue, float64(collector.peers))
	ch <- prometheus.MustNewConstMetric(collector.endgameMetric, prometheus.GaugeValue, float64(collector.endgame))
}

func (collector *EngineCollector) Update(uptime float64, torrents, peers, endgame int) {
	collector.mu.Lock()
	defer collector.mu.Unlock()

	collector.uptime = uptime
	collector.torrents = torrents
	collector.peers = peers
	collector.endgame = endgame
}
