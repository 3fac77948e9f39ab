package tracker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jackpal/bencode-go"

	"github.com/danferreira/gtorrentd/internal/peer"
)

type Event string

const (
	EventStarted   Event = "started"
	EventCompleted Event = "completed"
	EventStopped   Event = "stopped"
	EventUpdated   Event = ""
)

const DefaultInterval = 30 * time.Minute

var (
	ErrFailure  = errors.New("tracker failure")
	ErrResponse = errors.New("invalid tracker response")
)

type Request struct {
	TorrentID uint64
	URL       *url.URL
	InfoHash  [20]byte
	PeerID    [20]byte
	Port      int
	Event     Event

	Downloaded int64
	Uploaded   int64
	Left       int64
}

type Response struct {
	TorrentID uint64
	URL       string
	Event     Event
	Peers     []peer.Peer
	Interval  time.Duration
	Err       error
}

type Client struct {
	client *http.Client
}

func NewClient(timeout time.Duration) *Client {
	myDialer := net.Dialer{}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = func(ctx context.Context, _, addr string) (net.Conn, error) {
		return myDialer.DialContext(ctx, "tcp4", addr)
	}

	return &Client{client: &http.Client{Timeout: timeout, Transport: transport}}
}

func announceURL(req Request) *url.URL {
	u := *req.URL

	params := u.Query()
	params.Set("info_hash", string(req.InfoHash[:]))
	params.Set("peer_id", string(req.PeerID[:]))
	params.Set("port", strconv.Itoa(req.Port))
	params.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	params.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	params.Set("left", strconv.FormatInt(req.Left, 10))
	params.Set("compact", "1")

	if req.Event != EventUpdated {
		params.Set("event", string(req.Event))
	}

	u.RawQuery = params.Encode()
	return &u
}

func (c *Client) Announce(ctx context.Context, req Request) ([]peer.Peer, time.Duration, error) {
	if req.URL == nil {
		return nil, 0, fmt.Errorf("%w: no announce url", ErrResponse)
	}

	r, err := http.NewRequestWithContext(ctx, http.MethodGet, announceURL(req).String(), nil)
	if err != nil {
		return nil, 0, err
	}

	resp, err := c.client.Do(r)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("tracker HTTP %d", resp.StatusCode)
	}

	raw, err := bencode.Decode(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrResponse, err)
	}

	return parseResponse(raw)
}

// parseResponse accepts both the compact peer string and the older list
// of dictionaries.
func parseResponse(raw interface{}) ([]peer.Peer, time.Duration, error) {
	dict, ok := raw.(map[string]interface{})
	if !ok {
		return nil, 0, fmt.Errorf("%w: not a dictionary", ErrResponse)
	}

	if reason, ok := dict["failure reason"].(string); ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrFailure, reason)
	}

	interval := DefaultInterval
	if secs, ok := dict["interval"].(int64); ok && secs > 0 {
		interval = time.Duration(secs) * time.Second
	}

	var peers []peer.Peer

	switch p := dict["peers"].(type) {
	case string:
		peers = peer.UnmarshalCompact([]byte(p))
	case []interface{}:
		for _, item := range p {
			entry, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			ip, _ := entry["ip"].(string)
			port, _ := entry["port"].(int64)
			if ip == "" || port <= 0 || port > 65535 {
				continue
			}
			peers = append(peers, peer.Peer{Addr: net.JoinHostPort(ip, strconv.FormatInt(port, 10))})
		}
	case nil:
	default:
		return nil, 0, fmt.Errorf("%w: peers of type %T", ErrResponse, p)
	}

	return peers, interval, nil
}
