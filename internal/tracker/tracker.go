// Package tracker announces a swarm topic to BitTorrent style trackers and
// returns the addresses of the other peers announced under it.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/WendelHime/fileswarm/internal/shared/models"
)

// InfoHashLength is the size trackers expect for an info_hash. Topics are
// truncated to it.
const InfoHashLength = 20

var ErrUnsupportedProtocol = errors.New("unsupported tracker protocol")

// Announce describes the topic a peer joins and where it can be reached.
type Announce struct {
	Topic []byte
	Port  uint16
	Left  uint64
}

func (a Announce) infoHash() ([]byte, error) {
	if len(a.Topic) < InfoHashLength {
		return nil, fmt.Errorf("%w: topic must be at least %d bytes", models.ErrValidation, InfoHashLength)
	}
	return a.Topic[:InfoHashLength], nil
}

type Tracker interface {
	GetPeers(ctx context.Context, a Announce) ([]models.Addr, error)
	WithHTTPClient(client *http.Client) Tracker
}

type PeersGetter interface {
	GetPeers(ctx context.Context, announce string, a Announce) ([]models.Addr, error)
}

type tracker struct {
	AnnounceURL string
	PeerID      string
	HTTPClient  PeersGetter
	UDPClient   PeersGetter
	logger      *slog.Logger
}

// NewTracker returns a client for announceURL. peerID is the 20 byte id sent
// to the tracker, unrelated to the id used between peers.
func NewTracker(announceURL, peerID string, logger *slog.Logger) Tracker {
	return &tracker{
		AnnounceURL: announceURL,
		PeerID:      peerID,
		HTTPClient:  NewHTTPGetter(&http.Client{Timeout: 60 * time.Second}, peerID),
		UDPClient:   NewUDPGetter(peerID),
		logger:      logger,
	}
}

func (t *tracker) WithHTTPClient(client *http.Client) Tracker {
	t.HTTPClient = NewHTTPGetter(client, t.PeerID)
	return t
}

type peersResponse struct {
	FailureReason string `bencode:"failure reason"`
	Interval      int    `bencode:"interval"`
	Peers         string `bencode:"peers"`
}

type peersWithAddresses struct {
	Peers    []models.Addr
	Interval int
}

// GetPeers announces a to the tracker and returns the peers it knows for the
// same topic.
func (t *tracker) GetPeers(ctx context.Context, a Announce) ([]models.Addr, error) {
	if t.AnnounceURL == "" {
		return nil, fmt.Errorf("%w: announce url is empty", models.ErrValidation)
	}
	switch {
	case strings.HasPrefix(t.AnnounceURL, "http"):
		return t.HTTPClient.GetPeers(ctx, t.AnnounceURL, a)
	case strings.HasPrefix(t.AnnounceURL, "udp"):
		return t.UDPClient.GetPeers(ctx, t.AnnounceURL, a)
	default:
		t.logger.Error("unsupported protocol", slog.String("announce-url", t.AnnounceURL))
		return nil, ErrUnsupportedProtocol
	}
}
