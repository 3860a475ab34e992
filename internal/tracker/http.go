package tracker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/WendelHime/fileswarm/internal/shared/models"
	"github.com/jackpal/bencode-go"
)

type HTTPGetter struct {
	client   *http.Client
	peerID   string
	interval int
}

func NewHTTPGetter(client *http.Client, peerID string) PeersGetter {
	return &HTTPGetter{client: client, peerID: peerID}
}

func (h *HTTPGetter) GetPeers(ctx context.Context, announce string, a Announce) ([]models.Addr, error) {
	infoHash, err := a.infoHash()
	if err != nil {
		return nil, err
	}
	endpoint, err := url.Parse(announce)
	if err != nil {
		return nil, fmt.Errorf("%w: announce url: %v", models.ErrValidation, err)
	}

	query := endpoint.Query()
	query.Set("info_hash", string(infoHash))
	query.Set("peer_id", h.peerID)
	query.Set("port", strconv.Itoa(int(a.Port)))
	query.Set("uploaded", "0")
	query.Set("downloaded", "0")
	query.Set("left", strconv.FormatUint(a.Left, 10))
	query.Set("compact", "1")
	if a.Port != 0 {
		query.Set("event", "started")
	}
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, err
	}
	response, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: announce to %s: %v", models.ErrTransfer, endpoint.Host, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: announce to %s: %s", models.ErrTransfer, endpoint.Host, response.Status)
	}

	peers, err := decodeHTTPResponse(response.Body)
	if err != nil {
		return nil, err
	}
	h.interval = peers.Interval
	return peers.Peers, nil
}

func decodeHTTPResponse(body io.Reader) (peersWithAddresses, error) {
	var resp peersResponse
	if err := bencode.Unmarshal(body, &resp); err != nil {
		return peersWithAddresses{}, fmt.Errorf("%w: announce response: %v", models.ErrProtocol, err)
	}
	if resp.FailureReason != "" {
		return peersWithAddresses{}, fmt.Errorf("%w: tracker refused announce: %s", models.ErrTransfer, resp.FailureReason)
	}

	peers, err := readCompactPeers([]byte(resp.Peers))
	if err != nil {
		return peersWithAddresses{}, err
	}
	return peersWithAddresses{Peers: peers, Interval: resp.Interval}, nil
}
