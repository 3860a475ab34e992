package swarm

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"sync"

	"github.com/WendelHime/fileswarm/internal/tracker"
	"github.com/hashicorp/go-multierror"
)

// Discovery finds the addresses of peers announced under a topic, announcing
// this peer's port when asked to.
type Discovery interface {
	Lookup(ctx context.Context, topic []byte, port uint16, announce bool) ([]string, error)
	Leave(topic []byte)
	Close() error
}

type static struct {
	addrs []string
}

// Static returns a fixed list of peers for every topic.
func Static(addrs []string) Discovery {
	return &static{addrs: addrs}
}

func (s *static) Lookup(context.Context, []byte, uint16, bool) ([]string, error) {
	return append([]string(nil), s.addrs...), nil
}

func (s *static) Leave([]byte) {}

func (s *static) Close() error {
	return nil
}

type trackers struct {
	trackers []tracker.Tracker
	log      *slog.Logger
}

// Trackers announces topics to every tracker in urls.
func Trackers(urls []string, logger *slog.Logger) Discovery {
	id := make([]byte, tracker.InfoHashLength/2)
	rand.Read(id)
	peerID := hex.EncodeToString(id)

	t := &trackers{log: logger}
	for _, u := range urls {
		t.trackers = append(t.trackers, tracker.NewTracker(u, peerID, logger))
	}
	return t
}

// NewTrackers wraps already configured tracker clients.
func NewTrackers(clients []tracker.Tracker, logger *slog.Logger) Discovery {
	return &trackers{trackers: clients, log: logger}
}

func (t *trackers) Lookup(ctx context.Context, topic []byte, port uint16, announce bool) ([]string, error) {
	if !announce {
		port = 0
	}
	var (
		mu    sync.Mutex
		wg    sync.WaitGroup
		addrs []string
		merr  *multierror.Error
	)
	for _, tr := range t.trackers {
		wg.Add(1)
		go func(tr tracker.Tracker) {
			defer wg.Done()
			peers, err := tr.GetPeers(ctx, tracker.Announce{Topic: topic, Port: port})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				merr = multierror.Append(merr, err)
				return
			}
			for _, p := range peers {
				addrs = append(addrs, p.String())
			}
		}(tr)
	}
	wg.Wait()

	if err := merr.ErrorOrNil(); err != nil {
		if len(addrs) == 0 {
			return nil, err
		}
		t.log.Warn("some trackers failed", slog.Any("error", err))
	}
	return addrs, nil
}

func (t *trackers) Leave([]byte) {}

func (t *trackers) Close() error {
	return nil
}
