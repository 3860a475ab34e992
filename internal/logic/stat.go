package logic

import (
	"context"
	"encoding/hex"
	"log/slog"

	"github.com/WendelHime/fileswarm/internal/feed"
	"github.com/WendelHime/fileswarm/internal/shared/models"
)

// Stat looks up the peers serving the log of key and describes the log from
// the first hello that discloses its size. No replication is started; the
// swarm is left before returning.
func Stat(ctx context.Context, key []byte, opts Options) (models.Stats, error) {
	opts.Key = key
	if err := opts.Validate(RoleStat); err != nil {
		return models.Stats{}, err
	}

	n, err := newNode(RoleStat, &opts, nil)
	if err != nil {
		return models.Stats{}, err
	}
	defer func() {
		if err := n.close(); err != nil {
			n.log.Warn("failed to leave swarm", slog.Any("error", err))
		}
	}()

	hellos := make(chan models.Hello, 1)
	n.onHello = func(h models.Hello) {
		if h.Length == nil {
			return
		}
		select {
		case hellos <- h:
		default:
		}
	}
	if err := n.join(feed.DiscoveryKey(key)); err != nil {
		return models.Stats{}, err
	}

	select {
	case h := <-hellos:
		return models.StatsFromHello(hex.EncodeToString(key), h), nil
	case <-ctx.Done():
		return models.Stats{}, ctx.Err()
	}
}
