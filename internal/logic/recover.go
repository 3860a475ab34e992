package logic

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/WendelHime/fileswarm/internal/shared/models"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// Fetcher fetches a single block, waiting for a peer to provide it.
type Fetcher interface {
	Get(ctx context.Context, index uint64) ([]byte, error)
}

// Recoverer remembers which blocks a bulk pass delivered and fetches the
// others one by one.
type Recoverer struct {
	fetcher     Fetcher
	concurrency int
	timeout     time.Duration
	log         *slog.Logger
	metrics     metrics

	mu       sync.Mutex
	observed map[uint64]bool
}

func NewRecoverer(fetcher Fetcher, concurrency int, timeout time.Duration, logger *slog.Logger) *Recoverer {
	return newRecoverer(fetcher, concurrency, timeout, logger, newMetrics())
}

func newRecoverer(fetcher Fetcher, concurrency int, timeout time.Duration, logger *slog.Logger, m metrics) *Recoverer {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	return &Recoverer{
		fetcher:     fetcher,
		concurrency: concurrency,
		timeout:     timeout,
		log:         logger,
		metrics:     m,
		observed:    make(map[uint64]bool),
	}
}

// Observe marks index as downloaded.
func (r *Recoverer) Observe(index uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observed[index] = true
}

// Missing lists the indexes below length that were never observed.
func (r *Recoverer) Missing(length uint64) []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var missing []uint64
	for i := uint64(0); i < length; i++ {
		if !r.observed[i] {
			missing = append(missing, i)
		}
	}
	return missing
}

// Recover fetches every missing block below length and waits for all of
// them. Every failed fetch is reported, wrapped as a transfer error.
func (r *Recoverer) Recover(ctx context.Context, length uint64) error {
	missing := r.Missing(length)
	if len(missing) == 0 {
		return nil
	}
	r.log.Info("recovering blocks missed by the bulk pass", slog.Int("missing", len(missing)), slog.Uint64("length", length))

	var (
		g    errgroup.Group
		mu   sync.Mutex
		merr *multierror.Error
	)
	g.SetLimit(r.concurrency)
	for _, index := range missing {
		index := index
		g.Go(func() error {
			fetchCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			if _, err := r.fetcher.Get(fetchCtx, index); err != nil {
				r.metrics.RecoveryFailures.Inc()
				mu.Lock()
				merr = multierror.Append(merr, fmt.Errorf("%w: block %d: %w", models.ErrTransfer, index, err))
				mu.Unlock()
				return nil
			}
			r.metrics.BlocksRecovered.Inc()
			r.Observe(index)
			return nil
		})
	}
	_ = g.Wait()

	if err := merr.ErrorOrNil(); err != nil {
		r.log.Warn("recovery incomplete", slog.Any("error", err))
		return err
	}
	return nil
}
