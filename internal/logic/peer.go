package logic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/WendelHime/fileswarm/internal/feed"
	"github.com/WendelHime/fileswarm/internal/integrity"
	"github.com/WendelHime/fileswarm/internal/overlay"
	"github.com/WendelHime/fileswarm/internal/shared/models"
	"github.com/WendelHime/fileswarm/internal/storage"
	"github.com/hashicorp/go-multierror"
	"github.com/schollz/progressbar/v3"
)

// Peer is a running seed, share or download. It owns its log and its swarm
// membership; closing the log leaves the swarm.
type Peer struct {
	*node

	feed      *feed.Feed
	source    *feed.Feed
	cipher    *overlay.Cipher
	secret    []byte
	nonces    storage.Storage
	recoverer *Recoverer
	bar       *progressbar.ProgressBar

	recovering atomic.Bool
	done       chan struct{}
	doneOnce   sync.Once
	err        error
	closeOnce  sync.Once
	closeErr   error
}

func newPeer(n *node, f *feed.Feed, opts *Options) *Peer {
	p := &Peer{
		node:   n,
		feed:   f,
		secret: opts.Secret,
		nonces: opts.Nonces,
		done:   make(chan struct{}),
	}
	f.OnClose(func() {
		p.complete(feed.ErrClosed)
		if err := n.close(); err != nil {
			n.log.Warn("failed to leave swarm", slog.Any("error", err))
		}
	})
	return p
}

// Seed splits the file at path into blocks and serves them. With a secret
// the served log is an encrypted channel whose storages come from factory;
// the plaintext index is kept under factory's "source" prefix. ctx bounds
// the life of the returned peer.
func Seed(ctx context.Context, path string, factory storage.Factory, opts Options) (*Peer, error) {
	if err := opts.Validate(RoleSeed); err != nil {
		return nil, err
	}
	if opts.Filename == "" {
		opts.Filename = filepath.Base(path)
	}

	data, err := storage.ReadOnlyFile(path)
	if err != nil {
		return nil, err
	}
	source, err := feed.New(storage.WithData(data, storage.Prefix("source", factory)), feed.Options{Logger: opts.Logger})
	if err != nil {
		data.Close()
		return nil, err
	}
	if err := source.IndexData(opts.BlockSize); err != nil {
		source.Close()
		return nil, fmt.Errorf("index %s: %w", path, err)
	}
	if source.Length() == 0 {
		source.Close()
		return nil, fmt.Errorf("%w: seed %s: %w", models.ErrValidation, path, integrity.ErrEmptyLog)
	}
	opts.Logger.Info("indexed file", slog.String("path", path), slog.Uint64("blocks", source.Length()), slog.Uint64("bytes", source.ByteLength()))

	advertised := source
	var cipher *overlay.Cipher
	if opts.encrypted() {
		if cipher, err = opts.cipher(); err != nil {
			source.Close()
			return nil, err
		}
		channel, err := overlay.Build(ctx, source, storage.Prefix("channel", factory), cipher, opts.Logger)
		if err != nil {
			source.Close()
			return nil, err
		}
		channel.OnClose(func() { source.Close() })
		advertised = channel
	}

	p, err := start(ctx, RoleSeed, advertised, &opts)
	if err != nil {
		if advertised != source {
			source.Close()
		}
		return nil, err
	}
	p.source = source
	p.cipher = cipher
	p.complete(nil)
	return p, nil
}

// Share serves the blocks of the log of key held in factory and downloads
// every block its peers have, for as long as it runs.
func Share(ctx context.Context, factory storage.Factory, key []byte, opts Options) (*Peer, error) {
	opts.Key = key
	if err := opts.Validate(RoleShare); err != nil {
		return nil, err
	}
	cipher, err := opts.cipher()
	if err != nil {
		return nil, err
	}
	f, err := feed.New(factory, feed.Options{Key: opts.Key, Logger: opts.Logger})
	if err != nil {
		return nil, err
	}

	p, err := start(ctx, RoleShare, f, &opts)
	if err != nil {
		return nil, err
	}
	p.cipher = cipher
	p.complete(nil)
	return p, nil
}

// Download fetches the log of opts.Key into factory. The peer is done once
// every block is stored locally or the recovery of missed blocks failed.
func Download(ctx context.Context, factory storage.Factory, opts Options) (*Peer, error) {
	if err := opts.Validate(RoleDownload); err != nil {
		return nil, err
	}
	cipher, err := opts.cipher()
	if err != nil {
		return nil, err
	}
	f, err := feed.New(factory, feed.Options{Key: opts.Key, Logger: opts.Logger})
	if err != nil {
		return nil, err
	}

	p, err := prepare(RoleDownload, f, &opts)
	if err != nil {
		return nil, err
	}
	p.cipher = cipher
	p.recoverer = newRecoverer(f, opts.Concurrency, opts.FetchTimeout, p.log, p.metrics)
	if opts.Progress != nil {
		p.bar = progressbar.NewOptions64(-1,
			progressbar.OptionSetWriter(opts.Progress),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetDescription("downloading"),
		)
		f.OnAppend(func(uint64) { p.bar.ChangeMax64(int64(f.ByteLength())) })
	}
	f.OnDownload(p.onDownload)
	f.OnSync(func() { go p.reconcile() })

	if length := f.Length(); length > 0 && f.Downloaded() == length {
		p.complete(nil)
	}
	if err := p.run(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// start wires f to a new node and joins the swarm.
func start(ctx context.Context, role Role, f *feed.Feed, opts *Options) (*Peer, error) {
	p, err := prepare(role, f, opts)
	if err != nil {
		return nil, err
	}
	if err := p.run(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func prepare(role Role, f *feed.Feed, opts *Options) (*Peer, error) {
	n, err := newNode(role, opts, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return newPeer(n, f, opts), nil
}

func (p *Peer) run(ctx context.Context) error {
	if err := p.join(p.feed.DiscoveryKey()); err != nil {
		p.Close()
		return err
	}
	context.AfterFunc(ctx, func() { p.Close() })
	return nil
}

func (p *Peer) onDownload(index uint64) {
	p.recoverer.Observe(index)
	p.metrics.BlocksDownloaded.Inc()
	if p.bar != nil {
		if e, err := p.feed.Signed(index); err == nil {
			_ = p.bar.Add64(int64(e.Size))
		}
	}
}

// reconcile runs after a bulk pass drains and fetches whatever the pass
// missed. Only one sweep runs at a time.
func (p *Peer) reconcile() {
	if !p.recovering.CompareAndSwap(false, true) {
		return
	}
	defer p.recovering.Store(false)
	select {
	case <-p.done:
		return
	default:
	}

	length := p.feed.Length()
	if length == 0 {
		return
	}
	if err := p.recoverer.Recover(p.ctx, length); err != nil {
		if p.ctx.Err() == nil {
			p.complete(err)
		}
		return
	}
	if p.feed.Downloaded() >= p.feed.Length() {
		p.log.Info("download complete", slog.Uint64("blocks", p.feed.Length()), slog.Uint64("bytes", p.feed.ByteLength()))
		p.complete(nil)
	}
}

func (p *Peer) complete(err error) {
	p.doneOnce.Do(func() {
		p.err = err
		if p.bar != nil && err == nil {
			_ = p.bar.Finish()
		}
		close(p.done)
	})
}

// Feed is the log announced to the swarm: the encrypted channel of an
// encrypted seed, the plaintext log otherwise.
func (p *Peer) Feed() *feed.Feed {
	return p.feed
}

// Source is the plaintext log of a seed.
func (p *Peer) Source() *feed.Feed {
	if p.source == nil {
		return p.feed
	}
	return p.source
}

func (p *Peer) Key() []byte {
	return p.feed.Key()
}

func (p *Peer) DiscoveryKey() []byte {
	return p.feed.DiscoveryKey()
}

func (p *Peer) Secret() []byte {
	return p.secret
}

func (p *Peer) Nonces() storage.Storage {
	return p.nonces
}

// Done is closed once the peer is complete: right after joining for seeds
// and shares, once every block is stored for downloads.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// Err is the outcome of a completed peer.
func (p *Peer) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Wait blocks until the peer is complete or ctx ends.
func (p *Peer) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Export writes the plaintext of every block of the served log to w. Blocks
// of an encrypted log are decrypted when the peer knows the secret.
func (p *Peer) Export(ctx context.Context, w io.Writer) error {
	if p.source != nil {
		return overlay.Export(ctx, p.source, nil, w)
	}
	return overlay.Export(ctx, p.feed, p.cipher, w)
}

// Close closes the logs, leaves the swarm and waits for every session to end.
func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		var merr *multierror.Error
		if err := p.feed.Close(); err != nil {
			merr = multierror.Append(merr, err)
		}
		if p.source != nil {
			if err := p.source.Close(); err != nil {
				merr = multierror.Append(merr, err)
			}
		}
		if err := p.node.close(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			merr = multierror.Append(merr, err)
		}
		p.closeErr = merr.ErrorOrNil()
	})
	return p.closeErr
}
