package logic

import (
	"context"
	"encoding/hex"
	"io"
	"log/slog"
	"sync"

	"github.com/WendelHime/fileswarm/internal/decoder"
	"github.com/WendelHime/fileswarm/internal/feed"
	"github.com/WendelHime/fileswarm/internal/integrity"
	"github.com/WendelHime/fileswarm/internal/p2p"
	"github.com/WendelHime/fileswarm/internal/shared/models"
	"github.com/WendelHime/fileswarm/internal/swarm"
	"github.com/prometheus/client_golang/prometheus"
)

// node is the per instance state shared by every session: the peer id, the
// active session set and the swarm membership.
type node struct {
	role     Role
	id       models.PeerID
	feed     *feed.Feed
	filename string
	pathspec string
	swarm    swarm.Swarm
	dedup    *p2p.Deduplicator
	codec    decoder.HelloCodec
	onHello  func(models.Hello)
	metrics  metrics
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	sessions sync.WaitGroup
	once     sync.Once
	closeErr error
}

func newNode(role Role, opts *Options, f *feed.Feed) (*node, error) {
	s := opts.Swarm
	if s == nil {
		var err error
		if s, err = newSwarm(opts); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &node{
		role:     role,
		id:       opts.ID,
		feed:     f,
		filename: opts.Filename,
		pathspec: opts.Pathspec,
		swarm:    s,
		dedup:    p2p.NewDeduplicator(),
		codec:    decoder.NewHelloCodec(),
		metrics:  newMetrics(),
		log:      opts.Logger.With(slog.String("role", role.String()), slog.String("id", opts.ID.String()[:8])),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.Handle(n.handle)
	return n, nil
}

func newSwarm(opts *Options) (swarm.Swarm, error) {
	network := opts.Network
	var discovery []swarm.Discovery
	if len(network.Bootstrap) > 0 {
		discovery = append(discovery, swarm.Static(network.Bootstrap))
	}
	if len(network.Trackers) > 0 {
		discovery = append(discovery, swarm.Trackers(network.Trackers, opts.Logger))
	}
	if network.MDNS {
		discovery = append(discovery, swarm.MDNS("fileswarm-"+opts.ID.String()[:8], DefaultMDNSBrowse, opts.Logger))
	}

	q, err := swarm.NewQUIC(swarm.QUICOptions{
		Listen:    network.Listen,
		Discovery: discovery,
		Interval:  network.Interval,
		Logger:    opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

// join enters the swarm under topic. Every role looks peers up, all but stat
// are findable.
func (n *node) join(topic []byte) error {
	n.log.Info("joining swarm", slog.String("topic", hex.EncodeToString(topic)))
	return n.swarm.Join(topic, swarm.JoinOptions{Announce: n.role != RoleStat, Lookup: true})
}

func (n *node) handle(conn io.ReadWriteCloser, info swarm.Info) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		conn.Close()
		return
	}
	n.sessions.Add(1)
	n.mu.Unlock()
	defer n.sessions.Done()

	newSession(n, conn, info).run(n.ctx)
}

// localHello is the hello sent on every connection. Serving roles link the
// head of their log and disclose its size.
func (n *node) localHello() (models.Hello, error) {
	h := models.Hello{ID: n.id, Filename: n.filename, Pathspec: n.pathspec}
	if !n.role.Serving() {
		return h, nil
	}

	link, err := integrity.Head(n.feed)
	switch {
	case err == nil:
		h.Link = link
	case n.role == RoleShare:
		// a share may lack the head block or have nothing yet
		n.log.Debug("sharing without a link", slog.Any("error", err))
	default:
		return h, err
	}
	h.Length = models.Uint64(n.feed.Length())
	h.ByteLength = models.Uint64(n.feed.ByteLength())
	return h, nil
}

// close destroys the swarm and waits for every session to end.
func (n *node) close() error {
	n.once.Do(func() {
		n.mu.Lock()
		n.closed = true
		n.mu.Unlock()

		n.cancel()
		n.closeErr = n.swarm.Destroy()
		n.sessions.Wait()
		n.log.Debug("left swarm")
	})
	return n.closeErr
}

// Metrics returns the collectors of this instance.
func (n *node) Metrics() []prometheus.Collector {
	return n.metrics.collectors()
}
