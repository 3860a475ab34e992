package swarm

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/WendelHime/fileswarm/internal/p2p"
	"github.com/WendelHime/fileswarm/internal/shared/models"
	"github.com/hashicorp/go-multierror"
	quic "github.com/quic-go/quic-go"
)

const (
	alpn             = "fileswarm"
	topicTimeout     = 10 * time.Second
	closeGrace       = 2 * time.Second
	maxIdleTimeout   = 60 * time.Second
	keepAlivePeriod  = 15 * time.Second
	defaultInterval  = 30 * time.Second
	defaultListening = ":0"
)

type QUICOptions struct {
	// Listen is the UDP address to accept peers on.
	Listen    string
	Discovery []Discovery
	// Interval between two lookups of a joined topic.
	Interval time.Duration
	Logger   *slog.Logger
}

type membership struct {
	topic  []byte
	opts   JoinOptions
	cancel context.CancelFunc
}

// QUIC is a Swarm whose connections are QUIC streams. The dialing side opens
// one connection per peer and topic and names the topic in the first frame.
type QUIC struct {
	listener  *quic.Listener
	tlsServer *tls.Config
	tlsClient *tls.Config
	quicConf  *quic.Config
	discovery []Discovery
	interval  time.Duration
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	handler   Handler
	topics    map[string]*membership
	dialing   map[string]bool
	conns     map[*streamConn]struct{}
	destroyed bool
}

func NewQUIC(opts QUICOptions) (*QUIC, error) {
	if opts.Listen == "" {
		opts.Listen = defaultListening
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	cert, err := selfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("%w: create certificate: %v", models.ErrResource, err)
	}
	q := &QUIC{
		tlsServer: &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{alpn}},
		// peers authenticate data through log signatures, not TLS
		tlsClient: &tls.Config{InsecureSkipVerify: true, NextProtos: []string{alpn}},
		quicConf: &quic.Config{
			MaxIdleTimeout:  maxIdleTimeout,
			KeepAlivePeriod: keepAlivePeriod,
		},
		discovery: opts.Discovery,
		interval:  opts.Interval,
		log:       opts.Logger,
		topics:    make(map[string]*membership),
		dialing:   make(map[string]bool),
		conns:     make(map[*streamConn]struct{}),
	}

	q.listener, err = quic.ListenAddr(opts.Listen, q.tlsServer, q.quicConf)
	if err != nil {
		return nil, fmt.Errorf("%w: listen on %s: %v", models.ErrResource, opts.Listen, err)
	}
	q.ctx, q.cancel = context.WithCancel(context.Background())
	q.log.Info("listening for peers", slog.String("addr", q.listener.Addr().String()))

	go q.acceptLoop()
	return q, nil
}

func selfSignedCert() (tls.Certificate, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, err
	}
	template := x509.Certificate{
		SerialNumber: serial,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{alpn},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, pub, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}

func (q *QUIC) Addr() net.Addr {
	return q.listener.Addr()
}

func (q *QUIC) Port() uint16 {
	if addr, ok := q.listener.Addr().(*net.UDPAddr); ok {
		return uint16(addr.Port)
	}
	return 0
}

func (q *QUIC) Handle(h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handler = h
}

func (q *QUIC) Join(topic []byte, opts JoinOptions) error {
	key := topicKey(topic)
	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return ErrDestroyed
	}
	if old, ok := q.topics[key]; ok {
		old.cancel()
	}
	ctx, cancel := context.WithCancel(q.ctx)
	m := &membership{topic: append([]byte(nil), topic...), opts: opts, cancel: cancel}
	q.topics[key] = m
	q.mu.Unlock()

	go q.discover(ctx, m)
	return nil
}

func (q *QUIC) Leave(topic []byte) error {
	key := topicKey(topic)
	q.mu.Lock()
	m, ok := q.topics[key]
	delete(q.topics, key)
	q.mu.Unlock()
	if !ok {
		return nil
	}
	m.cancel()
	for _, d := range q.discovery {
		d.Leave(topic)
	}
	return nil
}

func (q *QUIC) discover(ctx context.Context, m *membership) {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()
	for {
		q.lookup(ctx, m)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (q *QUIC) lookup(ctx context.Context, m *membership) {
	self := q.Addr().String()
	for _, d := range q.discovery {
		addrs, err := d.Lookup(ctx, m.topic, q.Port(), m.opts.Announce)
		if err != nil {
			q.log.Warn("lookup failed", slog.Any("error", err))
			continue
		}
		if !m.opts.Lookup {
			continue
		}
		for _, addr := range addrs {
			if addr != self {
				q.dial(ctx, m.topic, addr)
			}
		}
	}
}

func (q *QUIC) dial(ctx context.Context, topic []byte, addr string) {
	key := topicKey(topic) + "|" + addr
	q.mu.Lock()
	if q.dialing[key] || q.destroyed {
		q.mu.Unlock()
		return
	}
	q.dialing[key] = true
	q.mu.Unlock()

	release := func() {
		q.mu.Lock()
		delete(q.dialing, key)
		q.mu.Unlock()
	}

	go func() {
		conn, err := quic.DialAddr(ctx, addr, q.tlsClient, q.quicConf)
		if err != nil {
			q.log.Debug("dial failed", slog.String("addr", addr), slog.Any("error", err))
			release()
			return
		}
		stream, err := conn.OpenStreamSync(ctx)
		if err != nil {
			_ = conn.CloseWithError(0, "open stream failed")
			release()
			return
		}
		if err := p2p.NewConn(stream).WriteMessage(models.PeerMessage{ID: models.MessageIDTopic, Payload: topic}); err != nil {
			_ = conn.CloseWithError(0, "write topic failed")
			release()
			return
		}
		sc := q.track(conn, stream, release)
		if sc == nil {
			return
		}
		q.dispatch(sc, Info{Client: true, Topic: topic, Remote: addr})
	}()
}

func (q *QUIC) acceptLoop() {
	for {
		conn, err := q.listener.Accept(q.ctx)
		if err != nil {
			if q.ctx.Err() == nil {
				q.log.Warn("accept failed", slog.Any("error", err))
			}
			return
		}
		go q.serve(conn)
	}
}

func (q *QUIC) serve(conn *quic.Conn) {
	remote := conn.RemoteAddr().String()
	stream, err := conn.AcceptStream(q.ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no stream")
		return
	}

	_ = stream.SetReadDeadline(time.Now().Add(topicTimeout))
	msg, err := p2p.NewConn(stream).ReadMessage()
	if err != nil || msg.ID != models.MessageIDTopic {
		q.log.Debug("peer did not name a topic", slog.String("remote", remote), slog.Any("error", err))
		_ = conn.CloseWithError(0, "expected topic")
		return
	}
	_ = stream.SetReadDeadline(time.Time{})

	q.mu.Lock()
	m, ok := q.topics[topicKey(msg.Payload)]
	q.mu.Unlock()
	if !ok || !m.opts.Announce {
		q.log.Debug("peer asked for an unknown topic", slog.String("remote", remote))
		_ = conn.CloseWithError(0, "unknown topic")
		return
	}

	sc := q.track(conn, stream, nil)
	if sc == nil {
		return
	}
	q.dispatch(sc, Info{Client: false, Topic: m.topic, Remote: remote})
}

func (q *QUIC) track(conn *quic.Conn, stream *quic.Stream, onClose func()) *streamConn {
	sc := &streamConn{Stream: stream, conn: conn, owner: q, onClose: onClose}
	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		sc.Close()
		return nil
	}
	q.conns[sc] = struct{}{}
	q.mu.Unlock()
	return sc
}

func (q *QUIC) dispatch(sc *streamConn, info Info) {
	q.mu.Lock()
	h := q.handler
	q.mu.Unlock()
	if h == nil {
		sc.Close()
		return
	}
	go h(sc, info)
}

func (q *QUIC) Destroy() error {
	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return nil
	}
	q.destroyed = true
	conns := make([]*streamConn, 0, len(q.conns))
	for sc := range q.conns {
		conns = append(conns, sc)
	}
	q.topics = make(map[string]*membership)
	q.mu.Unlock()

	q.cancel()
	var merr *multierror.Error
	for _, sc := range conns {
		if err := sc.Close(); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	for _, d := range q.discovery {
		if err := d.Close(); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if err := q.listener.Close(); err != nil {
		merr = multierror.Append(merr, err)
	}
	return merr.ErrorOrNil()
}

// streamConn is the stream of a single topic connection. Closing it ends the
// stream gracefully and then the QUIC connection carrying it.
type streamConn struct {
	*quic.Stream
	conn    *quic.Conn
	owner   *QUIC
	onClose func()
	once    sync.Once
}

var _ Swarm = (*QUIC)(nil)

func (sc *streamConn) Close() error {
	var err error
	sc.once.Do(func() {
		sc.owner.mu.Lock()
		delete(sc.owner.conns, sc)
		sc.owner.mu.Unlock()
		if sc.onClose != nil {
			sc.onClose()
		}

		err = sc.Stream.Close()
		sc.Stream.CancelRead(0)
		go func() {
			select {
			case <-sc.conn.Context().Done():
			case <-time.After(closeGrace):
			}
			_ = sc.conn.CloseWithError(0, "closed")
		}()
	})
	return err
}
