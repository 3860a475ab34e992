package logic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/WendelHime/fileswarm/internal/feed"
	"github.com/WendelHime/fileswarm/internal/integrity"
	"github.com/WendelHime/fileswarm/internal/p2p"
	"github.com/WendelHime/fileswarm/internal/shared/models"
	"github.com/WendelHime/fileswarm/internal/swarm"
)

const helloTimeout = 15 * time.Second

// State is the progress of a session through its connection.
type State int

const (
	StateConnected State = iota
	StateHelloSent
	StateHelloReceived
	StateDeduplicatedDropped
	StateLinkVerifyPending
	StateLinkVerified
	StateLinkVerifyFailed
	StateReplicating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateHelloSent:
		return "hello_sent"
	case StateHelloReceived:
		return "hello_received"
	case StateDeduplicatedDropped:
		return "deduplicated_dropped"
	case StateLinkVerifyPending:
		return "link_verify_pending"
	case StateLinkVerified:
		return "link_verified"
	case StateLinkVerifyFailed:
		return "link_verify_failed"
	case StateReplicating:
		return "replicating"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type helloResult struct {
	hello models.Hello
	err   error
}

// session runs one connection: hello exchange, deduplication, link
// verification and replication, strictly in that order. Failures end the
// connection only.
type session struct {
	node   *node
	conn   p2p.Conn
	info   swarm.Info
	state  State
	remote models.Hello
	token  []byte
	lease  *p2p.Lease
	hellos chan helloResult
	log    *slog.Logger
}

func newSession(n *node, rw io.ReadWriteCloser, info swarm.Info) *session {
	return &session{
		node:   n,
		conn:   p2p.NewConn(rw),
		info:   info,
		state:  StateConnected,
		hellos: make(chan helloResult, 1),
		log:    n.log.With(slog.String("remote", info.Remote), slog.Bool("client", info.Client)),
	}
}

func (s *session) run(ctx context.Context) {
	s.node.metrics.SessionsOpened.Inc()
	for s.state != StateClosed {
		next := s.step(ctx)
		s.log.Debug("session transition", slog.String("from", s.state.String()), slog.String("to", next.String()))
		s.state = next
	}
	s.lease.Release()
	s.conn.Close()
}

func (s *session) step(ctx context.Context) State {
	switch s.state {
	case StateConnected:
		return s.sendHello()
	case StateHelloSent:
		return s.awaitHello(ctx)
	case StateHelloReceived:
		return s.deduplicate()
	case StateDeduplicatedDropped:
		s.node.metrics.SessionsDropped.Inc()
		return StateClosed
	case StateLinkVerifyPending:
		return s.verifyLink()
	case StateLinkVerified:
		return StateReplicating
	case StateLinkVerifyFailed:
		s.node.metrics.LinksFailed.Inc()
		return StateClosed
	case StateReplicating:
		return s.replicate(ctx)
	}
	return StateClosed
}

func (s *session) sendHello() State {
	go func() {
		h, err := p2p.ReadHello(s.conn, s.node.codec)
		s.hellos <- helloResult{hello: h, err: err}
	}()

	hello, err := s.node.localHello()
	if err != nil {
		s.log.Warn("failed to build hello", slog.Any("error", err))
		return StateClosed
	}
	if s.info.Client {
		if s.token, err = models.NewToken(); err != nil {
			s.log.Warn("failed to create connection token", slog.Any("error", err))
			return StateClosed
		}
		hello.Token = s.token
	}
	if err := p2p.WriteHello(s.conn, s.node.codec, hello); err != nil {
		s.log.Debug("failed to send hello", slog.Any("error", err))
		return StateClosed
	}
	return StateHelloSent
}

func (s *session) awaitHello(ctx context.Context) State {
	timer := time.NewTimer(helloTimeout)
	defer timer.Stop()

	select {
	case r := <-s.hellos:
		if r.err != nil {
			s.reject("unreadable hello", r.err)
			return StateClosed
		}
		s.remote = r.hello
		return StateHelloReceived
	case <-timer.C:
		s.reject("no hello", context.DeadlineExceeded)
		return StateClosed
	case <-ctx.Done():
		return StateClosed
	}
}

func (s *session) deduplicate() State {
	if !s.remote.ID.Valid() {
		s.reject("hello without an id", models.ErrProtocol)
		return StateClosed
	}
	if s.node.role == RoleStat {
		if s.node.onHello != nil {
			s.node.onHello(s.remote)
		}
		return StateClosed
	}

	token := s.remote.Token
	if s.info.Client {
		token = s.token
	}
	lease, dropped := s.node.dedup.Deduplicate(s.node.id, s.remote.ID, s.info.Client, token, func() { s.conn.Close() })
	if dropped {
		s.log.Debug("dropping duplicate connection", slog.String("peer", s.remote.ID.String()))
		return StateDeduplicatedDropped
	}
	s.lease = lease

	switch s.node.role {
	case RoleDownload:
		if len(s.remote.Link) == 0 || s.remote.Length == nil {
			s.reject("peer does not serve the log", models.ErrProtocol)
			return StateClosed
		}
		return StateLinkVerifyPending
	case RoleShare:
		if len(s.remote.Link) > 0 {
			return StateLinkVerifyPending
		}
	}
	return StateReplicating
}

func (s *session) verifyLink() State {
	if err := integrity.Verify(s.node.feed, s.remote.Link); err != nil {
		s.log.Warn("integrity link rejected", slog.String("peer", s.remote.ID.String()), slog.Any("error", err))
		return StateLinkVerifyFailed
	}
	s.node.metrics.LinksVerified.Inc()
	return StateLinkVerified
}

func (s *session) replicate(ctx context.Context) State {
	s.node.metrics.Replicating.Inc()
	defer s.node.metrics.Replicating.Dec()

	err := s.node.feed.Replicate(ctx, s.conn, s.node.role.Replication())
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, feed.ErrClosed) {
		s.log.Warn("replication ended", slog.Any("error", err))
	}
	return StateClosed
}

func (s *session) reject(reason string, err error) {
	s.node.metrics.SessionsRejected.Inc()
	s.log.Warn("closing connection", slog.String("reason", reason), slog.Any("error", err))
}
