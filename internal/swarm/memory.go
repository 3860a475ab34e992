package swarm

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// Network is an in-process discovery space. Swarms created from the same
// network find each other and connect over net.Pipe.
type Network struct {
	mu      sync.Mutex
	next    int
	members map[string]map[*Memory]JoinOptions
}

func NewNetwork() *Network {
	return &Network{members: make(map[string]map[*Memory]JoinOptions)}
}

// Memory is a Swarm living in a Network.
type Memory struct {
	network *Network
	name    string
	log     *slog.Logger

	mu        sync.Mutex
	handler   Handler
	topics    map[string][]byte
	conns     map[*memoryConn]struct{}
	destroyed bool
}

func (n *Network) Swarm(logger *slog.Logger) *Memory {
	n.mu.Lock()
	n.next++
	name := fmt.Sprintf("memory-%d", n.next)
	n.mu.Unlock()

	return &Memory{
		network: n,
		name:    name,
		log:     logger.With(slog.String("swarm", name)),
		topics:  make(map[string][]byte),
		conns:   make(map[*memoryConn]struct{}),
	}
}

func (m *Memory) String() string {
	return m.name
}

func (m *Memory) Handle(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

func (m *Memory) Join(topic []byte, opts JoinOptions) error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrDestroyed
	}
	key := topicKey(topic)
	m.topics[key] = append([]byte(nil), topic...)
	m.mu.Unlock()

	n := m.network
	n.mu.Lock()
	members, ok := n.members[key]
	if !ok {
		members = make(map[*Memory]JoinOptions)
		n.members[key] = members
	}
	type dial struct{ from, to *Memory }
	var dials []dial
	for other, otherOpts := range members {
		if other == m {
			continue
		}
		switch {
		case opts.Lookup && otherOpts.Announce:
			dials = append(dials, dial{m, other})
		case otherOpts.Lookup && opts.Announce:
			dials = append(dials, dial{other, m})
		}
	}
	members[m] = opts
	n.mu.Unlock()

	for _, d := range dials {
		d.from.Connect(d.to, topic)
	}
	return nil
}

func (m *Memory) Leave(topic []byte) error {
	key := topicKey(topic)
	m.mu.Lock()
	delete(m.topics, key)
	m.mu.Unlock()

	n := m.network
	n.mu.Lock()
	defer n.mu.Unlock()
	if members, ok := n.members[key]; ok {
		delete(members, m)
		if len(members) == 0 {
			delete(n.members, key)
		}
	}
	return nil
}

// Connect opens one connection from m to other under topic, regardless of
// what either side joined.
func (m *Memory) Connect(other *Memory, topic []byte) {
	a, b := net.Pipe()
	client := m.track(a)
	server := other.track(b)
	if client == nil || server == nil {
		a.Close()
		b.Close()
		return
	}
	m.log.Debug("connected", slog.String("remote", other.name))
	m.dispatch(client, Info{Client: true, Topic: topic, Remote: other.name})
	other.dispatch(server, Info{Client: false, Topic: topic, Remote: m.name})
}

func (m *Memory) track(c net.Conn) *memoryConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return nil
	}
	mc := &memoryConn{Conn: c, owner: m}
	m.conns[mc] = struct{}{}
	return mc
}

func (m *Memory) dispatch(c *memoryConn, info Info) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h == nil {
		c.Close()
		return
	}
	go h(c, info)
}

// Conns is the number of connections currently open.
func (m *Memory) Conns() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

func (m *Memory) Destroy() error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return nil
	}
	m.destroyed = true
	topics := make([][]byte, 0, len(m.topics))
	for _, t := range m.topics {
		topics = append(topics, t)
	}
	conns := make([]*memoryConn, 0, len(m.conns))
	for c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	var merr *multierror.Error
	for _, t := range topics {
		if err := m.Leave(t); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	for _, c := range conns {
		if err := c.Close(); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}

type memoryConn struct {
	net.Conn
	owner *Memory
	once  sync.Once
}

var (
	_ Swarm              = (*Memory)(nil)
	_ io.ReadWriteCloser = (*memoryConn)(nil)
)

func (c *memoryConn) Close() error {
	var err error
	c.once.Do(func() {
		c.owner.mu.Lock()
		delete(c.owner.conns, c)
		c.owner.mu.Unlock()
		err = c.Conn.Close()
	})
	return err
}
