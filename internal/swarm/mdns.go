package swarm

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsService = "_fileswarm._udp"
	mdnsDomain  = "local."
	topicText   = "topic="
)

type mdns struct {
	instance string
	browse   time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	servers map[string]*zeroconf.Server
}

// MDNS announces and looks up topics on the local network. Each lookup
// browses for the given duration.
func MDNS(instance string, browse time.Duration, logger *slog.Logger) Discovery {
	return &mdns{
		instance: instance,
		browse:   browse,
		log:      logger,
		servers:  make(map[string]*zeroconf.Server),
	}
}

func (m *mdns) Lookup(ctx context.Context, topic []byte, port uint16, announce bool) ([]string, error) {
	if announce {
		if err := m.register(topic, port); err != nil {
			return nil, err
		}
	}

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("create mdns resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.browse)
	defer cancel()
	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, mdnsService, mdnsDomain, entries); err != nil {
		return nil, fmt.Errorf("browse mdns: %w", err)
	}

	var addrs []string
	for {
		select {
		case <-ctx.Done():
			return addrs, nil
		case entry, ok := <-entries:
			if !ok {
				return addrs, nil
			}
			addrs = append(addrs, entryAddrs(entry, topic)...)
		}
	}
}

func (m *mdns) register(topic []byte, port uint16) error {
	key := topicKey(topic)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.servers[key]; ok {
		return nil
	}
	short := key
	if len(short) > 8 {
		short = short[:8]
	}
	name := fmt.Sprintf("%s-%s", m.instance, short)
	server, err := zeroconf.Register(name, mdnsService, mdnsDomain, int(port), []string{topicText + key}, nil)
	if err != nil {
		return fmt.Errorf("register mdns service: %w", err)
	}
	m.log.Debug("announced on mdns", slog.String("instance", name), slog.Int("port", int(port)))
	m.servers[key] = server
	return nil
}

// entryAddrs returns the addresses of entry when it announces topic.
func entryAddrs(entry *zeroconf.ServiceEntry, topic []byte) []string {
	want := topicText + hex.EncodeToString(topic)
	matches := false
	for _, txt := range entry.Text {
		if strings.EqualFold(txt, want) {
			matches = true
			break
		}
	}
	if !matches {
		return nil
	}

	addrs := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range append(append([]net.IP(nil), entry.AddrIPv4...), entry.AddrIPv6...) {
		addrs = append(addrs, net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port)))
	}
	return addrs
}

func (m *mdns) Leave(topic []byte) {
	key := topicKey(topic)
	m.mu.Lock()
	defer m.mu.Unlock()
	if server, ok := m.servers[key]; ok {
		server.Shutdown()
		delete(m.servers, key)
	}
}

func (m *mdns) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, server := range m.servers {
		server.Shutdown()
		delete(m.servers, key)
	}
	return nil
}
