package p2p

import (
	"bytes"
	"sync"

	"github.com/WendelHime/fileswarm/internal/shared/models"
)

// Deduplicator keeps at most one live session per unordered pair of peer ids.
//
// When a second connection to an already active remote id shows up, the
// connection dialed by the peer with the smaller id survives. Between two
// connections dialed by the same side, the one with the smaller dialer token
// survives. Both ends know the dialer and the token of every connection, so
// they rank connections identically and keep the same one regardless of the
// order in which they see them.
type Deduplicator struct {
	mu     sync.Mutex
	active map[string]*Lease
}

// Lease is the slot a kept connection holds in the active set.
type Lease struct {
	d      *Deduplicator
	key    string
	client bool
	token  []byte
	drop   func()
}

func NewDeduplicator() *Deduplicator {
	return &Deduplicator{active: make(map[string]*Lease)}
}

// Deduplicate decides whether the connection to remote should be kept. client
// reports whether this side dialed the connection, token is the dialer's
// connection token and drop closes the connection when a later one
// supersedes it. A kept connection must Release its lease once its session
// ends.
func (d *Deduplicator) Deduplicate(local, remote models.PeerID, client bool, token []byte, drop func()) (*Lease, bool) {
	cmp := local.Compare(remote)
	if cmp == 0 {
		// connected to ourselves
		return nil, true
	}

	key := remote.String()
	lease := &Lease{d: d, key: key, client: client, token: token, drop: drop}

	d.mu.Lock()
	other, ok := d.active[key]
	if !ok {
		d.active[key] = lease
		d.mu.Unlock()
		return lease, false
	}

	if !lease.preferred(other, cmp < 0) {
		d.mu.Unlock()
		return nil, true
	}
	d.active[key] = lease
	d.mu.Unlock()

	if other.drop != nil {
		other.drop()
	}
	return lease, false
}

// preferred reports whether l should replace other. keepClient tells whether
// connections dialed by this side win over crossed dials.
func (l *Lease) preferred(other *Lease, keepClient bool) bool {
	if l.client != other.client {
		return l.client == keepClient
	}
	// equal tokens only come from peers that send none
	if c := bytes.Compare(l.token, other.token); c != 0 {
		return c < 0
	}
	return l.client == keepClient
}

// Active reports whether a session is currently held for remote.
func (d *Deduplicator) Active(remote models.PeerID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.active[remote.String()]
	return ok
}

func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// Release frees the slot if this lease still holds it, so the remote can
// reconnect later.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.d.mu.Lock()
	defer l.d.mu.Unlock()
	if l.d.active[l.key] == l {
		delete(l.d.active, l.key)
	}
}
