package feed

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/WendelHime/fileswarm/internal/p2p"
	"github.com/WendelHime/fileswarm/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyStorage fails the first read at a given offset once armed.
type flakyStorage struct {
	storage.Storage
	mu     sync.Mutex
	armed  bool
	offset int64
}

func (s *flakyStorage) ReadAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	fail := s.armed && off == s.offset
	if fail {
		s.armed = false
	}
	s.mu.Unlock()
	if fail {
		return 0, errors.New("disk hiccup")
	}
	return s.Storage.ReadAt(p, off)
}

func (s *flakyStorage) arm(offset int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armed = true
	s.offset = offset
}

type replication struct {
	seedErr, peerErr chan error
	cancel           context.CancelFunc
}

func replicate(t *testing.T, seed, peer *Feed, seedOpts, peerOpts ReplicateOptions) *replication {
	t.Helper()
	a, b := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	r := &replication{seedErr: make(chan error, 1), peerErr: make(chan error, 1), cancel: cancel}
	go func() { r.seedErr <- seed.Replicate(ctx, p2p.NewConn(a), seedOpts) }()
	go func() { r.peerErr <- peer.Replicate(ctx, p2p.NewConn(b), peerOpts) }()
	t.Cleanup(cancel)
	return r
}

func waitErr(t *testing.T, ch chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("replication did not end")
		return nil
	}
}

func syncSignal(f *Feed) chan struct{} {
	ch := make(chan struct{}, 8)
	f.OnSync(func() {
		select {
		case ch <- struct{}{}:
		default:
		}
	})
	return ch
}

func waitSync(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("bulk pass did not finish")
	}
}

func TestReplicateAll(t *testing.T) {
	seed := newFeed(t, storage.Memory(), Options{})
	_, err := seed.Append([]byte("alpha"), []byte("beta"), []byte("gamma"))
	require.NoError(t, err)

	peer := newFeed(t, storage.Memory(), Options{Key: seed.Key()})
	var downloaded []uint64
	var mu sync.Mutex
	peer.OnDownload(func(index uint64) {
		mu.Lock()
		defer mu.Unlock()
		downloaded = append(downloaded, index)
	})

	r := replicate(t, seed, peer, ReplicateOptions{Upload: true}, ReplicateOptions{Download: true})
	assert.NoError(t, waitErr(t, r.peerErr))
	assert.NoError(t, waitErr(t, r.seedErr))

	assert.Equal(t, seed.Length(), peer.Length())
	assert.Equal(t, seed.ByteLength(), peer.ByteLength())
	assert.Equal(t, peer.Length(), peer.Downloaded())
	mu.Lock()
	assert.ElementsMatch(t, []uint64{0, 1, 2}, downloaded)
	mu.Unlock()
	for i := uint64(0); i < seed.Length(); i++ {
		want, err := seed.Get(context.Background(), i)
		require.NoError(t, err)
		got, err := peer.Get(context.Background(), i)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestReplicateLossyPass(t *testing.T) {
	data := &flakyStorage{Storage: storage.NewMemory()}
	_, err := data.WriteAt([]byte("aaaabbbbcc"), 0)
	require.NoError(t, err)
	seed := newFeed(t, storage.WithData(data, storage.Memory()), Options{})
	require.NoError(t, seed.IndexData(4))
	data.arm(8)

	peer := newFeed(t, storage.Memory(), Options{Key: seed.Key()})
	synced := syncSignal(peer)

	r := replicate(t, seed, peer, ReplicateOptions{Upload: true}, ReplicateOptions{Download: true})
	waitSync(t, synced)

	assert.True(t, peer.Has(0))
	assert.True(t, peer.Has(1))
	assert.False(t, peer.Has(2))
	assert.Equal(t, uint64(2), peer.Downloaded())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := peer.Get(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "cc", string(got))
	assert.Equal(t, peer.Length(), peer.Downloaded())

	assert.NoError(t, waitErr(t, r.peerErr))
	assert.NoError(t, waitErr(t, r.seedErr))
}

func TestReplicateDropsTamperedBlock(t *testing.T) {
	data := storage.NewMemory()
	_, err := data.WriteAt([]byte("aaaabbbbcc"), 0)
	require.NoError(t, err)
	seed := newFeed(t, storage.WithData(data, storage.Memory()), Options{})
	require.NoError(t, seed.IndexData(4))
	_, err = data.WriteAt([]byte("XXXX"), 4)
	require.NoError(t, err)

	peer := newFeed(t, storage.Memory(), Options{Key: seed.Key()})
	synced := syncSignal(peer)

	r := replicate(t, seed, peer, ReplicateOptions{Upload: true}, ReplicateOptions{Download: true, Live: true})
	waitSync(t, synced)

	assert.True(t, peer.Has(0))
	assert.False(t, peer.Has(1))
	assert.True(t, peer.Has(2))

	r.cancel()
	assert.ErrorIs(t, waitErr(t, r.peerErr), context.Canceled)
	assert.ErrorIs(t, waitErr(t, r.seedErr), context.Canceled)
}

func TestReplicateLiveAppend(t *testing.T) {
	owner := newFeed(t, storage.Memory(), Options{})
	_, err := owner.Append([]byte("first"))
	require.NoError(t, err)

	peer := newFeed(t, storage.Memory(), Options{Key: owner.Key()})
	r := replicate(t, owner, peer,
		ReplicateOptions{Upload: true, Download: true, Live: true},
		ReplicateOptions{Upload: true, Download: true, Live: true})

	assert.Eventually(t, func() bool { return peer.Downloaded() == 1 }, 5*time.Second, time.Millisecond)

	_, err = owner.Append([]byte("second"))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return peer.Downloaded() == 2 }, 5*time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := peer.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))

	require.NoError(t, peer.Close())
	assert.ErrorIs(t, waitErr(t, r.peerErr), ErrClosed)
	assert.NoError(t, waitErr(t, r.seedErr))
}

func TestReplicateRejectsForeignEntries(t *testing.T) {
	seed := newFeed(t, storage.Memory(), Options{})
	_, err := seed.Append([]byte("mine"))
	require.NoError(t, err)

	other := newFeed(t, storage.Memory(), Options{})
	peer := newFeed(t, storage.Memory(), Options{Key: other.Key()})

	r := replicate(t, seed, peer, ReplicateOptions{Upload: true}, ReplicateOptions{Download: true})
	assert.ErrorIs(t, waitErr(t, r.peerErr), ErrInvalidEntry)
	assert.NoError(t, waitErr(t, r.seedErr))
	assert.Equal(t, uint64(0), peer.Length())
}
