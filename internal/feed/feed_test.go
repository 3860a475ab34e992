package feed

import (
	"context"
	"crypto/ed25519"
	"io"
	"testing"
	"time"

	"github.com/WendelHime/fileswarm/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFeed(t *testing.T, factory storage.Factory, opts Options) *Feed {
	t.Helper()
	f, err := New(factory, opts)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestAppend(t *testing.T) {
	var tests = []struct {
		name   string
		setup  func(t *testing.T) *Feed
		blocks [][]byte
		assert func(t *testing.T, f *Feed, err error)
	}{
		{
			name: "append blocks to a new feed",
			setup: func(t *testing.T) *Feed {
				return newFeed(t, storage.Memory(), Options{})
			},
			blocks: [][]byte{[]byte("a"), []byte("bc"), []byte("def")},
			assert: func(t *testing.T, f *Feed, err error) {
				require.NoError(t, err)
				assert.True(t, f.Writable())
				assert.Equal(t, uint64(3), f.Length())
				assert.Equal(t, uint64(6), f.ByteLength())
				assert.Equal(t, uint64(3), f.Downloaded())
				for i, want := range []string{"a", "bc", "def"} {
					got, err := f.Get(context.Background(), uint64(i))
					require.NoError(t, err)
					assert.Equal(t, want, string(got))

					e, err := f.Signed(uint64(i))
					require.NoError(t, err)
					assert.True(t, e.Verify(f.Key()))
				}
			},
		},
		{
			name: "write hook transforms the stored bytes",
			setup: func(t *testing.T) *Feed {
				return newFeed(t, storage.Memory(), Options{OnWrite: func(index uint64, data []byte) ([]byte, error) {
					return append([]byte{byte(index)}, data...), nil
				}})
			},
			blocks: [][]byte{[]byte("x"), []byte("y")},
			assert: func(t *testing.T, f *Feed, err error) {
				require.NoError(t, err)
				got, err := f.Get(context.Background(), 1)
				require.NoError(t, err)
				assert.Equal(t, []byte{1, 'y'}, got)
				hash, err := f.HashData(1)
				require.NoError(t, err)
				assert.Equal(t, HashLeaf([]byte{1, 'y'}), hash)
			},
		},
		{
			name: "feed opened by public key only is read only",
			setup: func(t *testing.T) *Feed {
				owner := newFeed(t, storage.Memory(), Options{})
				return newFeed(t, storage.Memory(), Options{Key: owner.Key()})
			},
			blocks: [][]byte{[]byte("nope")},
			assert: func(t *testing.T, f *Feed, err error) {
				assert.ErrorIs(t, err, ErrNotWritable)
				assert.Equal(t, uint64(0), f.Length())
			},
		},
		{
			name: "closed feed rejects appends",
			setup: func(t *testing.T) *Feed {
				f := newFeed(t, storage.Memory(), Options{})
				require.NoError(t, f.Close())
				return f
			},
			blocks: [][]byte{[]byte("late")},
			assert: func(t *testing.T, f *Feed, err error) {
				assert.ErrorIs(t, err, ErrClosed)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := tt.setup(t)
			_, err := f.Append(tt.blocks...)
			tt.assert(t, f, err)
		})
	}
}

func TestReopen(t *testing.T) {
	factory := storage.Memory()
	f, err := New(factory, Options{})
	require.NoError(t, err)
	_, err = f.Append([]byte("hello"), []byte("world"))
	require.NoError(t, err)
	key := append([]byte(nil), f.Key()...)
	require.NoError(t, f.Close())

	reopened := newFeed(t, factory, Options{})
	assert.Equal(t, key, reopened.Key())
	assert.True(t, reopened.Writable())
	assert.Equal(t, uint64(2), reopened.Length())
	assert.Equal(t, uint64(2), reopened.Downloaded())
	got, err := reopened.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "world", string(got))

	_, err = New(factory, Options{Key: make([]byte, ed25519.PublicKeySize)})
	assert.Error(t, err)
}

func TestIndexData(t *testing.T) {
	data := storage.NewMemory()
	_, err := data.WriteAt([]byte("0123456789"), 0)
	require.NoError(t, err)

	f := newFeed(t, storage.WithData(data, storage.Memory()), Options{})
	require.NoError(t, f.IndexData(4))

	assert.Equal(t, uint64(3), f.Length())
	assert.Equal(t, uint64(10), f.ByteLength())
	r := f.Reader(0)
	var blocks []string
	for {
		block, err := r.Next(context.Background())
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		blocks = append(blocks, string(block))
	}
	assert.Equal(t, []string{"0123", "4567", "89"}, blocks)

	assert.Error(t, f.IndexData(0))
}

func TestPutEntries(t *testing.T) {
	owner := newFeed(t, storage.Memory(), Options{})
	_, err := owner.Append([]byte("one"), []byte("two"))
	require.NoError(t, err)
	entries, _ := owner.entriesFrom(0)

	var tests = []struct {
		name    string
		entries func() []SignedEntry
		assert  func(t *testing.T, f *Feed, err error)
	}{
		{
			name:    "valid entries extend the feed",
			entries: func() []SignedEntry { return entries },
			assert: func(t *testing.T, f *Feed, err error) {
				require.NoError(t, err)
				assert.Equal(t, uint64(2), f.Length())
				assert.Equal(t, uint64(0), f.Downloaded())
				assert.False(t, f.Has(0))
			},
		},
		{
			name: "bad signature is rejected",
			entries: func() []SignedEntry {
				e := entries[0]
				e.Signature = make([]byte, ed25519.SignatureSize)
				return []SignedEntry{e}
			},
			assert: func(t *testing.T, f *Feed, err error) {
				assert.ErrorIs(t, err, ErrInvalidEntry)
				assert.Equal(t, uint64(0), f.Length())
			},
		},
		{
			name:    "gap is rejected",
			entries: func() []SignedEntry { return entries[1:] },
			assert: func(t *testing.T, f *Feed, err error) {
				assert.ErrorIs(t, err, ErrInvalidEntry)
			},
		},
		{
			name: "broken root chain is rejected",
			entries: func() []SignedEntry {
				e := entries[1]
				e.Index = 0
				return []SignedEntry{e}
			},
			assert: func(t *testing.T, f *Feed, err error) {
				assert.ErrorIs(t, err, ErrInvalidEntry)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFeed(t, storage.Memory(), Options{Key: owner.Key()})
			_, err := f.putEntries(tt.entries())
			tt.assert(t, f, err)
		})
	}
}

func TestPutData(t *testing.T) {
	owner := newFeed(t, storage.Memory(), Options{})
	_, err := owner.Append([]byte("one"), []byte("two"))
	require.NoError(t, err)
	entries, _ := owner.entriesFrom(0)

	f := newFeed(t, storage.Memory(), Options{Key: owner.Key()})
	_, err = f.putEntries(entries)
	require.NoError(t, err)

	var downloaded []uint64
	f.OnDownload(func(index uint64) { downloaded = append(downloaded, index) })

	assert.ErrorIs(t, f.putData(0, []byte("bad")), ErrInvalidBlock)
	assert.ErrorIs(t, f.putData(5, []byte("one")), ErrNotFound)
	require.NoError(t, f.putData(1, []byte("two")))
	assert.Equal(t, []uint64{1}, downloaded)
	assert.Equal(t, uint64(1), f.Downloaded())

	got, err := f.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "two", string(got))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.Get(ctx, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGetWaitsForData(t *testing.T) {
	owner := newFeed(t, storage.Memory(), Options{})
	_, err := owner.Append([]byte("late"))
	require.NoError(t, err)
	entries, _ := owner.entriesFrom(0)

	f := newFeed(t, storage.Memory(), Options{Key: owner.Key()})
	_, err = f.putEntries(entries)
	require.NoError(t, err)

	result := make(chan []byte, 1)
	go func() {
		data, err := f.Get(context.Background(), 0)
		assert.NoError(t, err)
		result <- data
	}()

	assert.Eventually(t, func() bool { return len(f.wanted()) == 1 }, time.Second, time.Millisecond)
	require.NoError(t, f.putData(0, []byte("late")))
	assert.Equal(t, "late", string(<-result))
}

func TestCloseUnblocksGet(t *testing.T) {
	f, err := New(storage.Memory(), Options{})
	require.NoError(t, err)

	closed := false
	f.OnClose(func() { closed = true })

	errs := make(chan error, 1)
	go func() {
		_, err := f.Get(context.Background(), 3)
		errs <- err
	}()
	assert.Eventually(t, func() bool { return len(f.wanted()) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, f.Close())
	assert.ErrorIs(t, <-errs, ErrClosed)
	assert.True(t, closed)
	assert.NoError(t, f.Close())
}

func TestDiscoveryKey(t *testing.T) {
	a := newFeed(t, storage.Memory(), Options{})
	b := newFeed(t, storage.Memory(), Options{})

	assert.Len(t, a.DiscoveryKey(), HashSize)
	assert.Equal(t, DiscoveryKey(a.Key()), a.DiscoveryKey())
	assert.NotEqual(t, a.DiscoveryKey(), b.DiscoveryKey())
	assert.NotEqual(t, []byte(a.Key()), a.DiscoveryKey())
}
