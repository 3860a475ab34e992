// Package feed implements a signed append-only log of blocks that can be
// replicated, fully or sparsely, between peers.
package feed

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/WendelHime/fileswarm/internal/shared/models"
	"github.com/WendelHime/fileswarm/internal/storage"
	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru"
)

const (
	recordSize       = 8 + HashSize + HashSize
	defaultCacheSize = 256
)

var (
	ErrClosed       = errors.New("feed closed")
	ErrNotWritable  = errors.New("feed is not writable")
	ErrNotFound     = errors.New("block not found")
	ErrInvalidBlock = errors.New("block does not match its hash")
	ErrInvalidEntry = errors.New("invalid signed entry")
)

// WriteHook rewrites the bytes of an appended block before they are hashed
// and stored.
type WriteHook func(index uint64, data []byte) ([]byte, error)

type Options struct {
	// Key opens the feed of an existing public key. Without it a new key
	// pair is generated, unless the storage already holds one.
	Key []byte
	// SecretKey makes the feed writable.
	SecretKey []byte
	OnWrite   WriteHook
	CacheSize int
	Logger    *slog.Logger
}

type Feed struct {
	mu sync.RWMutex

	key          ed25519.PublicKey
	secretKey    ed25519.PrivateKey
	discoveryKey []byte

	keyStore    storage.Storage
	secretStore storage.Storage
	tree        storage.Storage
	signatures  storage.Storage
	bitfield    storage.Storage
	data        storage.Storage

	entries    []SignedEntry
	offsets    []uint64
	have       []bool
	downloaded uint64
	byteLength uint64

	onWrite WriteHook
	cache   *lru.Cache
	log     *slog.Logger

	streams map[*stream]struct{}
	waiters map[uint64][]chan struct{}
	closed  bool
	done    chan struct{}

	downloadEvent event[uint64]
	syncEvent     event[struct{}]
	appendEvent   event[uint64]
	closeEvent    event[struct{}]
}

// New opens the feed stored in the storages returned by factory.
func New(factory storage.Factory, opts Options) (*Feed, error) {
	if opts.Key != nil && len(opts.Key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes", models.ErrValidation, ed25519.PublicKeySize)
	}
	if opts.SecretKey != nil && len(opts.SecretKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: secret key must be %d bytes", models.ErrValidation, ed25519.PrivateKeySize)
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	cache, err := lru.New(opts.CacheSize)
	if err != nil {
		return nil, err
	}

	f := &Feed{
		onWrite: opts.OnWrite,
		cache:   cache,
		log:     opts.Logger,
		streams: make(map[*stream]struct{}),
		waiters: make(map[uint64][]chan struct{}),
		done:    make(chan struct{}),
	}

	stores := []struct {
		name string
		dst  *storage.Storage
	}{
		{"key", &f.keyStore},
		{"secret_key", &f.secretStore},
		{"tree", &f.tree},
		{"signatures", &f.signatures},
		{"bitfield", &f.bitfield},
		{"data", &f.data},
	}
	for _, s := range stores {
		st, err := factory(s.name)
		if err != nil {
			f.closeStorages()
			return nil, fmt.Errorf("open %s storage: %w", s.name, err)
		}
		*s.dst = st
	}

	if err := f.loadKeys(opts.Key, opts.SecretKey); err != nil {
		f.closeStorages()
		return nil, err
	}
	if err := f.loadTree(); err != nil {
		f.closeStorages()
		return nil, err
	}
	f.discoveryKey = DiscoveryKey(f.key)
	f.log = f.log.With(slog.String("feed", fmt.Sprintf("%x", f.discoveryKey[:4])))

	return f, nil
}

func (f *Feed) loadKeys(key, secretKey []byte) error {
	stored, err := storage.Bytes(f.keyStore)
	if err != nil {
		return fmt.Errorf("%w: read key: %v", models.ErrResource, err)
	}
	storedSecret, err := storage.Bytes(f.secretStore)
	if err != nil {
		return fmt.Errorf("%w: read secret key: %v", models.ErrResource, err)
	}

	switch {
	case len(stored) == ed25519.PublicKeySize:
		if key != nil && !bytes.Equal(key, stored) {
			return fmt.Errorf("%w: storage holds a different key", models.ErrValidation)
		}
		key = stored
	case key != nil:
	case secretKey != nil:
		key = ed25519.PrivateKey(secretKey).Public().(ed25519.PublicKey)
	default:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return fmt.Errorf("%w: generate key pair: %v", models.ErrResource, err)
		}
		key, secretKey = pub, priv
	}
	if secretKey == nil && len(storedSecret) == ed25519.PrivateKeySize {
		secretKey = storedSecret
	}
	if secretKey != nil && !bytes.Equal(ed25519.PrivateKey(secretKey).Public().(ed25519.PublicKey), key) {
		return fmt.Errorf("%w: secret key does not belong to key", models.ErrValidation)
	}

	if len(stored) == 0 {
		if _, err := f.keyStore.WriteAt(key, 0); err != nil {
			return fmt.Errorf("%w: write key: %v", models.ErrResource, err)
		}
	}
	if secretKey != nil && len(storedSecret) == 0 {
		if _, err := f.secretStore.WriteAt(secretKey, 0); err != nil {
			return fmt.Errorf("%w: write secret key: %v", models.ErrResource, err)
		}
	}

	f.key = ed25519.PublicKey(key)
	if secretKey != nil {
		f.secretKey = ed25519.PrivateKey(secretKey)
	}
	return nil
}

func (f *Feed) loadTree() error {
	tree, err := storage.Bytes(f.tree)
	if err != nil {
		return fmt.Errorf("%w: read tree: %v", models.ErrResource, err)
	}
	signatures, err := storage.Bytes(f.signatures)
	if err != nil {
		return fmt.Errorf("%w: read signatures: %v", models.ErrResource, err)
	}
	bits, err := storage.Bytes(f.bitfield)
	if err != nil {
		return fmt.Errorf("%w: read bitfield: %v", models.ErrResource, err)
	}

	n := len(tree) / recordSize
	if len(signatures)/ed25519.SignatureSize < n {
		n = len(signatures) / ed25519.SignatureSize
	}
	for i := 0; i < n; i++ {
		rec := tree[i*recordSize : (i+1)*recordSize]
		e := SignedEntry{
			Index:     uint64(i),
			Size:      binary.BigEndian.Uint64(rec),
			Hash:      rec[8 : 8+HashSize],
			Root:      rec[8+HashSize:],
			Signature: signatures[i*ed25519.SignatureSize : (i+1)*ed25519.SignatureSize],
		}
		f.offsets = append(f.offsets, f.byteLength)
		f.entries = append(f.entries, e)
		f.byteLength += e.Size
		has := i < len(bits) && bits[i] == 1
		f.have = append(f.have, has)
		if has {
			f.downloaded++
		}
	}
	return nil
}

func (f *Feed) Key() []byte {
	return f.key
}

func (f *Feed) SecretKey() []byte {
	return f.secretKey
}

func (f *Feed) DiscoveryKey() []byte {
	return f.discoveryKey
}

func (f *Feed) Writable() bool {
	return f.secretKey != nil
}

// Length is the number of blocks known to exist, downloaded or not.
func (f *Feed) Length() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return uint64(len(f.entries))
}

func (f *Feed) ByteLength() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.byteLength
}

// Downloaded is the number of blocks stored locally.
func (f *Feed) Downloaded() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.downloaded
}

func (f *Feed) Has(index uint64) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.hasLocked(index)
}

func (f *Feed) hasLocked(index uint64) bool {
	return index < uint64(len(f.have)) && f.have[index]
}

// Signed returns the signed entry for index.
func (f *Feed) Signed(index uint64) (SignedEntry, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if index >= uint64(len(f.entries)) {
		return SignedEntry{}, ErrNotFound
	}
	return f.entries[index], nil
}

// HashData hashes the block currently held in storage at index, bypassing
// any cache.
func (f *Feed) HashData(index uint64) ([]byte, error) {
	data, err := f.readStorage(index)
	if err != nil {
		return nil, err
	}
	return HashLeaf(data), nil
}

// Append adds blocks to a writable feed.
func (f *Feed) Append(blocks ...[]byte) (uint64, error) {
	if !f.Writable() {
		return 0, ErrNotWritable
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return 0, ErrClosed
	}
	first := uint64(len(f.entries))
	for _, block := range blocks {
		index := uint64(len(f.entries))
		data := append([]byte(nil), block...)
		if f.onWrite != nil {
			var err error
			data, err = f.onWrite(index, data)
			if err != nil {
				f.mu.Unlock()
				return first, fmt.Errorf("write hook for block %d: %w", index, err)
			}
		}
		if _, err := f.data.WriteAt(data, int64(f.byteLength)); err != nil {
			f.mu.Unlock()
			return first, fmt.Errorf("%w: write block %d: %v", models.ErrResource, index, err)
		}
		if err := f.commitLocked(uint64(len(data)), HashLeaf(data)); err != nil {
			f.mu.Unlock()
			return first, err
		}
	}
	length := uint64(len(f.entries))
	f.mu.Unlock()

	f.appendEvent.emit(length)
	f.announce()
	return first, nil
}

// IndexData turns bytes already present in the data storage past the current
// byte length into blocks of at most blockSize bytes. It lets a file be
// shared in place without copying it.
func (f *Feed) IndexData(blockSize int) error {
	if !f.Writable() {
		return ErrNotWritable
	}
	if blockSize <= 0 {
		return fmt.Errorf("%w: block size must be positive", models.ErrValidation)
	}
	size, err := f.data.Size()
	if err != nil {
		return fmt.Errorf("%w: stat data: %v", models.ErrResource, err)
	}

	f.mu.Lock()
	buf := make([]byte, blockSize)
	for int64(f.byteLength) < size {
		n := blockSize
		if left := size - int64(f.byteLength); left < int64(n) {
			n = int(left)
		}
		if _, err := f.data.ReadAt(buf[:n], int64(f.byteLength)); err != nil && !errors.Is(err, io.EOF) {
			f.mu.Unlock()
			return fmt.Errorf("%w: read data: %v", models.ErrResource, err)
		}
		if err := f.commitLocked(uint64(n), HashLeaf(buf[:n])); err != nil {
			f.mu.Unlock()
			return err
		}
	}
	length := uint64(len(f.entries))
	f.mu.Unlock()

	f.appendEvent.emit(length)
	f.announce()
	return nil
}

// commitLocked signs and persists the entry for a block already written at
// the current byte length.
func (f *Feed) commitLocked(size uint64, hash []byte) error {
	index := uint64(len(f.entries))
	var prev []byte
	if index > 0 {
		prev = f.entries[index-1].Root
	}
	root := HashRoot(prev, hash)
	e := SignedEntry{
		Index:     index,
		Size:      size,
		Hash:      hash,
		Root:      root,
		Signature: ed25519.Sign(f.secretKey, signable(index, size, hash, root)),
	}
	if err := f.persistEntryLocked(e); err != nil {
		return err
	}
	f.offsets = append(f.offsets, f.byteLength)
	f.entries = append(f.entries, e)
	f.byteLength += size
	f.have = append(f.have, false)
	return f.markLocked(index)
}

func (f *Feed) persistEntryLocked(e SignedEntry) error {
	rec := make([]byte, 8, recordSize)
	binary.BigEndian.PutUint64(rec, e.Size)
	rec = append(rec, e.Hash...)
	rec = append(rec, e.Root...)
	if _, err := f.tree.WriteAt(rec, int64(e.Index)*recordSize); err != nil {
		return fmt.Errorf("%w: write tree: %v", models.ErrResource, err)
	}
	if _, err := f.signatures.WriteAt(e.Signature, int64(e.Index)*ed25519.SignatureSize); err != nil {
		return fmt.Errorf("%w: write signature: %v", models.ErrResource, err)
	}
	return nil
}

func (f *Feed) markLocked(index uint64) error {
	if _, err := f.bitfield.WriteAt([]byte{1}, int64(index)); err != nil {
		return fmt.Errorf("%w: write bitfield: %v", models.ErrResource, err)
	}
	f.have[index] = true
	f.downloaded++
	return nil
}

// putEntries stores entries received from a peer, starting at start. Entries
// the feed already knows must match, new ones must chain onto the last root
// and carry a valid signature.
func (f *Feed) putEntries(entries []SignedEntry) (bool, error) {
	f.mu.Lock()
	grew := false
	for _, e := range entries {
		known := uint64(len(f.entries))
		switch {
		case e.Index < known:
			if !f.entries[e.Index].equal(e) {
				f.mu.Unlock()
				return grew, fmt.Errorf("%w: entry %d conflicts with local entry", ErrInvalidEntry, e.Index)
			}
			continue
		case e.Index > known:
			f.mu.Unlock()
			return grew, fmt.Errorf("%w: entry %d leaves a gap after %d", ErrInvalidEntry, e.Index, known)
		}

		var prev []byte
		if known > 0 {
			prev = f.entries[known-1].Root
		}
		if !bytes.Equal(HashRoot(prev, e.Hash), e.Root) || !e.Verify(f.key) {
			f.mu.Unlock()
			return grew, fmt.Errorf("%w: entry %d", ErrInvalidEntry, e.Index)
		}
		if err := f.persistEntryLocked(e); err != nil {
			f.mu.Unlock()
			return grew, err
		}
		f.offsets = append(f.offsets, f.byteLength)
		f.entries = append(f.entries, e)
		f.byteLength += e.Size
		f.have = append(f.have, false)
		grew = true
	}
	length := uint64(len(f.entries))
	f.mu.Unlock()

	if grew {
		f.appendEvent.emit(length)
	}
	return grew, nil
}

// putData stores a block received from a peer after checking it against its
// signed hash.
func (f *Feed) putData(index uint64, data []byte) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	if index >= uint64(len(f.entries)) {
		f.mu.Unlock()
		return fmt.Errorf("%w: block %d", ErrNotFound, index)
	}
	if f.have[index] {
		f.mu.Unlock()
		return nil
	}
	e := f.entries[index]
	if uint64(len(data)) != e.Size || !bytes.Equal(HashLeaf(data), e.Hash) {
		f.mu.Unlock()
		return fmt.Errorf("%w: block %d", ErrInvalidBlock, index)
	}
	if _, err := f.data.WriteAt(data, int64(f.offsets[index])); err != nil {
		f.mu.Unlock()
		return fmt.Errorf("%w: write block %d: %v", models.ErrResource, index, err)
	}
	if err := f.markLocked(index); err != nil {
		f.mu.Unlock()
		return err
	}
	waiters := f.waiters[index]
	delete(f.waiters, index)
	f.mu.Unlock()

	f.cache.Add(index, data)
	for _, ch := range waiters {
		close(ch)
	}
	f.downloadEvent.emit(index)
	f.announceBlock(index)
	return nil
}

func (f *Feed) readStorage(index uint64) ([]byte, error) {
	f.mu.RLock()
	if !f.hasLocked(index) {
		f.mu.RUnlock()
		return nil, fmt.Errorf("%w: block %d", ErrNotFound, index)
	}
	offset, size := f.offsets[index], f.entries[index].Size
	f.mu.RUnlock()

	data := make([]byte, size)
	if size == 0 {
		return data, nil
	}
	if _, err := f.data.ReadAt(data, int64(offset)); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: read block %d: %v", models.ErrResource, index, err)
	}
	return data, nil
}

func (f *Feed) read(index uint64) ([]byte, error) {
	if v, ok := f.cache.Get(index); ok {
		return v.([]byte), nil
	}
	data, err := f.readStorage(index)
	if err != nil {
		return nil, err
	}
	f.cache.Add(index, data)
	return data, nil
}

// Get returns block index, waiting for a replication stream to fetch it when
// it is not stored locally.
func (f *Feed) Get(ctx context.Context, index uint64) ([]byte, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrClosed
	}
	if f.hasLocked(index) {
		f.mu.Unlock()
		return f.read(index)
	}
	ch := make(chan struct{})
	f.waiters[index] = append(f.waiters[index], ch)
	streams := f.streamsLocked()
	f.mu.Unlock()

	for _, s := range streams {
		s.want(index)
	}

	select {
	case <-ch:
		return f.read(index)
	case <-f.done:
		return nil, ErrClosed
	case <-ctx.Done():
		f.removeWaiter(index, ch)
		return nil, ctx.Err()
	}
}

func (f *Feed) removeWaiter(index uint64, ch chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	waiters := f.waiters[index]
	for i, w := range waiters {
		if w == ch {
			f.waiters[index] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(f.waiters[index]) == 0 {
		delete(f.waiters, index)
	}
}

func (f *Feed) wanted() []uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	indexes := make([]uint64, 0, len(f.waiters))
	for index := range f.waiters {
		indexes = append(indexes, index)
	}
	return indexes
}

func (f *Feed) streamsLocked() []*stream {
	streams := make([]*stream, 0, len(f.streams))
	for s := range f.streams {
		streams = append(streams, s)
	}
	return streams
}

func (f *Feed) addStream(s *stream) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	f.streams[s] = struct{}{}
	return nil
}

func (f *Feed) removeStream(s *stream) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.streams, s)
}

func (f *Feed) announce() {
	f.mu.RLock()
	streams := f.streamsLocked()
	f.mu.RUnlock()
	for _, s := range streams {
		s.announce()
	}
}

func (f *Feed) announceBlock(index uint64) {
	f.mu.RLock()
	streams := f.streamsLocked()
	f.mu.RUnlock()
	for _, s := range streams {
		s.announceBlock(index)
	}
}

// entriesFrom returns the signed entries from start on together with whether
// each block is stored locally.
func (f *Feed) entriesFrom(start uint64) ([]SignedEntry, []bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if start >= uint64(len(f.entries)) {
		return nil, nil
	}
	entries := append([]SignedEntry(nil), f.entries[start:]...)
	present := append([]bool(nil), f.have[start:]...)
	return entries, present
}

// Done is closed when the feed closes.
func (f *Feed) Done() <-chan struct{} {
	return f.done
}

// Close ends every replication stream, releases the storages and fires the
// close listeners. It is safe to call more than once.
func (f *Feed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	close(f.done)
	streams := f.streamsLocked()
	f.mu.Unlock()

	for _, s := range streams {
		s.close()
	}
	err := f.closeStorages()
	f.closeEvent.emit(struct{}{})
	return err
}

func (f *Feed) closeStorages() error {
	var merr *multierror.Error
	seen := make(map[storage.Storage]bool)
	for _, s := range []storage.Storage{f.keyStore, f.secretStore, f.tree, f.signatures, f.bitfield, f.data} {
		if s == nil || seen[s] {
			continue
		}
		seen[s] = true
		if err := s.Close(); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}
