// Package integrity builds and checks the proof a serving peer puts in its
// hello: the signed entry at the head of its log plus the hash of the bytes
// it actually stores for that entry.
package integrity

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/WendelHime/fileswarm/internal/feed"
	"github.com/WendelHime/fileswarm/internal/shared/models"
	"github.com/vmihailenco/msgpack/v5"
)

var ErrEmptyLog = errors.New("log has no entries to link")

// Log is the part of a feed a link is generated from and verified against.
type Log interface {
	Key() []byte
	Length() uint64
	Has(index uint64) bool
	Signed(index uint64) (feed.SignedEntry, error)
	HashData(index uint64) ([]byte, error)
}

// Link binds a log key to the content of one of its entries.
type Link struct {
	Key       []byte `msgpack:"key"`
	Index     uint64 `msgpack:"index"`
	Size      uint64 `msgpack:"size"`
	Hash      []byte `msgpack:"hash"`
	Root      []byte `msgpack:"root"`
	Signature []byte `msgpack:"signature"`
}

func (l Link) entry() feed.SignedEntry {
	return feed.SignedEntry{Index: l.Index, Size: l.Size, Hash: l.Hash, Root: l.Root, Signature: l.Signature}
}

// Head generates a link for the last entry of log.
func Head(log Log) ([]byte, error) {
	length := log.Length()
	if length == 0 {
		return nil, ErrEmptyLog
	}
	return Generate(log, length-1)
}

// Generate links entry index of log. The hash is recomputed from storage so
// a block altered after it was signed yields a link that fails to verify.
func Generate(log Log, index uint64) ([]byte, error) {
	e, err := log.Signed(index)
	if err != nil {
		return nil, fmt.Errorf("link entry %d: %w", index, err)
	}
	hash, err := log.HashData(index)
	if err != nil {
		return nil, fmt.Errorf("link entry %d: %w", index, err)
	}
	return msgpack.Marshal(Link{
		Key:       log.Key(),
		Index:     index,
		Size:      e.Size,
		Hash:      hash,
		Root:      e.Root,
		Signature: e.Signature,
	})
}

// Decode parses a link received from a peer.
func Decode(raw []byte) (Link, error) {
	var l Link
	if err := msgpack.Unmarshal(raw, &l); err != nil {
		return Link{}, fmt.Errorf("%w: decode link: %v", models.ErrIntegrity, err)
	}
	return l, nil
}

// Verify checks raw against log. The link must be signed by the log's key,
// and where log already holds the linked entry or its bytes they must match.
func Verify(log Log, raw []byte) error {
	l, err := Decode(raw)
	if err != nil {
		return err
	}
	if !bytes.Equal(l.Key, log.Key()) {
		return fmt.Errorf("%w: link belongs to another log", models.ErrIntegrity)
	}
	if !l.entry().Verify(log.Key()) {
		return fmt.Errorf("%w: bad signature on entry %d", models.ErrIntegrity, l.Index)
	}
	if l.Index >= log.Length() {
		return nil
	}

	local, err := log.Signed(l.Index)
	if err != nil {
		return fmt.Errorf("%w: entry %d: %v", models.ErrIntegrity, l.Index, err)
	}
	if local.Size != l.Size || !bytes.Equal(local.Hash, l.Hash) || !bytes.Equal(local.Root, l.Root) {
		return fmt.Errorf("%w: entry %d differs from local copy", models.ErrIntegrity, l.Index)
	}
	if log.Has(l.Index) {
		hash, err := log.HashData(l.Index)
		if err != nil {
			return fmt.Errorf("%w: hash entry %d: %v", models.ErrIntegrity, l.Index, err)
		}
		if !bytes.Equal(hash, l.Hash) {
			return fmt.Errorf("%w: stored entry %d was altered", models.ErrIntegrity, l.Index)
		}
	}
	return nil
}
