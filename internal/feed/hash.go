package feed

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

const (
	HashSize = blake2b.Size256

	leafType = 0x00
	rootType = 0x01
)

var discoveryContext = []byte("fileswarm")

// SignedEntry is the owner's signature over one entry and the chained root of
// every entry up to and including it.
type SignedEntry struct {
	Index     uint64
	Size      uint64
	Hash      []byte
	Root      []byte
	Signature []byte
}

// HashLeaf hashes one entry's bytes together with its size.
func HashLeaf(data []byte) []byte {
	var size [8]byte
	binary.BigEndian.PutUint64(size[:], uint64(len(data)))
	h, _ := blake2b.New256(nil)
	h.Write([]byte{leafType})
	h.Write(size[:])
	h.Write(data)
	return h.Sum(nil)
}

// HashRoot chains a leaf hash onto the root of the previous entries. The root
// before the first entry is nil.
func HashRoot(prev, leaf []byte) []byte {
	if prev == nil {
		prev = make([]byte, HashSize)
	}
	h, _ := blake2b.New256(nil)
	h.Write([]byte{rootType})
	h.Write(prev)
	h.Write(leaf)
	return h.Sum(nil)
}

// DiscoveryKey derives the value peers look each other up by, without
// revealing the public key itself.
func DiscoveryKey(key []byte) []byte {
	h, err := blake2b.New256(key)
	if err != nil {
		return nil
	}
	h.Write(discoveryContext)
	return h.Sum(nil)
}

func signable(index, size uint64, hash, root []byte) []byte {
	msg := make([]byte, 16, 16+len(hash)+len(root))
	binary.BigEndian.PutUint64(msg, index)
	binary.BigEndian.PutUint64(msg[8:], size)
	msg = append(msg, hash...)
	return append(msg, root...)
}

// Verify checks the owner's signature on e.
func (e SignedEntry) Verify(key []byte) bool {
	if len(key) != ed25519.PublicKeySize || len(e.Hash) != HashSize || len(e.Root) != HashSize {
		return false
	}
	return ed25519.Verify(key, signable(e.Index, e.Size, e.Hash, e.Root), e.Signature)
}

func (e SignedEntry) equal(other SignedEntry) bool {
	return e.Size == other.Size && bytes.Equal(e.Hash, other.Hash) && bytes.Equal(e.Root, other.Root)
}
