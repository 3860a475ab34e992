package models

import "crypto/rand"

// Hello is exchanged once in both directions right after a connection opens.
// Nil pointers and empty slices or strings mean the field is absent.
type Hello struct {
	ID         PeerID
	Link       []byte
	Length     *uint64
	ByteLength *uint64
	Filename   string
	Pathspec   string
	// Token is picked at random by the dialing side of a connection, so both
	// ends can tell apart two connections dialed in the same direction.
	Token []byte
}

// Stats is derived from the first Hello a stat query receives.
type Stats struct {
	Key      string `json:"key"`
	Size     uint64 `json:"size"`
	Blocks   uint64 `json:"blocks"`
	Filename string `json:"filename,omitempty"`
}

// TokenLength is the size of a connection token.
const TokenLength = 16

// NewToken returns a random connection token.
func NewToken() ([]byte, error) {
	b := make([]byte, TokenLength)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

func Uint64(v uint64) *uint64 {
	return &v
}

// StatsFromHello builds Stats for key from a received hello.
func StatsFromHello(key string, h Hello) Stats {
	s := Stats{Key: key, Filename: h.Filename}
	if h.Length != nil {
		s.Blocks = *h.Length
	}
	if h.ByteLength != nil {
		s.Size = *h.ByteLength
	}
	return s
}
