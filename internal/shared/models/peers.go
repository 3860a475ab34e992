package models

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// PeerIDLength is the size of a PeerID in bytes.
const PeerIDLength = 32

type PeerMessage struct {
	ID      MessageID
	Payload []byte
}

// PeerID identifies one running seed, share, download or stat instance. It is
// only used to break ties between duplicate connections, never to authenticate.
type PeerID []byte

func NewPeerID() (PeerID, error) {
	id := make([]byte, PeerIDLength)
	if _, err := rand.Read(id); err != nil {
		return nil, fmt.Errorf("%w: generate peer id: %v", ErrResource, err)
	}
	return id, nil
}

func (p PeerID) String() string {
	return hex.EncodeToString(p)
}

func (p PeerID) Compare(other PeerID) int {
	return bytes.Compare(p, other)
}

func (p PeerID) Valid() bool {
	return len(p) == PeerIDLength
}
