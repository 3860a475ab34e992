// Package swarm finds peers interested in a topic and hands every connection
// made with them to a handler.
package swarm

import (
	"encoding/hex"
	"errors"
	"io"
)

var ErrDestroyed = errors.New("swarm destroyed")

// Info describes a new connection.
type Info struct {
	// Client is true on the side that dialed.
	Client bool
	Topic  []byte
	Remote string
}

type Handler func(conn io.ReadWriteCloser, info Info)

type JoinOptions struct {
	// Announce makes this peer findable under the topic.
	Announce bool
	// Lookup connects to the peers announced under the topic.
	Lookup bool
}

type Swarm interface {
	// Handle sets the handler of new connections. It must be set before
	// the first Join.
	Handle(h Handler)
	Join(topic []byte, opts JoinOptions) error
	// Leave stops announcing and looking up topic. Open connections stay
	// open.
	Leave(topic []byte) error
	// Destroy leaves every topic and closes every open connection.
	Destroy() error
}

func topicKey(topic []byte) string {
	return hex.EncodeToString(topic)
}
