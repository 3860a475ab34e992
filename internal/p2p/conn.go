package p2p

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/WendelHime/fileswarm/internal/decoder"
	"github.com/WendelHime/fileswarm/internal/shared/models"
)

// MaxMessageSize bounds a single framed message, id byte included.
const MaxMessageSize = 32 << 20

var ErrMessageTooLarge = errors.New("message too large")

// Conn frames messages over a duplex stream as a 4 byte big endian length,
// one message id byte and the payload. Writes are serialized; reads are
// expected from a single goroutine.
type Conn interface {
	ReadMessage() (models.PeerMessage, error)
	WriteMessage(msg models.PeerMessage) error
	Close() error
}

type conn struct {
	rw io.ReadWriteCloser
	mu sync.Mutex
}

func NewConn(rw io.ReadWriteCloser) Conn {
	return &conn{rw: rw}
}

func (c *conn) Close() error {
	return c.rw.Close()
}

func (c *conn) WriteMessage(msg models.PeerMessage) error {
	length := len(msg.Payload) + 1
	if length > MaxMessageSize {
		return fmt.Errorf("%w: %s message of %d bytes: %w", models.ErrProtocol, msg.ID, length, ErrMessageTooLarge)
	}
	buf := make([]byte, 5, 5+len(msg.Payload))
	binary.BigEndian.PutUint32(buf, uint32(length))
	buf[4] = byte(msg.ID)
	buf = append(buf, msg.Payload...)

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.rw.Write(buf)
	return err
}

func (c *conn) ReadMessage() (models.PeerMessage, error) {
	// only a close before the first byte of a frame is a clean end of stream
	first, err := decoder.ReadBytes(c.rw, 1)
	if err != nil {
		return models.PeerMessage{}, err
	}
	rest, err := decoder.ReadBytes(c.rw, 3)
	if err != nil {
		return models.PeerMessage{}, unexpected(err)
	}
	msgLengthBuff := append(first, rest...)

	msgLength := int(binary.BigEndian.Uint32(msgLengthBuff))
	if msgLength == 0 {
		return models.PeerMessage{}, fmt.Errorf("%w: empty frame", models.ErrProtocol)
	}
	if msgLength > MaxMessageSize {
		return models.PeerMessage{}, fmt.Errorf("%w: frame of %d bytes: %w", models.ErrProtocol, msgLength, ErrMessageTooLarge)
	}

	messageID, err := decoder.ReadBytes(c.rw, 1)
	if err != nil {
		return models.PeerMessage{}, unexpected(err)
	}

	payload := make([]byte, 0)
	if msgLength > 1 {
		payload, err = decoder.ReadBytes(c.rw, msgLength-1)
		if err != nil {
			return models.PeerMessage{}, unexpected(err)
		}
	}

	return models.PeerMessage{
		ID:      models.MessageID(messageID[0]),
		Payload: payload,
	}, nil
}

// unexpected turns an EOF in the middle of a frame into a framing violation.
func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: truncated frame: %w", models.ErrProtocol, io.ErrUnexpectedEOF)
	}
	return err
}
