package p2p

import (
	"fmt"

	"github.com/WendelHime/fileswarm/internal/decoder"
	"github.com/WendelHime/fileswarm/internal/shared/models"
)

// WriteHello sends the local hello as a single frame.
func WriteHello(c Conn, codec decoder.HelloCodec, h models.Hello) error {
	payload, err := codec.Encode(h)
	if err != nil {
		return err
	}
	if err := c.WriteMessage(models.PeerMessage{ID: models.MessageIDHello, Payload: payload}); err != nil {
		return fmt.Errorf("write hello: %w", err)
	}
	return nil
}

// ReadHello reads the next frame and decodes it as the remote hello. Any
// other message is a protocol violation.
func ReadHello(c Conn, codec decoder.HelloCodec) (models.Hello, error) {
	msg, err := c.ReadMessage()
	if err != nil {
		return models.Hello{}, fmt.Errorf("read hello: %w", err)
	}
	if msg.ID != models.MessageIDHello {
		return models.Hello{}, fmt.Errorf("%w: expected hello, got %s", models.ErrProtocol, msg.ID)
	}
	return codec.Decode(msg.Payload)
}
