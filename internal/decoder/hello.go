package decoder

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/WendelHime/fileswarm/internal/shared/models"
	"github.com/jackpal/bencode-go"
)

// HelloCodec turns a Hello into a bencoded dictionary and back. Only present
// fields are written, so the encoding is self-describing and, because
// dictionary keys are sorted, deterministic.
type HelloCodec interface {
	Encode(models.Hello) ([]byte, error)
	Decode([]byte) (models.Hello, error)
}

type helloCodec struct{}

func NewHelloCodec() HelloCodec {
	return helloCodec{}
}

const (
	keyID         = "id"
	keyLink       = "link"
	keyLength     = "length"
	keyByteLength = "byteLength"
	keyFilename   = "filename"
	keyPathspec   = "pathspec"
	keyToken      = "token"
)

const maxInt64 = 1<<63 - 1

func (helloCodec) Encode(h models.Hello) ([]byte, error) {
	dict := make(map[string]interface{})
	if len(h.ID) > 0 {
		if !h.ID.Valid() {
			return nil, fmt.Errorf("%w: hello id must be %d bytes, got %d", models.ErrValidation, models.PeerIDLength, len(h.ID))
		}
		dict[keyID] = string(h.ID)
	}
	if len(h.Link) > 0 {
		dict[keyLink] = string(h.Link)
	}
	if h.Length != nil {
		if *h.Length > maxInt64 {
			return nil, fmt.Errorf("%w: hello length out of range", models.ErrValidation)
		}
		dict[keyLength] = int64(*h.Length)
	}
	if h.ByteLength != nil {
		if *h.ByteLength > maxInt64 {
			return nil, fmt.Errorf("%w: hello byte length out of range", models.ErrValidation)
		}
		dict[keyByteLength] = int64(*h.ByteLength)
	}
	if h.Filename != "" {
		dict[keyFilename] = h.Filename
	}
	if h.Pathspec != "" {
		dict[keyPathspec] = h.Pathspec
	}
	if len(h.Token) > 0 {
		dict[keyToken] = string(h.Token)
	}

	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, dict); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (helloCodec) Decode(b []byte) (models.Hello, error) {
	var h models.Hello
	r := bufio.NewReader(bytes.NewReader(b))
	v, err := bencode.Decode(r)
	if err != nil {
		return h, fmt.Errorf("%w: decode hello: %v", models.ErrProtocol, err)
	}
	if _, err := r.ReadByte(); err != io.EOF {
		return h, fmt.Errorf("%w: trailing bytes after hello", models.ErrProtocol)
	}

	dict, ok := v.(map[string]interface{})
	if !ok {
		return h, fmt.Errorf("%w: hello is not a dictionary", models.ErrProtocol)
	}

	for key, value := range dict {
		switch key {
		case keyID:
			s, ok := value.(string)
			if !ok || len(s) != models.PeerIDLength {
				return models.Hello{}, fmt.Errorf("%w: bad hello id", models.ErrProtocol)
			}
			h.ID = models.PeerID(s)
		case keyLink:
			s, ok := value.(string)
			if !ok || s == "" {
				return models.Hello{}, fmt.Errorf("%w: bad hello link", models.ErrProtocol)
			}
			h.Link = []byte(s)
		case keyLength, keyByteLength:
			n, ok := value.(int64)
			if !ok || n < 0 {
				return models.Hello{}, fmt.Errorf("%w: bad hello %s", models.ErrProtocol, key)
			}
			if key == keyLength {
				h.Length = models.Uint64(uint64(n))
			} else {
				h.ByteLength = models.Uint64(uint64(n))
			}
		case keyFilename, keyPathspec:
			s, ok := value.(string)
			if !ok {
				return models.Hello{}, fmt.Errorf("%w: bad hello %s", models.ErrProtocol, key)
			}
			if key == keyFilename {
				h.Filename = s
			} else {
				h.Pathspec = s
			}
		case keyToken:
			s, ok := value.(string)
			if !ok || s == "" {
				return models.Hello{}, fmt.Errorf("%w: bad hello token", models.ErrProtocol)
			}
			h.Token = []byte(s)
		}
	}

	return h, nil
}
