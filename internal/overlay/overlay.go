// Package overlay keeps an encrypted mirror ("channel") of a plaintext feed.
// Every channel block is XSalsa20 ciphertext under a shared secret and a
// random nonce stored at the block's index in a nonce storage.
package overlay

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/WendelHime/fileswarm/internal/feed"
	"github.com/WendelHime/fileswarm/internal/shared/models"
	"github.com/WendelHime/fileswarm/internal/storage"
	"golang.org/x/crypto/salsa20"
)

const (
	KeySize   = 32
	NonceSize = 24
)

var ErrMissingNonce = errors.New("missing nonce")

// Cipher encrypts and decrypts channel blocks by index.
type Cipher struct {
	secret [KeySize]byte
	nonces storage.Storage
}

func NewCipher(secret []byte, nonces storage.Storage) (*Cipher, error) {
	if len(secret) != KeySize {
		return nil, fmt.Errorf("%w: secret must be %d bytes, got %d", models.ErrValidation, KeySize, len(secret))
	}
	if nonces == nil {
		return nil, fmt.Errorf("%w: nonce storage is required", models.ErrValidation)
	}
	c := &Cipher{nonces: nonces}
	copy(c.secret[:], secret)
	return c, nil
}

// Encrypt draws a fresh nonce for block index, stores it in the nonce slot of
// that index and returns the ciphertext. It has the shape of a feed write
// hook.
func (c *Cipher) Encrypt(index uint64, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: draw nonce: %v", models.ErrResource, err)
	}
	if _, err := c.nonces.WriteAt(nonce, int64(index)*NonceSize); err != nil {
		return nil, fmt.Errorf("%w: write nonce %d: %v", models.ErrResource, index, err)
	}
	out := make([]byte, len(plaintext))
	salsa20.XORKeyStream(out, plaintext, nonce, &c.secret)
	return out, nil
}

// Decrypt reverses Encrypt for block index using the nonce stored for it.
func (c *Cipher) Decrypt(index uint64, ciphertext []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize)
	n, err := c.nonces.ReadAt(nonce, int64(index)*NonceSize)
	if n < NonceSize {
		if err == nil || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: block %d", ErrMissingNonce, index)
		}
		return nil, fmt.Errorf("%w: read nonce %d: %v", models.ErrResource, index, err)
	}
	out := make([]byte, len(ciphertext))
	salsa20.XORKeyStream(out, ciphertext, nonce, &c.secret)
	return out, nil
}

// Build opens the channel of source in the storages of factory and copies
// every source block not yet mirrored into it. The channel shares the source
// key pair, so it is announced under the same key. On failure the channel is
// closed and nil is returned.
func Build(ctx context.Context, source *feed.Feed, factory storage.Factory, cipher *Cipher, logger *slog.Logger) (*feed.Feed, error) {
	if !source.Writable() {
		return nil, fmt.Errorf("build channel: %w", feed.ErrNotWritable)
	}
	channel, err := feed.New(factory, feed.Options{
		Key:       source.Key(),
		SecretKey: source.SecretKey(),
		OnWrite:   cipher.Encrypt,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}

	r := source.Reader(channel.Length())
	w := channel.Writer()
	for {
		index := r.Index()
		block, err := r.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err == nil {
			err = w.Write(block)
		}
		if err != nil {
			channel.Close()
			return nil, fmt.Errorf("copy block %d into channel: %w", index, err)
		}
	}

	logger.Debug("channel ready", slog.Uint64("length", channel.Length()), slog.Uint64("byteLength", channel.ByteLength()))
	return channel, nil
}

// Export writes every block of log to w in order, decrypting each with
// cipher when it is set.
func Export(ctx context.Context, log *feed.Feed, cipher *Cipher, w io.Writer) error {
	r := log.Reader(0)
	for {
		index := r.Index()
		block, err := r.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read block %d: %w", index, err)
		}
		if cipher != nil {
			if block, err = cipher.Decrypt(index, block); err != nil {
				return err
			}
		}
		if _, err := w.Write(block); err != nil {
			return fmt.Errorf("%w: write block %d: %v", models.ErrResource, index, err)
		}
	}
}
