package logic

import (
	"crypto/ed25519"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/WendelHime/fileswarm/internal/feed"
	"github.com/WendelHime/fileswarm/internal/overlay"
	"github.com/WendelHime/fileswarm/internal/shared/models"
	"github.com/WendelHime/fileswarm/internal/storage"
	"github.com/WendelHime/fileswarm/internal/swarm"
)

const (
	// SecretBytes is the size of the shared secret of an encrypted channel.
	SecretBytes = overlay.KeySize

	DefaultBlockSize    = 64 * 1024
	DefaultConcurrency  = 8
	DefaultFetchTimeout = 30 * time.Second
	DefaultMDNSBrowse   = 2 * time.Second
)

// Role is what a running instance does with the log it joins the swarm for.
type Role int

const (
	RoleSeed Role = iota
	RoleShare
	RoleDownload
	RoleStat
)

func (r Role) String() string {
	switch r {
	case RoleSeed:
		return "seed"
	case RoleShare:
		return "share"
	case RoleDownload:
		return "download"
	case RoleStat:
		return "stat"
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// Replication is the direction of the replication streams a role runs.
func (r Role) Replication() feed.ReplicateOptions {
	switch r {
	case RoleSeed:
		return feed.ReplicateOptions{Upload: true}
	case RoleShare:
		return feed.ReplicateOptions{Upload: true, Download: true, Live: true}
	case RoleDownload:
		return feed.ReplicateOptions{Download: true, Live: true}
	}
	return feed.ReplicateOptions{}
}

// Serving roles put an integrity link and their length in their hello.
func (r Role) Serving() bool {
	return r == RoleSeed || r == RoleShare
}

type NetworkOptions struct {
	// Listen is the UDP address of the QUIC listener.
	Listen string
	// Bootstrap peers are dialed for every topic.
	Bootstrap []string
	// Trackers are HTTP or UDP announce URLs.
	Trackers []string
	MDNS     bool
	// Interval between two lookups of the log's topic.
	Interval time.Duration
}

// Options configure seed, share, download and stat. Validate fills in the
// defaults.
type Options struct {
	// Secret enables the encrypted channel. It must be SecretBytes long.
	Secret []byte
	// Nonces holds one nonce per channel block. An in-memory storage is
	// used when a secret is given without one.
	Nonces storage.Storage
	// DisableChannel seeds the plaintext log even when a secret is set.
	DisableChannel bool
	// Key is the public key of the log to share, download or stat.
	Key []byte
	// ID overrides the random peer id.
	ID models.PeerID

	// BlockSize is the size of the blocks a seeded file is split into.
	BlockSize int
	// Concurrency bounds the fetches of the recovery sweep.
	Concurrency int
	// FetchTimeout bounds each fetch of the recovery sweep.
	FetchTimeout time.Duration

	// Filename and Pathspec are advertised in the hello of a seed.
	Filename string
	Pathspec string

	// Swarm overrides the QUIC swarm built from Network. The instance
	// destroys it when it closes.
	Swarm   swarm.Swarm
	Network NetworkOptions

	// Progress receives a progress bar while downloading.
	Progress io.Writer
	Logger   *slog.Logger
}

// Validate checks the options for role and fills in their defaults. It
// performs no I/O besides drawing a random peer id.
func (o *Options) Validate(role Role) error {
	if len(o.Secret) != 0 && len(o.Secret) != SecretBytes {
		return fmt.Errorf("%w: secret must be %d bytes, got %d", models.ErrValidation, SecretBytes, len(o.Secret))
	}
	switch role {
	case RoleShare, RoleDownload, RoleStat:
		if len(o.Key) != ed25519.PublicKeySize {
			return fmt.Errorf("%w: key must be %d bytes, got %d", models.ErrValidation, ed25519.PublicKeySize, len(o.Key))
		}
	case RoleSeed:
		if o.Key != nil {
			return fmt.Errorf("%w: a seed creates its own key", models.ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown %s", models.ErrValidation, role)
	}
	if o.BlockSize < 0 || o.Concurrency < 0 || o.FetchTimeout < 0 {
		return fmt.Errorf("%w: block size, concurrency and timeout must not be negative", models.ErrValidation)
	}

	if o.ID == nil {
		id, err := models.NewPeerID()
		if err != nil {
			return err
		}
		o.ID = id
	} else if !o.ID.Valid() {
		return fmt.Errorf("%w: id must be %d bytes, got %d", models.ErrValidation, models.PeerIDLength, len(o.ID))
	}
	if len(o.Secret) != 0 && o.Nonces == nil {
		o.Nonces = storage.NewMemory()
	}
	if o.BlockSize == 0 {
		o.BlockSize = DefaultBlockSize
	}
	if o.Concurrency == 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.FetchTimeout == 0 {
		o.FetchTimeout = DefaultFetchTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return nil
}

// encrypted reports whether a seed builds an encrypted channel.
func (o *Options) encrypted() bool {
	return len(o.Secret) != 0 && !o.DisableChannel
}

// cipher returns the channel cipher, or nil without a secret.
func (o *Options) cipher() (*overlay.Cipher, error) {
	if len(o.Secret) == 0 {
		return nil, nil
	}
	return overlay.NewCipher(o.Secret, o.Nonces)
}
