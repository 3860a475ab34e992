// Package config loads the settings shared by every fileswarm command from
// flags, FILESWARM_* environment variables and an optional config file.
package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/WendelHime/fileswarm/internal/logic"
	"github.com/WendelHime/fileswarm/internal/shared/models"
	"github.com/WendelHime/fileswarm/internal/storage"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	OptionNameSecret      = "secret"
	OptionNameNonces      = "nonces"
	OptionNameChannel     = "channel"
	OptionNameTruncate    = "truncate"
	OptionNameID          = "id"
	OptionNameBlockSize   = "block-size"
	OptionNameConcurrency = "concurrency"
	OptionNameTimeout     = "timeout"
	OptionNameListen      = "listen"
	OptionNameBootstrap   = "bootstrap"
	OptionNameTrackers    = "tracker"
	OptionNameMDNS        = "mdns"
	OptionNameInterval    = "lookup-interval"
	OptionNameDataDir     = "data-dir"
	OptionNamePathspec    = "pathspec"
	OptionNameVerbosity   = "verbosity"
	OptionNameMetricsAddr = "metrics-addr"
	OptionNameNoncesAddr  = "nonces-addr"
	OptionNameProgress    = "progress"

	envPrefix = "fileswarm"
)

// Config is the flat set of settings a command runs with.
type Config struct {
	// Secret is the hex encoded channel secret.
	Secret string
	// Nonces is a file path or an http(s) URL. Empty keeps nonces in memory.
	Nonces      string
	Channel     bool
	Truncate    bool
	ID          string
	BlockSize   int
	Concurrency int
	Timeout     time.Duration
	Listen      string
	Bootstrap   []string
	Trackers    []string
	MDNS        bool
	Interval    time.Duration
	// DataDir keeps the log metadata on disk. Empty keeps it in memory.
	DataDir     string
	Pathspec    string
	Verbosity   string
	MetricsAddr string
	NoncesAddr  string
	Progress    bool
}

// Default is the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Channel:     true,
		BlockSize:   logic.DefaultBlockSize,
		Concurrency: logic.DefaultConcurrency,
		Timeout:     logic.DefaultFetchTimeout,
		Listen:      ":0",
		MDNS:        true,
		Interval:    30 * time.Second,
		Verbosity:   "info",
		Progress:    true,
	}
}

// BindFlags registers every option on flags with its default value.
func BindFlags(flags *pflag.FlagSet) {
	d := Default()
	flags.String(OptionNameSecret, d.Secret, "hex encoded 32 byte secret of the encrypted channel")
	flags.String(OptionNameNonces, d.Nonces, "nonce store: a file path or an http(s) URL")
	flags.Bool(OptionNameChannel, d.Channel, "seed through the encrypted channel when a secret is set")
	flags.Bool(OptionNameTruncate, d.Truncate, "truncate the output file before downloading")
	flags.String(OptionNameID, d.ID, "hex encoded 32 byte peer id (random by default)")
	flags.Int(OptionNameBlockSize, d.BlockSize, "size in bytes of the blocks a seeded file is split into")
	flags.Int(OptionNameConcurrency, d.Concurrency, "parallel fetches while recovering missing blocks")
	flags.Duration(OptionNameTimeout, d.Timeout, "timeout of each missing block fetch")
	flags.String(OptionNameListen, d.Listen, "UDP address of the QUIC listener")
	flags.StringSlice(OptionNameBootstrap, d.Bootstrap, "peer addresses dialed for every log")
	flags.StringSlice(OptionNameTrackers, d.Trackers, "HTTP or UDP tracker announce URLs")
	flags.Bool(OptionNameMDNS, d.MDNS, "discover peers on the local network")
	flags.Duration(OptionNameInterval, d.Interval, "interval between two peer lookups")
	flags.String(OptionNameDataDir, d.DataDir, "directory keeping log metadata (in memory by default)")
	flags.String(OptionNamePathspec, d.Pathspec, "path advertised next to the file name")
	flags.String(OptionNameVerbosity, d.Verbosity, "log verbosity: debug, info, warn or error")
	flags.String(OptionNameMetricsAddr, d.MetricsAddr, "serve prometheus metrics on this address")
	flags.String(OptionNameNoncesAddr, d.NoncesAddr, "serve the nonce store over HTTP on this address")
	flags.Bool(OptionNameProgress, d.Progress, "show a progress bar while downloading")
}

// New returns a viper instance reading flags, FILESWARM_* variables and, when
// cfgFile is set, that file.
func New(cfgFile string, flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	if err := v.BindPFlags(flags); err != nil {
		return nil, err
	}
	if cfgFile == "" {
		return v, nil
	}

	v.SetConfigFile(cfgFile)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return v, nil
		}
		return nil, fmt.Errorf("%w: read config %s: %v", models.ErrValidation, cfgFile, err)
	}
	return v, nil
}

// Load reads the configuration out of v.
func Load(v *viper.Viper) Config {
	return Config{
		Secret:      v.GetString(OptionNameSecret),
		Nonces:      v.GetString(OptionNameNonces),
		Channel:     v.GetBool(OptionNameChannel),
		Truncate:    v.GetBool(OptionNameTruncate),
		ID:          v.GetString(OptionNameID),
		BlockSize:   v.GetInt(OptionNameBlockSize),
		Concurrency: v.GetInt(OptionNameConcurrency),
		Timeout:     v.GetDuration(OptionNameTimeout),
		Listen:      v.GetString(OptionNameListen),
		Bootstrap:   v.GetStringSlice(OptionNameBootstrap),
		Trackers:    v.GetStringSlice(OptionNameTrackers),
		MDNS:        v.GetBool(OptionNameMDNS),
		Interval:    v.GetDuration(OptionNameInterval),
		DataDir:     v.GetString(OptionNameDataDir),
		Pathspec:    v.GetString(OptionNamePathspec),
		Verbosity:   v.GetString(OptionNameVerbosity),
		MetricsAddr: v.GetString(OptionNameMetricsAddr),
		NoncesAddr:  v.GetString(OptionNameNoncesAddr),
		Progress:    v.GetBool(OptionNameProgress),
	}
}

// Options converts c into the options of a seed, share, download or stat.
// A nonce store given as a path is opened here.
func (c Config) Options(logger *slog.Logger) (logic.Options, error) {
	opts := logic.Options{
		DisableChannel: !c.Channel,
		BlockSize:      c.BlockSize,
		Concurrency:    c.Concurrency,
		FetchTimeout:   c.Timeout,
		Pathspec:       c.Pathspec,
		Network: logic.NetworkOptions{
			Listen:    c.Listen,
			Bootstrap: c.Bootstrap,
			Trackers:  c.Trackers,
			MDNS:      c.MDNS,
			Interval:  c.Interval,
		},
		Logger: logger,
	}

	var err error
	if opts.Secret, err = decodeHex(OptionNameSecret, c.Secret, logic.SecretBytes); err != nil {
		return logic.Options{}, err
	}
	id, err := decodeHex(OptionNameID, c.ID, models.PeerIDLength)
	if err != nil {
		return logic.Options{}, err
	}
	if id != nil {
		opts.ID = id
	}

	switch {
	case c.Nonces == "":
	case strings.HasPrefix(c.Nonces, "http://"), strings.HasPrefix(c.Nonces, "https://"):
		opts.Nonces = storage.HTTP(c.Nonces, nil)
	default:
		if opts.Nonces, err = storage.File(c.Nonces, false); err != nil {
			return logic.Options{}, err
		}
	}
	return opts, nil
}

// Factory is where the log metadata of a command is stored.
func (c Config) Factory() storage.Factory {
	if c.DataDir == "" {
		return storage.Memory()
	}
	return storage.Dir(c.DataDir, c.Truncate)
}

// Logger returns a JSON logger writing to w at the configured verbosity.
func (c Config) Logger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Verbosity)); err != nil {
		return nil, fmt.Errorf("%w: verbosity %q", models.ErrValidation, c.Verbosity)
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})), nil
}

// ParseKey decodes the hex encoded public key of a log.
func ParseKey(s string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: missing key", models.ErrValidation)
	}
	return decodeHex("key", s, ed25519.PublicKeySize)
}

func decodeHex(name, s string, size int) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not hex: %v", models.ErrValidation, name, err)
	}
	if len(b) != size {
		return nil, fmt.Errorf("%w: %s must be %d bytes, got %d", models.ErrValidation, name, size, len(b))
	}
	return b, nil
}
