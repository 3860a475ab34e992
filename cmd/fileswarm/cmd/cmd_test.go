package cmd_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/WendelHime/fileswarm/cmd/fileswarm/cmd"
	"github.com/WendelHime/fileswarm/internal/shared/models"
	"github.com/WendelHime/fileswarm/internal/swarm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCommand(t *testing.T, network *swarm.Network, opts ...cmd.Option) *cmd.Command {
	t.Helper()
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))
	base := []cmd.Option{
		cmd.WithErrorOutput(io.Discard),
		cmd.WithSwarm(func() swarm.Swarm { return network.Swarm(discard) }),
	}
	c, err := cmd.NewCommand(append(base, opts...)...)
	require.NoError(t, err)
	return c
}

// seed runs the seed command in the background and returns the printed key.
func seed(t *testing.T, network *swarm.Network, path string, args ...string) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r, w := io.Pipe()
	c := newCommand(t, network,
		cmd.WithContext(ctx),
		cmd.WithArgs(append([]string{"seed", path}, args...)...),
		cmd.WithOutput(w),
	)
	errs := make(chan error, 1)
	go func() {
		errs <- c.Execute()
		w.Close()
	}()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-errs)
	})

	line, err := bufio.NewReader(r).ReadString('\n')
	require.NoError(t, err)
	go io.Copy(io.Discard, r)
	return strings.TrimSpace(line)
}

func writeFile(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, content, 0644))
	return path
}

func TestSeedDownloadCmd(t *testing.T) {
	content := bytes.Repeat([]byte("swarm "), 500)
	network := swarm.NewNetwork()
	key := seed(t, network, writeFile(t, "notes.txt", content), "--block-size", "512")
	assert.Len(t, key, 64)

	var tests = []struct {
		name string
		args func(out string) []string
	}{
		{
			name: "plain",
			args: func(out string) []string { return []string{"download", key, out, "--progress=false"} },
		},
		{
			name: "with progress and truncate",
			args: func(out string) []string { return []string{"download", key, out, "--truncate"} },
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			out := filepath.Join(t.TempDir(), "copy.txt")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			var stdout bytes.Buffer
			err := newCommand(t, network,
				cmd.WithContext(ctx),
				cmd.WithArgs(tt.args(out)...),
				cmd.WithOutput(&stdout),
			).Execute()
			require.NoError(t, err)
			assert.Equal(t, out+"\n", stdout.String())

			got, err := os.ReadFile(out)
			require.NoError(t, err)
			assert.Equal(t, content, got)
		})
	}
}

func TestEncryptedSeedDownloadCmd(t *testing.T) {
	content := bytes.Repeat([]byte("hidden "), 300)
	secret := strings.Repeat("5a", 32)
	nonces := filepath.Join(t.TempDir(), "nonces")
	network := swarm.NewNetwork()
	key := seed(t, network, writeFile(t, "secret.txt", content), "--secret", secret, "--nonces", nonces, "--block-size", "256")

	out := filepath.Join(t.TempDir(), "secret.txt")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := newCommand(t, network,
		cmd.WithContext(ctx),
		cmd.WithArgs("download", key, out, "--secret", secret, "--nonces", nonces, "--progress=false"),
		cmd.WithOutput(io.Discard),
	).Execute()
	require.NoError(t, err)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestStatCmd(t *testing.T) {
	network := swarm.NewNetwork()
	key := seed(t, network, writeFile(t, "report.pdf", make([]byte, 3000)), "--block-size", "1000")

	var stdout bytes.Buffer
	err := newCommand(t, network,
		cmd.WithArgs("stat", key, "--timeout", "5s"),
		cmd.WithOutput(&stdout),
	).Execute()
	require.NoError(t, err)

	var stats models.Stats
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &stats))
	assert.Equal(t, models.Stats{Key: key, Size: 3000, Blocks: 3, Filename: "report.pdf"}, stats)
}

func TestDownloadCmdNamesFileAfterSeed(t *testing.T) {
	content := []byte("named by the seed")
	network := swarm.NewNetwork()
	key := seed(t, network, writeFile(t, "named.txt", content))

	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = newCommand(t, network,
		cmd.WithContext(ctx),
		cmd.WithArgs("download", key, "--progress=false", "--timeout", "5s"),
		cmd.WithOutput(io.Discard),
	).Execute()
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(dir, "named.txt"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestCmdErrors(t *testing.T) {
	var tests = []struct {
		name   string
		args   []string
		assert func(t *testing.T, err error)
	}{
		{
			name: "stat with a malformed key",
			args: []string{"stat", "not-hex"},
			assert: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, models.ErrValidation)
			},
		},
		{
			name: "download with a short key",
			args: []string{"download", "abcd", "out"},
			assert: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, models.ErrValidation)
			},
		},
		{
			name: "seed of a missing file",
			args: []string{"seed", filepath.Join(os.TempDir(), "fileswarm-missing", "file")},
			assert: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, models.ErrResource)
			},
		},
		{
			name: "seed with a bad secret",
			args: []string{"seed", "file", "--secret", "abc"},
			assert: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, models.ErrValidation)
			},
		},
		{
			name: "unknown verbosity",
			args: []string{"stat", strings.Repeat("00", 32), "--verbosity", "chatty"},
			assert: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, models.ErrValidation)
			},
		},
		{
			name: "missing argument",
			args: []string{"share"},
			assert: func(t *testing.T, err error) {
				assert.Error(t, err)
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := newCommand(t, swarm.NewNetwork(),
				cmd.WithArgs(tt.args...),
				cmd.WithOutput(io.Discard),
			).Execute()
			tt.assert(t, err)
		})
	}
}
