package logic

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/WendelHime/fileswarm/internal/decoder"
	"github.com/WendelHime/fileswarm/internal/feed"
	"github.com/WendelHime/fileswarm/internal/integrity"
	"github.com/WendelHime/fileswarm/internal/p2p"
	"github.com/WendelHime/fileswarm/internal/shared/models"
	"github.com/WendelHime/fileswarm/internal/storage"
	"github.com/WendelHime/fileswarm/internal/swarm"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLog(t *testing.T, blocks ...string) *feed.Feed {
	t.Helper()
	f, err := feed.New(storage.Memory(), feed.Options{Logger: discard()})
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	for _, b := range blocks {
		_, err := f.Append([]byte(b))
		require.NoError(t, err)
	}
	return f
}

// dial connects a raw test connection to the peer's swarm and reads the
// peer's hello.
func dial(t *testing.T, network *swarm.Network, target *swarm.Memory, topic []byte) (p2p.Conn, models.Hello) {
	t.Helper()
	raw := network.Swarm(discard())
	t.Cleanup(func() { raw.Destroy() })
	conns := make(chan io.ReadWriteCloser, 1)
	raw.Handle(func(c io.ReadWriteCloser, _ swarm.Info) { conns <- c })
	raw.Connect(target, topic)

	var c p2p.Conn
	select {
	case rw := <-conns:
		c = p2p.NewConn(rw)
	case <-time.After(5 * time.Second):
		t.Fatal("no connection")
	}
	h, err := p2p.ReadHello(c, decoder.NewHelloCodec())
	require.NoError(t, err)
	return c, h
}

func TestDownloadSession(t *testing.T) {
	source := newLog(t, "first", "second")
	link, err := integrity.Head(source)
	require.NoError(t, err)
	otherLink, err := integrity.Head(newLog(t, "unrelated"))
	require.NoError(t, err)

	var tests = []struct {
		name   string
		hello  func(id models.PeerID) models.Hello
		assert func(t *testing.T, dl *Peer, c p2p.Conn)
	}{
		{
			name: "peer without a link is refused",
			hello: func(id models.PeerID) models.Hello {
				return models.Hello{ID: id, Length: models.Uint64(2)}
			},
			assert: func(t *testing.T, dl *Peer, c p2p.Conn) {
				_, err := c.ReadMessage()
				assert.ErrorIs(t, err, io.EOF)
				assert.Equal(t, 1.0, testutil.ToFloat64(dl.metrics.SessionsRejected))
			},
		},
		{
			name: "peer without a length is refused",
			hello: func(id models.PeerID) models.Hello {
				return models.Hello{ID: id, Link: link}
			},
			assert: func(t *testing.T, dl *Peer, c p2p.Conn) {
				_, err := c.ReadMessage()
				assert.ErrorIs(t, err, io.EOF)
				assert.Equal(t, 1.0, testutil.ToFloat64(dl.metrics.SessionsRejected))
			},
		},
		{
			name: "peer without an id is refused",
			hello: func(models.PeerID) models.Hello {
				return models.Hello{Link: link, Length: models.Uint64(2)}
			},
			assert: func(t *testing.T, dl *Peer, c p2p.Conn) {
				_, err := c.ReadMessage()
				assert.ErrorIs(t, err, io.EOF)
				assert.Equal(t, 1.0, testutil.ToFloat64(dl.metrics.SessionsRejected))
			},
		},
		{
			name: "link of another log fails verification",
			hello: func(id models.PeerID) models.Hello {
				return models.Hello{ID: id, Link: otherLink, Length: models.Uint64(1)}
			},
			assert: func(t *testing.T, dl *Peer, c p2p.Conn) {
				_, err := c.ReadMessage()
				assert.ErrorIs(t, err, io.EOF)
				assert.Equal(t, 1.0, testutil.ToFloat64(dl.metrics.LinksFailed))
				assert.Zero(t, testutil.ToFloat64(dl.metrics.LinksVerified))
			},
		},
		{
			name: "valid link starts replication",
			hello: func(id models.PeerID) models.Hello {
				return models.Hello{ID: id, Link: link, Length: models.Uint64(2)}
			},
			assert: func(t *testing.T, dl *Peer, c p2p.Conn) {
				msg, err := c.ReadMessage()
				require.NoError(t, err)
				assert.Equal(t, models.MessageIDOptions, msg.ID)
				assert.Equal(t, 1.0, testutil.ToFloat64(dl.metrics.LinksVerified))
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			network := swarm.NewNetwork()
			target := network.Swarm(discard())
			dl, err := Download(context.Background(), storage.Memory(), Options{
				Key:    source.Key(),
				Swarm:  target,
				Logger: discard(),
			})
			require.NoError(t, err)
			defer dl.Close()

			c, h := dial(t, network, target, dl.DiscoveryKey())
			assert.True(t, h.ID.Valid())
			assert.Empty(t, h.Link)
			assert.Nil(t, h.Length)

			id, err := models.NewPeerID()
			require.NoError(t, err)
			require.NoError(t, p2p.WriteHello(c, decoder.NewHelloCodec(), tt.hello(id)))
			tt.assert(t, dl, c)
		})
	}
}

func TestSeedHello(t *testing.T) {
	network := swarm.NewNetwork()
	target := network.Swarm(discard())
	seed, err := Seed(context.Background(), writeFile(t, []byte("0123456789")), storage.Memory(), Options{
		BlockSize: 4,
		Pathspec:  "docs/digits.txt",
		Swarm:     target,
		Logger:    discard(),
	})
	require.NoError(t, err)
	defer seed.Close()

	c, h := dial(t, network, target, seed.DiscoveryKey())
	assert.Equal(t, models.Uint64(3), h.Length)
	assert.Equal(t, models.Uint64(10), h.ByteLength)
	assert.Equal(t, "movie.bin", h.Filename)
	assert.Equal(t, "docs/digits.txt", h.Pathspec)
	require.NoError(t, integrity.Verify(seed.Feed(), h.Link))

	// a hello carrying the seed's own id
	require.NoError(t, p2p.WriteHello(c, decoder.NewHelloCodec(), models.Hello{ID: h.ID}))
	_, err = c.ReadMessage()
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 1.0, testutil.ToFloat64(seed.metrics.SessionsDropped))
}

func TestSeedKeepsSmallestDialerToken(t *testing.T) {
	small := bytes.Repeat([]byte{0x01}, models.TokenLength)
	large := bytes.Repeat([]byte{0x02}, models.TokenLength)

	var tests = []struct {
		name    string
		tokens  [2][]byte
		dropped int
	}{
		{name: "later connection with a smaller token replaces the first", tokens: [2][]byte{large, small}, dropped: 0},
		{name: "later connection with a larger token is dropped", tokens: [2][]byte{small, large}, dropped: 1},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			network := swarm.NewNetwork()
			target := network.Swarm(discard())
			seed, err := Seed(context.Background(), writeFile(t, []byte("0123456789")), storage.Memory(), Options{
				BlockSize: 4,
				Swarm:     target,
				Logger:    discard(),
			})
			require.NoError(t, err)
			defer seed.Close()

			id, err := models.NewPeerID()
			require.NoError(t, err)

			var conns [2]p2p.Conn
			for i, token := range tt.tokens {
				c, _ := dial(t, network, target, seed.DiscoveryKey())
				require.NoError(t, p2p.WriteHello(c, decoder.NewHelloCodec(), models.Hello{ID: id, Token: token}))
				conns[i] = c
				// the first connection must hold the slot before the second one arrives
				require.Eventually(t, func() bool { return seed.dedup.Active(id) }, 5*time.Second, 10*time.Millisecond)
			}

			kept := conns[1-tt.dropped]
			msg, err := kept.ReadMessage()
			require.NoError(t, err)
			assert.Equal(t, models.MessageIDOptions, msg.ID)

			for {
				if _, err := conns[tt.dropped].ReadMessage(); err != nil {
					break
				}
			}
			assert.Eventually(t, func() bool {
				return testutil.ToFloat64(seed.metrics.Replicating) == 1
			}, 5*time.Second, 10*time.Millisecond)
			assert.Equal(t, 1, seed.dedup.Len())
			assert.True(t, seed.dedup.Active(id))
		})
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "link_verify_failed", StateLinkVerifyFailed.String())
	assert.Equal(t, "state(42)", State(42).String())
}
