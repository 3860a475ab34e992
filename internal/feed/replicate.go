package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/WendelHime/fileswarm/internal/p2p"
	"github.com/WendelHime/fileswarm/internal/shared/models"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// requestWindow bounds the requests of a bulk pass waiting for an answer.
	requestWindow = 16
	flushTimeout  = 5 * time.Second
)

type ReplicateOptions struct {
	Upload   bool
	Download bool
	// Live keeps the stream open after both sides are done so later appends
	// keep flowing.
	Live bool
}

type optionsMessage struct {
	Upload   bool `msgpack:"upload"`
	Download bool `msgpack:"download"`
	Live     bool `msgpack:"live"`
}

type haveRecord struct {
	Size      uint64 `msgpack:"size"`
	Hash      []byte `msgpack:"hash"`
	Root      []byte `msgpack:"root"`
	Signature []byte `msgpack:"signature"`
	Present   bool   `msgpack:"present"`
}

type haveMessage struct {
	Start   uint64       `msgpack:"start"`
	Records []haveRecord `msgpack:"records"`
}

type requestMessage struct {
	Index uint64 `msgpack:"index"`
}

type dataMessage struct {
	Index uint64 `msgpack:"index"`
	Value []byte `msgpack:"value"`
}

type stream struct {
	feed *Feed
	conn p2p.Conn
	opts ReplicateOptions
	log  *slog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	outbox []models.PeerMessage
	ending bool

	remote     optionsMessage
	gotOptions bool
	gotHave    bool
	wantsSent  bool
	remoteHas  []bool
	inflight   map[uint64]bool
	cursor     uint64
	synced     bool
	announced  uint64
	localDone  bool
	remoteDone bool

	closeOnce  sync.Once
	writerDone chan struct{}
}

// Replicate runs one replication stream over c until the remote ends it, both
// sides are done with a non live stream, ctx is cancelled or the feed closes.
// A clean end of the remote stream is not an error.
func (f *Feed) Replicate(ctx context.Context, c p2p.Conn, opts ReplicateOptions) error {
	s := &stream{
		feed:       f,
		conn:       c,
		opts:       opts,
		log:        f.log.With(slog.Bool("upload", opts.Upload), slog.Bool("download", opts.Download)),
		inflight:   make(map[uint64]bool),
		writerDone: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	if err := f.addStream(s); err != nil {
		return err
	}
	defer f.removeStream(s)

	go s.writeLoop()
	stop := context.AfterFunc(ctx, s.close)
	defer stop()

	s.mu.Lock()
	s.sendLocked(models.MessageIDOptions, optionsMessage{Upload: opts.Upload, Download: opts.Download, Live: opts.Live})
	if opts.Upload {
		s.announceLocked()
	}
	if !opts.Download {
		s.localDone = true
		s.sendLocked(models.MessageIDDone, nil)
	}
	s.mu.Unlock()

	err := s.readLoop()
	s.finish()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *stream) readLoop() error {
	for {
		msg, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.feed.done:
				return ErrClosed
			default:
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}

		if err := s.handle(msg); err != nil {
			s.log.Warn("replication message rejected", slog.String("message", msg.ID.String()), slog.Any("error", err))
			return err
		}

		s.mu.Lock()
		end := s.localDone && s.remoteDone && !s.opts.Live && !s.remote.Live
		s.mu.Unlock()
		if end {
			return nil
		}
	}
}

func (s *stream) handle(msg models.PeerMessage) error {
	switch msg.ID {
	case models.MessageIDOptions:
		var m optionsMessage
		if err := decode(msg, &m); err != nil {
			return err
		}
		s.mu.Lock()
		s.remote = m
		s.gotOptions = true
		s.mu.Unlock()
		s.pump()
	case models.MessageIDHave:
		var m haveMessage
		if err := decode(msg, &m); err != nil {
			return err
		}
		return s.onHave(m)
	case models.MessageIDRequest:
		var m requestMessage
		if err := decode(msg, &m); err != nil {
			return err
		}
		s.onRequest(m.Index)
	case models.MessageIDData:
		var m dataMessage
		if err := decode(msg, &m); err != nil {
			return err
		}
		return s.onData(m)
	case models.MessageIDNoData:
		var m requestMessage
		if err := decode(msg, &m); err != nil {
			return err
		}
		s.mu.Lock()
		delete(s.inflight, m.Index)
		s.mu.Unlock()
		s.log.Debug("peer has no data for block", slog.Uint64("index", m.Index))
		s.pump()
	case models.MessageIDDone:
		s.mu.Lock()
		s.remoteDone = true
		s.mu.Unlock()
	default:
		return fmt.Errorf("%w: unexpected %s message", models.ErrProtocol, msg.ID)
	}
	return nil
}

func decode(msg models.PeerMessage, v any) error {
	if err := msgpack.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("%w: decode %s message: %v", models.ErrProtocol, msg.ID, err)
	}
	return nil
}

func (s *stream) onHave(m haveMessage) error {
	if !s.opts.Download {
		return nil
	}
	entries := make([]SignedEntry, len(m.Records))
	for i, r := range m.Records {
		entries[i] = SignedEntry{
			Index:     m.Start + uint64(i),
			Size:      r.Size,
			Hash:      r.Hash,
			Root:      r.Root,
			Signature: r.Signature,
		}
	}
	if _, err := s.feed.putEntries(entries); err != nil {
		return fmt.Errorf("%w: %w", models.ErrProtocol, err)
	}

	s.mu.Lock()
	s.gotHave = true
	for i, r := range m.Records {
		index := m.Start + uint64(i)
		for uint64(len(s.remoteHas)) <= index {
			s.remoteHas = append(s.remoteHas, false)
		}
		if !r.Present {
			continue
		}
		s.remoteHas[index] = true
		if !s.inflight[index] && !s.feed.Has(index) {
			s.synced = false
			if index < s.cursor {
				s.cursor = index
			}
		}
	}
	s.mu.Unlock()
	s.pump()
	return nil
}

func (s *stream) onRequest(index uint64) {
	var data []byte
	var err error
	if !s.opts.Upload {
		err = ErrNotFound
	} else if s.feed.Has(index) {
		data, err = s.feed.read(index)
	} else {
		err = ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.log.Debug("cannot serve block", slog.Uint64("index", index), slog.Any("error", err))
		s.sendLocked(models.MessageIDNoData, requestMessage{Index: index})
		return
	}
	s.sendLocked(models.MessageIDData, dataMessage{Index: index, Value: data})
}

func (s *stream) onData(m dataMessage) error {
	if !s.opts.Download {
		return nil
	}
	s.mu.Lock()
	delete(s.inflight, m.Index)
	s.mu.Unlock()

	if err := s.feed.putData(m.Index, m.Value); err != nil {
		if !errors.Is(err, ErrInvalidBlock) && !errors.Is(err, ErrNotFound) {
			return err
		}
		s.log.Warn("dropping block", slog.Uint64("index", m.Index), slog.Any("error", err))
	}
	s.pump()
	return nil
}

// pump keeps the bulk pass' request window full, fires sync when the pass
// drains and tells the remote once nothing it has is missing locally.
func (s *stream) pump() {
	if !s.opts.Download {
		return
	}

	s.mu.Lock()
	ready := s.gotOptions && (!s.remote.Upload || s.gotHave)
	if !ready {
		s.mu.Unlock()
		return
	}
	if !s.wantsSent {
		s.wantsSent = true
		for _, index := range s.feed.wanted() {
			s.requestLocked(index)
		}
	}
	for len(s.inflight) < requestWindow && s.cursor < uint64(len(s.remoteHas)) {
		index := s.cursor
		s.cursor++
		if s.remoteHas[index] && !s.feed.Has(index) {
			s.requestLocked(index)
		}
	}

	drained := s.cursor >= uint64(len(s.remoteHas)) && len(s.inflight) == 0
	fireSync := drained && !s.synced
	if fireSync {
		s.synced = true
	}
	if drained && !s.localDone && s.completeLocked() {
		s.localDone = true
		s.sendLocked(models.MessageIDDone, nil)
	}
	s.mu.Unlock()

	if fireSync {
		s.feed.syncEvent.emit(struct{}{})
	}
}

func (s *stream) completeLocked() bool {
	for index, has := range s.remoteHas {
		if has && !s.feed.Has(uint64(index)) {
			return false
		}
	}
	return true
}

func (s *stream) requestLocked(index uint64) {
	if s.inflight[index] || !s.remote.Upload {
		return
	}
	s.inflight[index] = true
	s.sendLocked(models.MessageIDRequest, requestMessage{Index: index})
}

// want asks the remote for a block a caller is waiting on, outside of the
// bulk pass.
func (s *stream) want(index uint64) {
	if !s.opts.Download {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.wantsSent {
		// requested once the remote's options arrive
		return
	}
	s.requestLocked(index)
}

func (s *stream) announce() {
	if !s.opts.Upload {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.announceLocked()
}

func (s *stream) announceLocked() {
	entries, present := s.feed.entriesFrom(s.announced)
	if len(entries) == 0 && s.announced > 0 {
		return
	}
	records := make([]haveRecord, len(entries))
	for i, e := range entries {
		records[i] = haveRecord{Size: e.Size, Hash: e.Hash, Root: e.Root, Signature: e.Signature, Present: present[i]}
	}
	s.sendLocked(models.MessageIDHave, haveMessage{Start: s.announced, Records: records})
	s.announced += uint64(len(entries))
}

// announceBlock tells the remote about a block stored after the entry itself
// was announced.
func (s *stream) announceBlock(index uint64) {
	if !s.opts.Upload {
		return
	}
	e, err := s.feed.Signed(index)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if index >= s.announced {
		s.announceLocked()
		return
	}
	s.sendLocked(models.MessageIDHave, haveMessage{
		Start:   index,
		Records: []haveRecord{{Size: e.Size, Hash: e.Hash, Root: e.Root, Signature: e.Signature, Present: true}},
	})
}

func (s *stream) sendLocked(id models.MessageID, v any) {
	var payload []byte
	if v != nil {
		var err error
		payload, err = msgpack.Marshal(v)
		if err != nil {
			s.log.Error("failed to encode message", slog.String("message", id.String()), slog.Any("error", err))
			return
		}
	}
	s.outbox = append(s.outbox, models.PeerMessage{ID: id, Payload: payload})
	s.cond.Signal()
}

func (s *stream) writeLoop() {
	defer close(s.writerDone)
	for {
		s.mu.Lock()
		for len(s.outbox) == 0 && !s.ending {
			s.cond.Wait()
		}
		if len(s.outbox) == 0 {
			s.mu.Unlock()
			return
		}
		batch := s.outbox
		s.outbox = nil
		s.mu.Unlock()

		for _, msg := range batch {
			if err := s.conn.WriteMessage(msg); err != nil {
				s.log.Debug("replication write failed", slog.Any("error", err))
				s.close()
				return
			}
		}
	}
}

// finish flushes what is queued and closes the connection. A remote that
// stopped reading is cut off when the connection closes.
func (s *stream) finish() {
	s.mu.Lock()
	s.ending = true
	s.cond.Broadcast()
	s.mu.Unlock()

	select {
	case <-s.writerDone:
	case <-s.feed.done:
	case <-time.After(flushTimeout):
	}
	s.close()
}

func (s *stream) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.ending = true
		s.cond.Broadcast()
		s.mu.Unlock()
		s.conn.Close()
	})
}
