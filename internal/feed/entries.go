package feed

import (
	"context"
	"io"
)

// Reader walks the blocks of a feed in order from a start index up to the
// length the feed had when the reader was created.
type Reader struct {
	feed  *Feed
	next  uint64
	until uint64
}

func (f *Feed) Reader(start uint64) *Reader {
	return &Reader{feed: f, next: start, until: f.Length()}
}

// Index is the index of the block Next returns.
func (r *Reader) Index() uint64 {
	return r.next
}

// Next returns the next block, fetching it from peers if needed, or io.EOF
// once every block has been returned.
func (r *Reader) Next(ctx context.Context) ([]byte, error) {
	if r.next >= r.until {
		return nil, io.EOF
	}
	data, err := r.feed.Get(ctx, r.next)
	if err != nil {
		return nil, err
	}
	r.next++
	return data, nil
}

// Writer appends blocks to a writable feed one at a time.
type Writer struct {
	feed *Feed
}

func (f *Feed) Writer() *Writer {
	return &Writer{feed: f}
}

func (w *Writer) Write(block []byte) error {
	_, err := w.feed.Append(block)
	return err
}
