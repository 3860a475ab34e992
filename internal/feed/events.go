package feed

import "sync"

// event is a set of listeners invoked outside of any feed lock.
type event[T any] struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(T)
}

func (e *event[T]) on(fn func(T)) (cancel func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fns == nil {
		e.fns = make(map[int]func(T))
	}
	id := e.next
	e.next++
	e.fns[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.fns, id)
	}
}

func (e *event[T]) emit(v T) {
	e.mu.Lock()
	fns := make([]func(T), 0, len(e.fns))
	for _, fn := range e.fns {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

// OnDownload registers fn to run for every block stored after being received
// from a peer.
func (f *Feed) OnDownload(fn func(index uint64)) (cancel func()) {
	return f.downloadEvent.on(fn)
}

// OnSync registers fn to run whenever a replication stream finishes a bulk
// pass over the blocks its peer advertised.
func (f *Feed) OnSync(fn func()) (cancel func()) {
	return f.syncEvent.on(func(struct{}) { fn() })
}

// OnAppend registers fn to run when the known length grows.
func (f *Feed) OnAppend(fn func(length uint64)) (cancel func()) {
	return f.appendEvent.on(fn)
}

// OnClose registers fn to run once the feed is closed.
func (f *Feed) OnClose(fn func()) (cancel func()) {
	return f.closeEvent.on(func(struct{}) { fn() })
}
