package console

import (
	"sync"
	"time"
)

// Message is a single console line emitted by the browser or the page shim.
type Message struct {
	Seq       uint64    `json:"seq"`
	RunID     string    `json:"run_id,omitempty"`
	Source    string    `json:"source"`
	Level     string    `json:"level"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SourceConsole   = "console"
	SourceException = "exception"
	SourceStdout    = "stdout"
	SourceStderr    = "stderr"
	SourcePage      = "page"
)

const defaultBuffer = 64

// Subscription is a cancellable handle onto an Emitter.
type Subscription struct {
	ch       chan Message
	done     chan struct{}
	lossy    bool
	doneOnce sync.Once
	once     sync.Once
	cancel   func()
}

// C returns the delivery channel. It is closed after Cancel or when the
// emitter closes.
func (s *Subscription) C() <-chan Message { return s.ch }

// Cancel detaches the subscription. Buffered messages stay readable.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.release()
		s.cancel()
	})
}

// release unblocks any publisher waiting on this subscriber.
func (s *Subscription) release() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Emitter fans console messages out to subscribers in publish order.
type Emitter struct {
	pubMu sync.Mutex
	seq   uint64

	mu     sync.RWMutex
	subs   map[int64]*Subscription
	next   int64
	closed bool
}

// NewEmitter initializes an emitter.
func NewEmitter() *Emitter {
	return &Emitter{subs: make(map[int64]*Subscription)}
}

// Publish stamps msg with the next sequence number and delivers it. Lossless
// subscribers are waited on; lossy ones drop the message when full. Publishing
// on a closed emitter is a no-op.
func (e *Emitter) Publish(msg Message) {
	e.pubMu.Lock()
	defer e.pubMu.Unlock()

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}

	e.seq++
	msg.Seq = e.seq
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	for _, sub := range e.subs {
		if sub.lossy {
			select {
			case sub.ch <- msg:
			default:
			}
			continue
		}
		select {
		case sub.ch <- msg:
		case <-sub.done:
		}
	}
}

// Seq returns the sequence number of the last published message.
func (e *Emitter) Seq() uint64 {
	e.pubMu.Lock()
	defer e.pubMu.Unlock()
	return e.seq
}

// Subscribe registers a lossless subscriber.
func (e *Emitter) Subscribe(buffer int) *Subscription {
	return e.subscribe(buffer, false)
}

// SubscribeLossy registers a subscriber that never blocks publishers.
func (e *Emitter) SubscribeLossy(buffer int) *Subscription {
	return e.subscribe(buffer, true)
}

func (e *Emitter) subscribe(buffer int, lossy bool) *Subscription {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	sub := &Subscription{
		ch:    make(chan Message, buffer),
		done:  make(chan struct{}),
		lossy: lossy,
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		close(sub.ch)
		sub.release()
		sub.cancel = func() {}
		return sub
	}

	id := e.next
	e.next++
	e.subs[id] = sub

	// done is closed before the write lock is taken, so a publisher parked on
	// this subscriber lets go of its read lock first.
	sub.cancel = func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if _, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(sub.ch)
		}
	}
	return sub
}

// Close closes the emitter and every subscriber channel.
func (e *Emitter) Close() {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return
	}
	for _, sub := range e.subs {
		sub.release()
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for id, sub := range e.subs {
		delete(e.subs, id)
		sub.release()
		close(sub.ch)
	}
}
