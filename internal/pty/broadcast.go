package pty

import (
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// subscriberBuffer is sized so a client pausing briefly (terminal resize, a
// laggy websocket) doesn't immediately fall behind, without letting one
// slow subscriber apply backpressure to the PTY reader.
const subscriberBuffer = 256

// subscriberRate is the refill rate, in chunks per second, of each
// subscriber's drop limiter. Publish consults the limiter only once the
// subscriber's buffer is full: drops the limiter still allows (a burst of
// up to subscriberBuffer, refilled at this rate) are treated as a brief
// stall and not counted as lag; drops it denies are counted.
const subscriberRate = 2000

// Message is one broadcast delivery. Lagged is non-zero when this
// subscriber's buffer overran and counted drops (see Publish) happened
// before this one — a
// slow subscriber is benign, and is expected to surface that as a visible
// gap and continue rather than being disconnected.
type Message struct {
	Data    []byte
	Lagged  int
}

type subscriber struct {
	ch      chan Message
	lag     int64 // atomic count of chunks dropped since the last delivered message
	limiter *rate.Limiter
}

// Broadcaster is the per-PTY fan-out primitive. The reader task calls
// Publish from a single goroutine, so delivery order to the reader is
// preserved; each subscriber sees its own deliveries in that same order.
// Publish never blocks: a subscriber whose buffer is full has its chunk
// dropped. The drop is added to its lag counter only when the subscriber's
// limiter denies it, so drops within the limiter's burst are not reported.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

// NewBroadcaster returns an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]*subscriber)}
}

// Subscription is a live subscriber handle.
type Subscription struct {
	id int
	b  *Broadcaster
	C  <-chan Message
}

// Subscribe registers a new subscriber and returns its channel. Subscribing
// must happen before replaying scrollback so nothing published between the
// snapshot and the subscription is missed.
func (b *Broadcaster) Subscribe() Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Message, subscriberBuffer)
	sub := &subscriber{ch: ch, limiter: rate.NewLimiter(subscriberRate, subscriberBuffer)}
	if b.closed {
		close(ch)
		return Subscription{id: id, b: b, C: ch}
	}
	b.subs[id] = sub
	return Subscription{id: id, b: b, C: ch}
}

// Unsubscribe removes a subscriber. Safe to call more than once.
func (b *Broadcaster) Unsubscribe(s Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, s.id)
}

// Publish delivers a chunk to every current subscriber without blocking. A
// subscriber whose buffer has room always gets the chunk, regardless of
// rate; the limiter is only consulted once the buffer is actually full, to
// decide whether this looks like a burst the buffer would ordinarily have
// absorbed (not worth flagging as lag) or a subscriber that is genuinely
// falling behind.
func (b *Broadcaster) Publish(chunk []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		lag := atomic.SwapInt64(&sub.lag, 0)
		msg := Message{Data: chunk, Lagged: int(lag)}
		select {
		case sub.ch <- msg:
			continue
		default:
		}
		if !sub.limiter.Allow() {
			atomic.AddInt64(&sub.lag, lag+1)
		} else {
			atomic.AddInt64(&sub.lag, lag)
		}
	}
}

// Close permanently shuts the broadcaster down: every current and future
// subscriber channel is closed. Used when a PTY is removed for good, not on
// restart — restarts keep the same Broadcaster so subscribers survive.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}

// SubscriberCount reports the number of live subscribers (for tests/diagnostics).
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
