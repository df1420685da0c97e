// Package hub distributes a continuously captured frame sequence to an
// arbitrary number of independently paced consumers.
//
// The hub is the exclusive owner of the capture source: one producer loop
// reads frames at the device's native pace and publishes each one to every
// attached subscription. Each subscription is a single-slot "latest frame"
// cell: publish overwrites whatever an unpolled slot still holds, so a slow
// consumer only ever costs itself frames, never another consumer and never
// the producer. Freshness beats completeness for every consumer in this
// system.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Frame is one captured image. Data is raw BGR24 pixel bytes owned by the
// hub at capture time and handed to consumers as a read-only shared
// reference: consumers must never mutate a delivered frame.
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Seq       uint64
	Timestamp time.Time
}

// Source yields frames from a capture device. Read blocks until a frame is
// available or the context is cancelled; a single read failure is transient
// and the caller is expected to retry.
type Source interface {
	Read(ctx context.Context) (Frame, error)
	Close() error
}

// ErrClosed is returned by Attach after the hub's producer loop has exited.
var ErrClosed = errors.New("hub: closed")

// Subscription is one consumer's latest-frame view onto the hub.
//
// Poll must be called from a single consumer goroutine; the producer side
// is synchronised internally.
type Subscription struct {
	id string

	mu      sync.Mutex
	frame   *Frame // nil = cell empty (consumed or never filled)
	lastSeq uint64 // watermark: highest sequence ever returned by Poll
	drops   uint64
	closed  bool
}

// ID returns the identifier the subscription was attached under.
func (s *Subscription) ID() string { return s.id }

// Poll returns the newest published frame not yet observed by this
// subscription, or ok=false when no newer frame exists. Never blocks and
// never re-delivers: successive non-empty polls see strictly increasing
// sequence numbers.
func (s *Subscription) Poll() (*Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frame == nil || s.closed {
		return nil, false
	}
	if s.frame.Seq <= s.lastSeq {
		// Stale cell content, treat as empty.
		s.frame = nil
		return nil, false
	}

	f := s.frame
	s.frame = nil
	s.lastSeq = f.Seq
	return f, true
}

// Config tunes the producer loop.
type Config struct {
	// ReadRetry is the pause after a transient capture read failure.
	// Default: 100ms.
	ReadRetry time.Duration
}

func (c *Config) defaults() {
	if c.ReadRetry <= 0 {
		c.ReadRetry = 100 * time.Millisecond
	}
}

// Hub owns the capture source and fans frames out to subscriptions.
type Hub struct {
	src    Source
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool

	seq       atomic.Uint64
	published atomic.Uint64
	readErrs  atomic.Uint64
}

// New creates a Hub around an opened capture source. The source is closed
// when Run returns.
func New(src Source, cfg Config, logger *slog.Logger) *Hub {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		src:    src,
		cfg:    cfg,
		logger: logger,
		subs:   make(map[string]*Subscription),
	}
}

// Attach registers a new consumer under id. Never blocks; the returned
// subscription's cell is initially empty. Attaching after the hub closed
// returns a subscription that only ever polls empty.
func (h *Hub) Attach(id string) *Subscription {
	sub := &Subscription{id: id}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.closed = true
		return sub
	}
	h.subs[id] = sub
	return sub
}

// Detach removes the subscription. Idempotent: repeated calls are no-ops.
func (h *Hub) Detach(sub *Subscription) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	if existing, ok := h.subs[sub.id]; ok && existing == sub {
		delete(h.subs, sub.id)
	}
	h.mu.Unlock()

	sub.mu.Lock()
	sub.closed = true
	sub.frame = nil
	sub.mu.Unlock()
}

// Publish overwrites every subscription's cell with frame, unconditionally
// discarding whatever was held there. Non-blocking: no consumer can apply
// backpressure to the producer.
func (h *Hub) Publish(frame *Frame) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		sub.mu.Lock()
		if sub.closed {
			sub.mu.Unlock()
			continue
		}
		if sub.frame != nil {
			sub.drops++
		}
		sub.frame = frame
		sub.mu.Unlock()
	}
	h.published.Add(1)
}

// Run is the producer loop: read from the source, stamp sequence and capture
// time, publish. A read failure is logged and followed by a short pause; the
// loop only exits on context cancellation. The source is closed on return.
func (h *Hub) Run(ctx context.Context) error {
	defer func() {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()
		if err := h.src.Close(); err != nil {
			h.logger.Warn("hub: source close", "error", err)
		}
	}()

	h.logger.Info("hub: producer started")
	for {
		if ctx.Err() != nil {
			h.logger.Info("hub: producer stopped")
			return nil
		}

		frame, err := h.src.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				h.logger.Info("hub: producer stopped")
				return nil
			}
			h.readErrs.Add(1)
			h.logger.Warn("hub: capture read failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(h.cfg.ReadRetry):
			}
			continue
		}

		frame.Seq = h.seq.Add(1)
		if frame.Timestamp.IsZero() {
			frame.Timestamp = time.Now()
		}
		h.Publish(&frame)
	}
}
