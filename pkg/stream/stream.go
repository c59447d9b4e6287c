// Package stream fans applied events out to live subscribers. Delivery is
// at-least-once from a subscriber's cursor; slow consumers are handled per
// the configured backpressure policy, never by stalling the kernel writer
// indefinitely.
package stream

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keelrun/keel/pkg/event"
	"github.com/keelrun/keel/pkg/fault"
	"github.com/keelrun/keel/pkg/wal"
)

// Backpressure names the slow-subscriber policy.
type Backpressure string

const (
	// BackpressureBlock makes Publish wait for buffer space.
	BackpressureBlock Backpressure = "block"
	// BackpressureDrop disconnects a subscriber whose buffer is full; it
	// may resubscribe from its cursor and catch up from the log.
	BackpressureDrop Backpressure = "drop_subscriber"
)

// Options tunes the publisher.
type Options struct {
	// Buffer is the per-subscriber channel depth.
	Buffer int
	// Policy decides what happens when a subscriber's buffer is full.
	Policy Backpressure
}

// DefaultOptions blocks with a modest buffer.
func DefaultOptions() Options {
	return Options{Buffer: 64, Policy: BackpressureBlock}
}

// Subscription is one consumer's ordered view of a run's events.
type Subscription struct {
	// ID identifies the subscription for logs and unsubscription.
	ID string
	// Events delivers events in sequence order. Closed on Unsubscribe,
	// publisher Close, or a drop under BackpressureDrop.
	Events <-chan *event.Event

	runID string
	ch    chan *event.Event
	done  chan struct{}

	// mu guards the cursor. Events at or below it were already delivered
	// via history catch-up and are filtered on the live path.
	mu     sync.Mutex
	cursor uint64
	closed bool
}

// Cursor returns the last delivered sequence. A dropped subscriber can
// resubscribe from here without missing events.
func (s *Subscription) Cursor() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// deliver hands ev to the subscriber unless already delivered. Returns
// false when the buffer is full and blocking is off.
func (s *Subscription) deliver(ev *event.Event, block bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || ev.Sequence <= s.cursor {
		return true
	}
	if block {
		select {
		case s.ch <- ev:
			s.cursor = ev.Sequence
		case <-s.done:
		}
		return true
	}
	select {
	case s.ch <- ev:
		s.cursor = ev.Sequence
		return true
	case <-s.done:
		return true
	default:
		return false
	}
}

// Publisher fans out events per run.
type Publisher struct {
	walDir string
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[string]map[string]*Subscription // runID → subID → sub
	closed bool
}

// NewPublisher creates a publisher. walDir enables history catch-up for
// subscribers that join mid-run; empty disables it.
func NewPublisher(walDir string, opts Options) *Publisher {
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultOptions().Buffer
	}
	if opts.Policy == "" {
		opts.Policy = BackpressureBlock
	}
	return &Publisher{
		walDir: walDir,
		opts:   opts,
		logger: slog.Default().With("component", "stream"),
		subs:   make(map[string]map[string]*Subscription),
	}
}

// Subscribe registers a consumer for a run's events starting after
// fromSequence (0 means from the beginning). History already in the log
// is delivered first, in order, before any live event; the cursor filters
// duplicates at the boundary.
func (p *Publisher) Subscribe(runID string, fromSequence uint64) (*Subscription, error) {
	sub := &Subscription{
		ID:     uuid.New().String(),
		runID:  runID,
		ch:     make(chan *event.Event, p.opts.Buffer),
		done:   make(chan struct{}),
		cursor: fromSequence,
	}
	sub.Events = sub.ch

	// Register before the history read so nothing published in between is
	// lost; live deliveries block on the subscription lock until the
	// backfill below completes, preserving order.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fault.New(fault.CodeUnavailable, "publisher is closed")
	}
	if p.subs[runID] == nil {
		p.subs[runID] = make(map[string]*Subscription)
	}
	p.subs[runID][sub.ID] = sub
	p.mu.Unlock()

	if p.walDir != "" {
		sub.mu.Lock()
		records, err := wal.ReadAll(p.walDir, runID, 0)
		if err != nil {
			sub.mu.Unlock()
			p.Unsubscribe(sub)
			return nil, err
		}
		for _, rec := range records {
			if rec.Event.Sequence <= sub.cursor {
				continue
			}
			if len(sub.ch) == cap(sub.ch) {
				cursor := sub.cursor
				sub.mu.Unlock()
				p.Unsubscribe(sub)
				return nil, fault.New(fault.CodeResourceExhausted,
					"history for run %s exceeds subscriber buffer %d, resume from sequence %d",
					runID, cap(sub.ch), cursor)
			}
			sub.ch <- rec.Event
			sub.cursor = rec.Event.Sequence
		}
		sub.mu.Unlock()
	}
	return sub, nil
}

// SubscribeFromTime registers a consumer for a run's events observed at or
// after the given time. The starting sequence is resolved against the log,
// so the subscription begins at a committed boundary.
func (p *Publisher) SubscribeFromTime(runID string, from time.Time) (*Subscription, error) {
	var cursor uint64
	if p.walDir != "" {
		records, err := wal.ReadAll(p.walDir, runID, 0)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			if rec.Event.ObservedAt.Before(from) {
				cursor = rec.Event.Sequence
				continue
			}
			break
		}
	}
	return p.Subscribe(runID, cursor)
}

// Publish fans one applied event out to the run's subscribers. Events for
// one run arrive already ordered; fan-out preserves that order per
// subscriber.
func (p *Publisher) Publish(ev *event.Event) {
	p.mu.Lock()
	targets := make([]*Subscription, 0, len(p.subs[ev.RunID]))
	for _, sub := range p.subs[ev.RunID] {
		targets = append(targets, sub)
	}
	p.mu.Unlock()

	for _, sub := range targets {
		if p.opts.Policy == BackpressureBlock {
			sub.deliver(ev, true)
			continue
		}
		if !sub.deliver(ev, false) {
			p.logger.Warn("dropping slow subscriber",
				"run_id", ev.RunID, "subscription_id", sub.ID, "sequence", ev.Sequence)
			p.Unsubscribe(sub)
		}
	}
}

// Unsubscribe removes a consumer and closes its channel. Safe to call for
// an already-removed subscription.
func (p *Publisher) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	runSubs := p.subs[sub.runID]
	if _, ok := runSubs[sub.ID]; !ok {
		return
	}
	delete(runSubs, sub.ID)
	if len(runSubs) == 0 {
		delete(p.subs, sub.runID)
	}
	sub.shutdown()
}

// shutdown unblocks any in-flight delivery, then closes the event channel
// once no sender can touch it.
func (s *Subscription) shutdown() {
	close(s.done)
	s.mu.Lock()
	s.closed = true
	close(s.ch)
	s.mu.Unlock()
}

// SubscriberCount reports live subscriptions for a run.
func (p *Publisher) SubscriberCount(runID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs[runID])
}

// Close disconnects every subscriber.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for runID, runSubs := range p.subs {
		for _, sub := range runSubs {
			sub.shutdown()
		}
		delete(p.subs, runID)
	}
}
