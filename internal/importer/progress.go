package importer

// progress.go implements the per-job progress broadcast channel. Updates
// published before a subscriber attaches are buffered and replayed in
// order; multiple subscribers all receive the same strictly-FIFO sequence.
// A channel terminates once a completed/error update is published and is
// garbage-collected after a grace period.

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

// channelIDPrefix makes progress channel ids recognizable in URLs.
const channelIDPrefix = "prg_"

// DefaultChannelGrace is how long a terminal channel lingers for late or
// slow subscribers before it is dropped.
const DefaultChannelGrace = 5 * time.Minute

var (
	// ErrChannelNotFound is returned for unknown or already-collected channels.
	ErrChannelNotFound = errors.New("progress channel not found")
	// ErrChannelClosed is returned when publishing after a terminal update.
	ErrChannelClosed = errors.New("progress channel already terminal")
)

// Publisher owns all live progress channels.
type Publisher struct {
	mu       sync.Mutex
	channels map[string]*progressChannel
	grace    time.Duration

	// now is the clock used for ETA math; tests override it.
	now func() time.Time
}

type progressChannel struct {
	mu   sync.Mutex
	cond *sync.Cond

	ownerID   string
	buffer    []ProgressUpdate
	terminal  bool
	startedAt time.Time // first instant progress was observed
}

// NewPublisher creates a publisher whose terminal channels are collected
// after grace. A non-positive grace uses DefaultChannelGrace.
func NewPublisher(grace time.Duration) *Publisher {
	if grace <= 0 {
		grace = DefaultChannelGrace
	}
	return &Publisher{
		channels: make(map[string]*progressChannel),
		grace:    grace,
		now:      time.Now,
	}
}

// CreateChannel registers a new channel for ownerID and returns its id.
func (p *Publisher) CreateChannel(ownerID string) string {
	ch := &progressChannel{ownerID: ownerID, startedAt: p.now()}
	ch.cond = sync.NewCond(&ch.mu)

	id := channelIDPrefix + uuid.New().String()
	p.mu.Lock()
	p.channels[id] = ch
	p.mu.Unlock()
	return id
}

// Owner returns the owner a channel belongs to.
func (p *Publisher) Owner(channelID string) (string, error) {
	p.mu.Lock()
	ch, ok := p.channels[channelID]
	p.mu.Unlock()
	if !ok {
		return "", ErrChannelNotFound
	}
	return ch.ownerID, nil
}

// Publish appends an update to the channel, enriching it with a derived
// percentage and, once progress has started, a throughput-based estimate of
// the time remaining. Publishing a terminal status closes the channel and
// schedules its collection.
func (p *Publisher) Publish(channelID string, update ProgressUpdate) error {
	p.mu.Lock()
	ch, ok := p.channels[channelID]
	p.mu.Unlock()
	if !ok {
		return ErrChannelNotFound
	}

	ch.mu.Lock()
	if ch.terminal {
		ch.mu.Unlock()
		return ErrChannelClosed
	}

	now := p.now()
	update.Percentage = percentage(update.Processed, update.Total)
	if update.EstimatedTimeRemaining == nil && 0 < update.Processed && update.Processed < update.Total {
		elapsed := now.Sub(ch.startedAt)
		if elapsed > 0 {
			perRecord := elapsed / time.Duration(update.Processed)
			remaining := perRecord * time.Duration(update.Total-update.Processed)
			secs := int64(math.Ceil(remaining.Seconds()))
			eta := now.Add(remaining)
			update.EstimatedTimeRemaining = &secs
			update.EstimatedCompletionTime = &eta
		}
	}

	ch.buffer = append(ch.buffer, update)
	if update.Status.Terminal() {
		ch.terminal = true
	}
	ch.cond.Broadcast()
	terminal := ch.terminal
	ch.mu.Unlock()

	if terminal {
		p.collectAfter(channelID, p.grace)
	}
	return nil
}

// Subscribe returns an ordered stream of every update published on the
// channel, past and future. The returned channel closes after a terminal
// update has been delivered or ctx is done.
func (p *Publisher) Subscribe(ctx context.Context, channelID string) (<-chan ProgressUpdate, error) {
	p.mu.Lock()
	ch, ok := p.channels[channelID]
	p.mu.Unlock()
	if !ok {
		return nil, ErrChannelNotFound
	}

	out := make(chan ProgressUpdate, 16)

	// Wake the pump when the subscriber goes away so it never leaks.
	stop := context.AfterFunc(ctx, func() {
		ch.mu.Lock()
		ch.cond.Broadcast()
		ch.mu.Unlock()
	})

	go func() {
		defer close(out)
		defer stop()

		pos := 0
		for {
			ch.mu.Lock()
			for pos >= len(ch.buffer) && !ch.terminal && ctx.Err() == nil {
				ch.cond.Wait()
			}
			if ctx.Err() != nil {
				ch.mu.Unlock()
				return
			}
			if pos >= len(ch.buffer) && ch.terminal {
				ch.mu.Unlock()
				return
			}
			update := ch.buffer[pos]
			pos++
			ch.mu.Unlock()

			select {
			case out <- update:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// collectAfter drops the channel from the registry after delay.
func (p *Publisher) collectAfter(channelID string, delay time.Duration) {
	time.AfterFunc(delay, func() {
		p.mu.Lock()
		delete(p.channels, channelID)
		p.mu.Unlock()
	})
}

// percentage derives the bounded progress percentage of an update.
func percentage(processed, total int) int {
	if total <= 0 {
		return 0
	}
	pct := int(math.Round(float64(processed) / float64(total) * 100))
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
