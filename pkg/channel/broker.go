package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"equation_consensus/pkg/config"
	"equation_consensus/pkg/utils"
)

var (
	// ErrChannelClosed is returned when publishing to or subscribing on a closed broker
	ErrChannelClosed = errors.New("channel closed")
	// ErrQueueFull signals a full consumer group queue; publishers retry it with backoff
	ErrQueueFull = errors.New("group queue full")
)

// Handler processes a delivered message. A non-nil error causes redelivery.
type Handler func(ctx context.Context, msg *Message) error

// DropHandler is invoked when a queued message exceeds retention and is discarded
type DropHandler func(topic, group string, msg *Message)

type delivery struct {
	msg      *Message
	enqueued time.Time
	attempts int
	// replayed marks a pending-buffer entry that reached at least one
	// group; its later expiry is bookkeeping, not a lost message.
	replayed bool
}

// group is a competing-consumer queue. All subscribers of the same group
// share it; each queued message goes to exactly one of them.
type group struct {
	name  string
	mu    sync.Mutex
	cond  *sync.Cond
	queue []*delivery
}

func newGroup(name string) *group {
	g := &group{name: name}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *group) enqueue(d *delivery, depth int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.queue) >= depth {
		return ErrQueueFull
	}
	g.queue = append(g.queue, d)
	// Broadcast, not Signal: a departing consumer may be the one woken
	// and would otherwise swallow the wakeup.
	g.cond.Broadcast()
	return nil
}

// requeue puts a failed delivery back at the head so redeliveries keep
// arrival order for the rest of the queue.
func (g *group) requeue(d *delivery) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queue = append([]*delivery{d}, g.queue...)
	g.cond.Broadcast()
}

// next blocks until a delivery is available or stop reports true.
func (g *group) next(stop func() bool) *delivery {
	g.mu.Lock()
	defer g.mu.Unlock()
	for {
		if stop() {
			return nil
		}
		if len(g.queue) > 0 {
			d := g.queue[0]
			g.queue = g.queue[1:]
			return d
		}
		g.cond.Wait()
	}
}

// sweepExpired removes deliveries older than the deadline and returns them
func (g *group) sweepExpired(deadline time.Time) []*delivery {
	g.mu.Lock()
	defer g.mu.Unlock()

	var expired []*delivery
	kept := g.queue[:0]
	for _, d := range g.queue {
		if d.enqueued.Before(deadline) {
			expired = append(expired, d)
		} else {
			kept = append(kept, d)
		}
	}
	g.queue = kept
	return expired
}

func (g *group) depth() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

type topic struct {
	groups map[string]*group
	// pending holds messages published before any group subscribed.
	// Every group created within the retention window replays them, so
	// consumers arriving at different points during startup all see the
	// same backlog. Retention sweeps age the buffer out.
	pending []*delivery
}

// Broker is the in-process message channel between pipeline stages.
// Publishing broadcasts to every consumer group on a topic; within a
// group, consumers compete for messages. Delivery is at-least-once:
// a handler error puts the message back on the queue.
type Broker struct {
	logger *zap.Logger
	cfg    *config.ChannelConfig

	mu     sync.RWMutex
	topics map[string]*topic
	onDrop DropHandler
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBroker creates a broker with the given channel configuration
func NewBroker(cfg *config.ChannelConfig, logger *zap.Logger) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		logger: logger,
		cfg:    cfg,
		topics: make(map[string]*topic),
		ctx:    ctx,
		cancel: cancel,
	}
}

// OnDrop registers a callback for messages discarded by retention sweeps.
// Must be called before the first publish.
func (b *Broker) OnDrop(fn DropHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDrop = fn
}

// Publish delivers the message to every consumer group subscribed to the
// topic. Full queues are retried with backoff; an exhausted retry budget
// surfaces the error to the caller.
func (b *Broker) Publish(ctx context.Context, topicName string, msg *Message) error {
	retryCfg := &utils.RetryConfig{
		MaxAttempts:      b.cfg.PublishRetries,
		InitialDelay:     b.cfg.RetryDelay,
		MaxDelay:         b.cfg.MaxRetryDelay,
		BackoffFactor:    2.0,
		RetryableErrors:  []error{ErrQueueFull},
		MaxJitterPercent: 0.2,
	}

	err := utils.RetryWithBackoff(ctx, func() error {
		return b.publishOnce(topicName, msg)
	}, retryCfg)
	if err != nil {
		b.logger.Error("Publish failed",
			zap.String("topic", topicName),
			zap.String("message_id", msg.ID),
			zap.Error(err))
		return fmt.Errorf("publishing to %s: %w", topicName, err)
	}
	return nil
}

func (b *Broker) publishOnce(topicName string, msg *Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrChannelClosed
	}

	t := b.topics[topicName]
	if t == nil {
		t = &topic{groups: make(map[string]*group)}
		b.topics[topicName] = t
	}

	d := &delivery{msg: msg, enqueued: time.Now()}

	if len(t.groups) == 0 {
		if len(t.pending) >= b.cfg.QueueDepth {
			return fmt.Errorf("topic %s pending buffer: %w", topicName, ErrQueueFull)
		}
		t.pending = append(t.pending, d)
		return nil
	}

	for _, g := range t.groups {
		// Each group gets its own delivery so redelivery accounting
		// stays independent across groups.
		if err := g.enqueue(&delivery{msg: msg, enqueued: d.enqueued}, b.cfg.QueueDepth); err != nil {
			return fmt.Errorf("group %s: %w", g.name, err)
		}
	}
	return nil
}

// Subscribe starts a consumer in the named group on the topic. Multiple
// subscribers in the same group compete for messages; distinct groups
// each see every message. The consumer runs until ctx is cancelled or
// the broker closes; the group's queue survives consumer turnover.
func (b *Broker) Subscribe(ctx context.Context, topicName, groupName string, handler Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrChannelClosed
	}

	t := b.topics[topicName]
	if t == nil {
		t = &topic{groups: make(map[string]*group)}
		b.topics[topicName] = t
	}

	g := t.groups[groupName]
	if g == nil {
		g = newGroup(groupName)
		t.groups[groupName] = g

		// A new group inherits messages published before it existed,
		// as long as they are still inside the retention window.
		if len(t.pending) > 0 {
			cutoff := time.Now().Add(-b.cfg.Retention)
			g.mu.Lock()
			for _, d := range t.pending {
				if d.enqueued.Before(cutoff) {
					continue
				}
				g.queue = append(g.queue, &delivery{msg: d.msg, enqueued: d.enqueued})
				d.replayed = true
			}
			g.cond.Broadcast()
			g.mu.Unlock()
		}
	}
	b.mu.Unlock()

	b.wg.Add(1)
	go b.consume(ctx, topicName, g, handler)

	// Wake the consumer's cond wait when the subscription context ends.
	go func() {
		select {
		case <-ctx.Done():
		case <-b.ctx.Done():
		}
		g.mu.Lock()
		g.cond.Broadcast()
		g.mu.Unlock()
	}()
	return nil
}

func (b *Broker) consume(ctx context.Context, topicName string, g *group, handler Handler) {
	defer b.wg.Done()

	stopped := func() bool {
		select {
		case <-b.ctx.Done():
			return true
		case <-ctx.Done():
			return true
		default:
			return false
		}
	}

	for {
		d := g.next(stopped)
		if d == nil {
			return
		}

		if err := b.handle(ctx, d.msg, handler); err != nil {
			d.attempts++
			b.logger.Warn("Message handling failed, requeueing",
				zap.String("topic", topicName),
				zap.String("group", g.name),
				zap.String("message_id", d.msg.ID),
				zap.Int("attempts", d.attempts),
				zap.Error(err))
			g.requeue(d)

			// Back off before competing for the queue again so a
			// persistently failing message cannot spin the consumer.
			select {
			case <-b.ctx.Done():
				return
			case <-ctx.Done():
				return
			case <-time.After(b.cfg.RetryDelay):
			}
		}
	}
}

func (b *Broker) handle(ctx context.Context, msg *Message, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, msg)
}

// SweepExpired discards queued and pending messages older than the
// retention window, invoking the drop handler for each. Returns the
// number of dropped messages.
func (b *Broker) SweepExpired() int {
	b.mu.Lock()
	deadline := time.Now().Add(-b.cfg.Retention)
	onDrop := b.onDrop

	type dropped struct {
		topic, group string
		msg          *Message
	}
	var drops []dropped

	for name, t := range b.topics {
		kept := t.pending[:0]
		for _, d := range t.pending {
			if d.enqueued.Before(deadline) {
				// Only messages no group ever saw count as drops.
				if !d.replayed {
					drops = append(drops, dropped{topic: name, msg: d.msg})
				}
			} else {
				kept = append(kept, d)
			}
		}
		t.pending = kept

		for _, g := range t.groups {
			for _, d := range g.sweepExpired(deadline) {
				drops = append(drops, dropped{topic: name, group: g.name, msg: d.msg})
			}
		}
	}
	b.mu.Unlock()

	for _, d := range drops {
		b.logger.Warn("Dropping expired message",
			zap.String("topic", d.topic),
			zap.String("group", d.group),
			zap.String("message_id", d.msg.ID))
		if onDrop != nil {
			onDrop(d.topic, d.group, d.msg)
		}
	}
	return len(drops)
}

// Depth reports the queue length of a consumer group
func (b *Broker) Depth(topicName, groupName string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	t := b.topics[topicName]
	if t == nil {
		return 0
	}
	g := t.groups[groupName]
	if g == nil {
		return 0
	}
	return g.depth()
}

// Close stops all consumers and rejects further publishes
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true

	b.cancel()
	for _, t := range b.topics {
		for _, g := range t.groups {
			g.mu.Lock()
			g.cond.Broadcast()
			g.mu.Unlock()
		}
	}
	b.mu.Unlock()

	b.wg.Wait()
	b.logger.Info("Channel closed")
}
