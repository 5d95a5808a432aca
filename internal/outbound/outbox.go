package outbound

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrDuplicate is returned when a payload's idempotency key was already
// accepted. Callers must treat it as success.
var ErrDuplicate = errors.New("outbound: duplicate idempotency key")

// ErrNoSender is returned when no sender is registered for the payload's
// channel.
var ErrNoSender = errors.New("outbound: no sender for channel")

// ErrStopped is returned after the outbox shut down.
var ErrStopped = errors.New("outbound: outbox stopped")

// Sender delivers payloads for one channel. Implementations live next to
// their transport (internal/telegram) or in tests.
type Sender interface {
	Send(ctx context.Context, p *Payload) (DeliveryResult, error)
}

// Outbox accepts outbound payloads. Enqueue returns ErrDuplicate for
// repeated idempotency keys; callers treat that as success.
type Outbox interface {
	Enqueue(ctx context.Context, p *Payload) error
}

// Dispatcher is the process-wide Outbox: it dedupes idempotency keys, hands
// payloads to per-channel senders on a worker goroutine, and delivers acks.
// Send failures are logged and counted, never escalated to the run.
type Dispatcher struct {
	mu       sync.RWMutex
	senders  map[string]Sender
	seen     *dedupeSet
	queue    chan *Payload
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// OnDelivered, when set, observes every successful delivery. Used by
	// metrics wiring.
	OnDelivered func(p *Payload, res DeliveryResult)
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// QueueSize bounds the in-flight payload queue. Default 1024.
	QueueSize int

	// DedupeWindow is how long idempotency keys are remembered. Default 10
	// minutes.
	DedupeWindow time.Duration

	// Logger is an optional slog.Logger.
	Logger *slog.Logger
}

// NewDispatcher creates and starts a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	d := &Dispatcher{
		senders: make(map[string]Sender),
		seen:    newDedupeSet(cfg.DedupeWindow, 65536),
		queue:   make(chan *Payload, cfg.QueueSize),
		logger:  cfg.Logger.With("component", "outbox"),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// RegisterSender attaches the sender for a channel id.
func (d *Dispatcher) RegisterSender(channelID string, s Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.senders[channelID] = s
}

// Enqueue implements Outbox. The queue is never closed, so an enqueuer
// parked on a full queue unblocks with ErrStopped instead of panicking when
// Stop races the send.
func (d *Dispatcher) Enqueue(ctx context.Context, p *Payload) error {
	select {
	case <-d.stop:
		return ErrStopped
	default:
	}

	if p.IdempotencyKey != "" && d.seen.isDuplicate(p.IdempotencyKey) {
		return ErrDuplicate
	}

	select {
	case d.queue <- p:
		return nil
	case <-d.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop drains nothing and stops the worker. Pending payloads are dropped;
// runs are ephemeral by design.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case <-d.stop:
			return
		case p := <-d.queue:
			d.deliver(p)
		}
	}
}

func (d *Dispatcher) deliver(p *Payload) {
	d.mu.RLock()
	sender, ok := d.senders[p.ChannelID]
	d.mu.RUnlock()

	if !ok {
		d.logger.Warn("channels outbox unavailable, dropping payload",
			"channel", p.ChannelID,
			"kind", p.Kind,
			"idempotency_key", p.IdempotencyKey)
		d.ack(p, DeliveryResult{}, ErrNoSender)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := sender.Send(ctx, p)
	if err != nil {
		d.logger.Warn("outbound delivery failed",
			"channel", p.ChannelID,
			"kind", p.Kind,
			"run_id", p.Meta.RunID,
			"error", err)
		d.ack(p, res, err)
		return
	}

	if d.OnDelivered != nil {
		d.OnDelivered(p, res)
	}
	d.ack(p, res, nil)
}

func (d *Dispatcher) ack(p *Payload, res DeliveryResult, err error) {
	if p.Notify == nil || p.NotifyRef == "" {
		return
	}
	select {
	case p.Notify <- Ack{Ref: p.NotifyRef, MessageID: res.MessageID, Err: err}:
	default:
		d.logger.Warn("ack channel full, dropping ack", "ref", p.NotifyRef)
	}
}

// dedupeSet remembers keys for a TTL window with bounded size. Check-and-set
// is atomic.
type dedupeSet struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	maxSize int
}

func newDedupeSet(ttl time.Duration, maxSize int) *dedupeSet {
	return &dedupeSet{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

func (s *dedupeSet) isDuplicate(key string) bool {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if expires, ok := s.entries[key]; ok && now.Before(expires) {
		return true
	}

	if len(s.entries) >= s.maxSize {
		for k, expires := range s.entries {
			if now.After(expires) {
				delete(s.entries, k)
			}
		}
		// Still full of live keys: drop arbitrary entries rather than grow.
		for k := range s.entries {
			if len(s.entries) < s.maxSize {
				break
			}
			delete(s.entries, k)
		}
	}

	s.entries[key] = now.Add(s.ttl)
	return false
}
