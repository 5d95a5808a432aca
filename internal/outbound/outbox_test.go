package outbound

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lemonhq/lemon/internal/session"
)

// fakeSender records delivered payloads and returns scripted results.
type fakeSender struct {
	mu       sync.Mutex
	payloads []*Payload
	nextID   string
	err      error
}

func (f *fakeSender) Send(_ context.Context, p *Payload) (DeliveryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, p)
	if f.err != nil {
		return DeliveryResult{}, f.err
	}
	id := f.nextID
	if id == "" {
		id = "m1"
	}
	return DeliveryResult{MessageID: id}, nil
}

func (f *fakeSender) delivered() []*Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Payload, len(f.payloads))
	copy(out, f.payloads)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeSender) {
	t.Helper()
	d := NewDispatcher(DispatcherConfig{QueueSize: 16})
	t.Cleanup(d.Stop)
	sender := &fakeSender{}
	d.RegisterSender("telegram", sender)
	return d, sender
}

func textPayload(key string) *Payload {
	return &Payload{
		ChannelID:      "telegram",
		AccountID:      "default",
		Peer:           Peer{Kind: session.PeerDM, ID: "42"},
		Kind:           KindText,
		Text:           "hello",
		IdempotencyKey: key,
	}
}

func TestEnqueueDelivers(t *testing.T) {
	d, sender := newTestDispatcher(t)

	if err := d.Enqueue(context.Background(), textPayload("r1:answer:1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, func() bool { return len(sender.delivered()) == 1 })
}

func TestEnqueueDuplicateKey(t *testing.T) {
	d, sender := newTestDispatcher(t)

	if err := d.Enqueue(context.Background(), textPayload("r1:final:send")); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	err := d.Enqueue(context.Background(), textPayload("r1:final:send"))
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second enqueue = %v, want ErrDuplicate", err)
	}

	waitFor(t, func() bool { return len(sender.delivered()) == 1 })
	time.Sleep(20 * time.Millisecond)
	if got := len(sender.delivered()); got != 1 {
		t.Errorf("transport saw %d payloads, want 1", got)
	}
}

func TestEnqueueEmptyKeyNotDeduped(t *testing.T) {
	d, sender := newTestDispatcher(t)
	_ = d.Enqueue(context.Background(), textPayload(""))
	_ = d.Enqueue(context.Background(), textPayload(""))
	waitFor(t, func() bool { return len(sender.delivered()) == 2 })
}

func TestDeliveryAck(t *testing.T) {
	d, sender := newTestDispatcher(t)
	sender.nextID = "msg-77"

	acks := make(chan Ack, 1)
	p := textPayload("r1:answer:1")
	p.Notify = acks
	p.NotifyRef = "ref-1"

	if err := d.Enqueue(context.Background(), p); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case ack := <-acks:
		if ack.Ref != "ref-1" || ack.MessageID != "msg-77" || ack.Err != nil {
			t.Errorf("ack = %+v", ack)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no ack")
	}
}

func TestSendFailureAcksError(t *testing.T) {
	d, sender := newTestDispatcher(t)
	sender.err = errors.New("telegram down")

	acks := make(chan Ack, 1)
	p := textPayload("r1:answer:1")
	p.Notify = acks
	p.NotifyRef = "ref-1"
	_ = d.Enqueue(context.Background(), p)

	ack := <-acks
	if ack.Err == nil {
		t.Error("expected error ack")
	}
}

func TestUnroutableChannelDropped(t *testing.T) {
	d, _ := newTestDispatcher(t)

	acks := make(chan Ack, 1)
	p := textPayload("r1:answer:1")
	p.ChannelID = "nonexistent"
	p.Notify = acks
	p.NotifyRef = "ref-1"

	// Dropped with a warning, never escalated.
	if err := d.Enqueue(context.Background(), p); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	ack := <-acks
	if !errors.Is(ack.Err, ErrNoSender) {
		t.Errorf("ack err = %v", ack.Err)
	}
}

// blockingSender parks every delivery until released.
type blockingSender struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSender) Send(_ context.Context, _ *Payload) (DeliveryResult, error) {
	b.entered <- struct{}{}
	<-b.release
	return DeliveryResult{}, nil
}

func TestStopUnblocksParkedEnqueuers(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{QueueSize: 1})
	sender := &blockingSender{
		entered: make(chan struct{}, 8),
		release: make(chan struct{}),
	}
	d.RegisterSender("telegram", sender)

	// First payload parks the worker inside the sender; the next fills the
	// queue; the rest block inside Enqueue.
	errs := make(chan error, 6)
	for i := 0; i < 6; i++ {
		go func() {
			errs <- d.Enqueue(context.Background(), textPayload(""))
		}()
	}
	<-sender.entered

	stopped := make(chan struct{})
	go func() {
		d.Stop()
		close(stopped)
	}()

	// Every parked enqueuer must return, not panic on a closed queue.
	for i := 0; i < 6; i++ {
		select {
		case err := <-errs:
			if err != nil && !errors.Is(err, ErrStopped) {
				t.Errorf("Enqueue = %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("enqueuer still parked after Stop")
		}
	}

	close(sender.release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestStopRejectsEnqueue(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{})
	d.Stop()
	if err := d.Enqueue(context.Background(), textPayload("k")); !errors.Is(err, ErrStopped) {
		t.Errorf("Enqueue after stop = %v", err)
	}
}

func TestDedupeSetExpiry(t *testing.T) {
	s := newDedupeSet(10*time.Millisecond, 4)
	if s.isDuplicate("k") {
		t.Fatal("fresh key flagged duplicate")
	}
	if !s.isDuplicate("k") {
		t.Fatal("repeat not flagged")
	}
	time.Sleep(15 * time.Millisecond)
	if s.isDuplicate("k") {
		t.Fatal("expired key flagged duplicate")
	}
}
