package queue

import (
	"testing"
	"time"

	"github.com/streadway/amqp"
)

type fakeAck struct {
	acked    []uint64
	nacked   []uint64
	requeued bool
}

func (a *fakeAck) Ack(tag uint64, _ bool) error {
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAck) Nack(tag uint64, _ bool, requeue bool) error {
	a.nacked = append(a.nacked, tag)
	a.requeued = requeue
	return nil
}

func (a *fakeAck) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func TestSubscriptionForwardsAndSettles(t *testing.T) {
	ack := &fakeAck{}
	msgs := make(chan amqp.Delivery, 2)
	msgs <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte("one")}
	msgs <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 2, Body: []byte("two")}

	sub := newSubscription(msgs, make(chan *amqp.Error), func() error { return nil })
	defer func() { _ = sub.Close() }()

	d := <-sub.Deliveries()
	if string(d.Body()) != "one" {
		t.Errorf("body = %q, want one", d.Body())
	}
	if err := d.Ack(); err != nil {
		t.Fatal(err)
	}
	d = <-sub.Deliveries()
	if err := d.Nack(true); err != nil {
		t.Fatal(err)
	}
	if len(ack.acked) != 1 || ack.acked[0] != 1 {
		t.Errorf("acked = %v, want [1]", ack.acked)
	}
	if len(ack.nacked) != 1 || ack.nacked[0] != 2 || !ack.requeued {
		t.Errorf("nacked = %v requeue=%v, want [2] true", ack.nacked, ack.requeued)
	}
}

func TestSubscriptionReportsChannelClose(t *testing.T) {
	msgs := make(chan amqp.Delivery)
	closes := make(chan *amqp.Error, 1)
	sub := newSubscription(msgs, closes, func() error { return nil })

	closes <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "broker shutdown"}
	close(msgs)

	select {
	case _, ok := <-sub.Deliveries():
		if ok {
			t.Fatal("unexpected delivery")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("deliveries never closed")
	}
	if sub.Err() == nil {
		t.Error("Err() = nil after broker close")
	}
}

func TestSubscriptionCloseIsClean(t *testing.T) {
	msgs := make(chan amqp.Delivery)
	closed := 0
	sub := newSubscription(msgs, make(chan *amqp.Error), func() error {
		closed++
		return nil
	})
	if err := sub.Close(); err != nil {
		t.Fatal(err)
	}
	if err := sub.Close(); err != nil {
		t.Fatal(err)
	}
	close(msgs)
	time.Sleep(10 * time.Millisecond)
	if sub.Err() != nil {
		t.Errorf("Err() = %v after Close, want nil", sub.Err())
	}
	if closed != 1 {
		t.Errorf("closeFn called %d times, want 1", closed)
	}
}

func TestNewSourceDefaults(t *testing.T) {
	s := NewSource(Options{}, nil)
	if s.opts.Prefetch != 16 {
		t.Errorf("Prefetch = %d, want 16", s.opts.Prefetch)
	}
}
