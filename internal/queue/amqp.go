// Package queue is the AMQP transport behind subscription pulls.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/matheus3301/chatmirror/internal/puller"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// Options configures how queues are consumed.
type Options struct {
	// Prefetch caps unacknowledged deliveries per consumer.
	Prefetch int
	// Declare creates the queue as durable when it does not exist.
	Declare bool
}

// Source opens AMQP queues as puller subscriptions. The endpoint is an AMQP
// URL and the subscription id is the queue name.
type Source struct {
	opts   Options
	logger *zap.Logger
}

var _ puller.Source = (*Source)(nil)

// NewSource creates an AMQP source.
func NewSource(opts Options, logger *zap.Logger) *Source {
	if opts.Prefetch <= 0 {
		opts.Prefetch = 16
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{opts: opts, logger: logger}
}

// Open dials the endpoint and starts a manual-ack consumer on the queue.
func (s *Source) Open(ctx context.Context, endpoint, queueName string) (puller.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := amqp.Dial(endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	fail := func(step string, err error) (puller.Subscription, error) {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("%s: %w", step, err)
	}

	if err := ch.Qos(s.opts.Prefetch, 0, false); err != nil {
		return fail("set prefetch", err)
	}
	if s.opts.Declare {
		_, err = ch.QueueDeclare(
			queueName,
			true,  // durable
			false, // auto-delete
			false, // exclusive
			false, // no-wait
			nil,
		)
	} else {
		_, err = ch.QueueDeclarePassive(queueName, true, false, false, false, nil)
	}
	if err != nil {
		return fail("declare queue", err)
	}

	msgs, err := ch.Consume(
		queueName,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fail("consume", err)
	}

	s.logger.Info("consumer registered", zap.String("queue", queueName), zap.Int("prefetch", s.opts.Prefetch))
	sub := newSubscription(msgs, ch.NotifyClose(make(chan *amqp.Error, 1)), func() error {
		return errors.Join(ch.Close(), conn.Close())
	})
	return sub, nil
}

type subscription struct {
	out     chan puller.Delivery
	closeFn func() error

	mu      sync.Mutex
	err     error
	closing bool
	once    sync.Once
}

// newSubscription forwards msgs until it closes, then records the channel
// close reason, if any.
func newSubscription(msgs <-chan amqp.Delivery, closes <-chan *amqp.Error, closeFn func() error) *subscription {
	s := &subscription{out: make(chan puller.Delivery), closeFn: closeFn}
	go func() {
		defer close(s.out)
		for m := range msgs {
			s.out <- delivery{m}
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closing {
			return
		}
		select {
		case aerr, ok := <-closes:
			if ok && aerr != nil {
				s.err = aerr
				return
			}
		default:
		}
		s.err = errors.New("consumer cancelled by broker")
	}()
	return s
}

func (s *subscription) Deliveries() <-chan puller.Delivery { return s.out }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()
		// Unblock the forwarder if the consumer already stopped reading.
		go func() {
			for range s.out {
			}
		}()
		err = s.closeFn()
	})
	return err
}

type delivery struct {
	msg amqp.Delivery
}

func (d delivery) Body() []byte            { return d.msg.Body }
func (d delivery) Ack() error              { return d.msg.Ack(false) }
func (d delivery) Nack(requeue bool) error { return d.msg.Nack(false, requeue) }
