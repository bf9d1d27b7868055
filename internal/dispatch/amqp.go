package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"askanna/internal/store"
)

const (
	// DefaultExchange receives every task; the routing key is the queue name.
	DefaultExchange = "askanna"

	attemptHeader = "x-askanna-attempt"
)

// AMQPOptions configure the broker backend.
type AMQPOptions struct {
	URL        string
	Exchange   string
	Prefetch   int
	MaxRetries int
}

// message is the AMQP body of a task.
type message struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

// AMQP publishes and consumes tasks through a RabbitMQ broker. Failed tasks
// are republished to per-attempt retry queues whose TTL dead-letters them
// back to the work queue; once retries are exhausted they go to "<queue>.dlq".
type AMQP struct {
	opts   AMQPOptions
	delays []time.Duration
	logger *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// DialAMQP connects with exponential backoff until ctx is done and declares
// the topology of the default and runner queues.
func DialAMQP(ctx context.Context, opts AMQPOptions, logger *slog.Logger) (*AMQP, error) {
	if opts.Exchange == "" {
		opts.Exchange = DefaultExchange
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 1
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	a := &AMQP{opts: opts, delays: RetryDelays(opts.MaxRetries), logger: logger}
	if err := a.connect(ctx); err != nil {
		return nil, err
	}
	for _, q := range []string{QueueDefault, QueueRunner} {
		if err := a.declare(q); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

// RetryDelays returns the delay before each retry: 10s doubling, capped at 30m.
func RetryDelays(n int) []time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 30 * time.Minute
	b.MaxElapsedTime = 0
	b.Reset()

	delays := make([]time.Duration, n)
	for i := range delays {
		delays[i] = b.NextBackOff()
	}
	return delays
}

func (a *AMQP) connect(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	var conn *amqp.Connection
	err := backoff.RetryNotify(func() error {
		var err error
		conn, err = amqp.Dial(a.opts.URL)
		return err
	}, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		a.logger.Warn("connecting to broker", "error", err, "retry_in", d)
	})
	if err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open broker channel: %w", err)
	}
	if err := ch.ExchangeDeclare(a.opts.Exchange, "direct", true, false, false, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}

	a.mu.Lock()
	a.conn, a.ch = conn, ch
	a.mu.Unlock()
	return nil
}

func retryQueue(queue string, attempt int) string {
	return fmt.Sprintf("%s.retry.%d", queue, attempt)
}

func deadLetterQueue(queue string) string {
	return queue + ".dlq"
}

func (a *AMQP) declare(queue string) error {
	ch, err := a.channel()
	if err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, queue, a.opts.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", queue, err)
	}
	for i, d := range a.delays {
		args := amqp.Table{
			"x-message-ttl":             d.Milliseconds(),
			"x-dead-letter-exchange":    a.opts.Exchange,
			"x-dead-letter-routing-key": queue,
		}
		if _, err := ch.QueueDeclare(retryQueue(queue, i+1), true, false, false, false, args); err != nil {
			return fmt.Errorf("declare retry queue of %s: %w", queue, err)
		}
	}
	if _, err := ch.QueueDeclare(deadLetterQueue(queue), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter queue of %s: %w", queue, err)
	}
	return nil
}

func (a *AMQP) channel() (*amqp.Channel, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ch == nil {
		return nil, errors.New("broker channel is not available")
	}
	return a.ch, nil
}

// Close closes the connection.
func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	a.conn, a.ch = nil, nil
	return err
}

func (a *AMQP) Publish(ctx context.Context, name string, kwargs any) error {
	payload, err := Encode(ctx, kwargs)
	if err != nil {
		return err
	}
	return a.publish(ctx, a.opts.Exchange, QueueFor(name), message{Name: name, Payload: payload}, 1)
}

// PublishOnCommit defers the publish until tx commits. A publish failure
// after commit is logged.
func (a *AMQP) PublishOnCommit(ctx context.Context, tx store.Tx, name string, kwargs any) error {
	payload, err := Encode(ctx, kwargs)
	if err != nil {
		return err
	}
	tx.AfterCommit(func() {
		msg := message{Name: name, Payload: payload}
		if err := a.publish(context.Background(), a.opts.Exchange, QueueFor(name), msg, 1); err != nil {
			a.logger.Error("publish after commit", "task", name, "error", err)
		}
	})
	return nil
}

func (a *AMQP) publish(ctx context.Context, exchange, key string, msg message, attempt int) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ch, err := a.channel()
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      amqp.Table{attemptHeader: int32(attempt)},
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", msg.Name, err)
	}
	return nil
}

// Consume delivers tasks from queues to registry until ctx is done. At most
// concurrency tasks run at once; in-flight tasks finish before it returns.
func (a *AMQP) Consume(ctx context.Context, queues []string, registry *Registry, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return errors.New("broker connection is closed")
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open consumer channel: %w", err)
	}
	defer ch.Close()
	if err := ch.Qos(concurrency*a.opts.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}

	deliveries := make(chan amqp.Delivery)
	for _, q := range queues {
		msgs, err := ch.Consume(q, "", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("consume %s: %w", q, err)
		}
		go func(q string, msgs <-chan amqp.Delivery) {
			for m := range msgs {
				select {
				case deliveries <- m:
				case <-ctx.Done():
					m.Nack(false, true)
					return
				}
			}
		}(q, msgs)
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case amqpErr := <-closed:
			wg.Wait()
			return fmt.Errorf("broker connection closed: %v", amqpErr)
		case m := <-deliveries:
			sem <- struct{}{}
			wg.Add(1)
			go func(m amqp.Delivery) {
				defer wg.Done()
				defer func() { <-sem }()
				a.handle(ctx, registry, m)
			}(m)
		}
	}
}

func (a *AMQP) handle(ctx context.Context, registry *Registry, m amqp.Delivery) {
	queue := m.RoutingKey
	var msg message
	if err := json.Unmarshal(m.Body, &msg); err != nil {
		a.logger.Error("undecodable task", "queue", queue, "error", err)
		a.deadLetter(queue, m.Body)
		m.Ack(false)
		return
	}

	taskCtx, kwargs := Decode(ctx, msg.Payload)
	err := registry.Handle(taskCtx, msg.Name, kwargs)
	if err == nil {
		m.Ack(false)
		return
	}

	attempt := attemptOf(m.Headers)
	a.logger.Warn("task failed", "task", msg.Name, "attempt", attempt, "error", err)
	if attempt <= len(a.delays) && !errors.Is(err, ErrUnknownTask) {
		if perr := a.publish(context.Background(), "", retryQueue(queue, attempt), msg, attempt+1); perr != nil {
			a.logger.Error("schedule retry", "task", msg.Name, "error", perr)
			m.Nack(false, true)
			return
		}
	} else {
		a.deadLetter(queue, m.Body)
	}
	m.Ack(false)
}

func (a *AMQP) deadLetter(queue string, body []byte) {
	ch, err := a.channel()
	if err == nil {
		err = ch.PublishWithContext(context.Background(), "", deadLetterQueue(queue), false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		})
	}
	if err != nil {
		a.logger.Error("dead-letter task", "queue", queue, "error", err)
	}
}

func attemptOf(h amqp.Table) int {
	switch v := h[attemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 1
	}
}
