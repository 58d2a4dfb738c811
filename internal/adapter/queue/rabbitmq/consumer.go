package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/crabzie/setup-factory/internal/core/domain"
	"github.com/crabzie/setup-factory/internal/core/port"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

var errConsumerClosed = errors.New("rabbitmq consumer closed")

// Claim waits for the next delivery of the work queue. RabbitMQ hands every message to a
// single consumer until it is acked, and redelivers it if the connection drops first.
func (q *queueService) Claim(ctx context.Context) (port.Delivery, error) {
	q.consumeOnce.Do(func() { q.consumeErr = q.startConsumer() })
	if q.consumeErr != nil {
		return nil, q.consumeErr
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case d, ok := <-q.deliveries:
			if !ok {
				return nil, errConsumerClosed
			}
			var item domain.WorkItem
			if err := json.Unmarshal(d.Body, &item); err != nil {
				q.log.Error("Failed to unmarshal work item", zap.Error(err))
				d.Nack(false, false) // discard invalid message
				continue
			}
			if item.Attempt <= 0 {
				item.Attempt = 1
			}
			q.log.Debug("Received work item", zap.String("job_id", item.JobID), zap.Bool("redelivered", d.Redelivered))
			return &delivery{q: q, d: d, item: &item}, nil
		}
	}
}

func (q *queueService) startConsumer() error {
	ch, err := q.conn.Channel()
	if err != nil {
		return err
	}
	if q.prefetch > 0 {
		if err := ch.Qos(q.prefetch, 0, false); err != nil {
			ch.Close()
			return err
		}
	}
	msgs, err := ch.Consume(
		queueName, // queue
		"",        // consumer
		false,     // auto-ack (We want to ack manually after work is done)
		false,     // exclusive
		false,     // no-local
		false,     // no-wait
		nil,       // args
	)
	if err != nil {
		ch.Close()
		return err
	}
	q.subMu.Lock()
	q.sub = ch
	q.subMu.Unlock()
	q.deliveries = msgs
	q.log.Info("Started consuming work items", zap.String("queue", queueName), zap.Int("prefetch", q.prefetch))
	return nil
}

type delivery struct {
	q    *queueService
	d    amqp.Delivery
	item *domain.WorkItem
}

func (d *delivery) Item() *domain.WorkItem {
	return d.item
}

func (d *delivery) Ack() error {
	return d.d.Ack(false)
}

// Retry parks the next attempt in the retry queue and acks this one.
// If parking fails the message is requeued as is.
func (d *delivery) Retry(delay time.Duration) error {
	next := *d.item
	next.Attempt++
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := d.q.publish(ctx, "", retryQueue, &next, max(delay, time.Millisecond)); err != nil {
		d.q.log.Error("Failed to park work item for retry, requeueing", zap.String("job_id", next.JobID), zap.Error(err))
		return errors.Join(err, d.d.Nack(false, true))
	}
	return d.d.Ack(false)
}
