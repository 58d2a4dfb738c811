package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/crabzie/setup-factory/internal/core/domain"
	"github.com/crabzie/setup-factory/internal/core/port"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	exchangeName = "jobs.direct"
	routingKey   = "job.dispatch"
	queueName    = "jobs.dispatch"
	retryQueue   = "jobs.retry"
)

var errPublishNacked = errors.New("rabbitmq refused the message")

type queueService struct {
	conn     *amqp.Connection
	pub      *amqp.Channel
	pubMu    sync.Mutex
	prefetch int
	log      *zap.Logger

	consumeOnce sync.Once
	consumeErr  error
	deliveries  <-chan amqp.Delivery

	subMu sync.Mutex
	sub   *amqp.Channel
}

// NewQueueService dials RabbitMQ and declares the dispatch topology.
// prefetch bounds how many unacked items this process holds, match it to the worker pool size.
func NewQueueService(url string, prefetch int, log *zap.Logger) (port.QueueService, error) {
	var conn *amqp.Connection
	var err error

	// Retry connection up to 10 times with backoff
	maxRetries := 10
	for i := 1; i <= maxRetries; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			ch, chErr := conn.Channel()
			if chErr == nil {
				q := &queueService{
					conn:     conn,
					pub:      ch,
					prefetch: prefetch,
					log:      log,
				}
				if err = q.declare(ch); err != nil {
					conn.Close()
					return nil, fmt.Errorf("declare dispatch topology: %w", err)
				}
				if err = ch.Confirm(false); err != nil {
					conn.Close()
					return nil, fmt.Errorf("enable publisher confirms: %w", err)
				}
				return q, nil
			}
			err = chErr
			conn.Close()
		}

		log.Warn("Failed to connect to RabbitMQ, retrying...",
			zap.Int("attempt", i),
			zap.Int("max_retries", maxRetries),
			zap.Error(err),
		)

		// Simple incremental backoff
		time.Sleep(time.Duration(i*2) * time.Second)
	}

	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", maxRetries, err)
}

// declare sets up the direct exchange, the durable work queue and the delayed retry queue
// that dead-letters expired messages back onto the work queue
func (q *queueService) declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(exchangeName, "direct", true, false, false, false, nil); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.QueueBind(queueName, routingKey, exchangeName, false, nil); err != nil {
		return err
	}
	_, err := ch.QueueDeclare(retryQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    exchangeName,
		"x-dead-letter-routing-key": routingKey,
	})
	return err
}

func (q *queueService) Enqueue(ctx context.Context, item *domain.WorkItem) error {
	if err := q.publish(ctx, exchangeName, routingKey, item, 0); err != nil {
		q.log.Error("Failed to publish work item", zap.String("job_id", item.JobID), zap.Error(err))
		return err
	}
	q.log.Info("Published work item",
		zap.String("job_id", item.JobID),
		zap.String("backend", string(item.Backend)),
		zap.Int("attempt", item.Attempt))
	return nil
}

// publish sends item as a persistent JSON message and waits for the broker to confirm it.
// A positive delay parks it in the retry queue.
func (q *queueService) publish(ctx context.Context, exchange, key string, item *domain.WorkItem, delay time.Duration) error {
	body, err := json.Marshal(item)
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    item.JobID,
		Timestamp:    time.Now(),
		Body:         body,
	}
	if delay > 0 {
		msg.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
	}

	q.pubMu.Lock()
	conf, err := q.pub.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	q.pubMu.Unlock()
	if err != nil {
		return err
	}
	if conf == nil {
		return nil
	}
	return awaitConfirm(ctx, conf)
}

type confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

// awaitConfirm blocks until the broker acks or nacks the publish, or ctx ends
func awaitConfirm(ctx context.Context, conf confirmation) error {
	acked, err := conf.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("wait for publish confirm: %w", err)
	}
	if !acked {
		return errPublishNacked
	}
	return nil
}

func (q *queueService) Close() error {
	q.subMu.Lock()
	if q.sub != nil {
		q.sub.Close()
	}
	q.subMu.Unlock()
	q.pub.Close()
	return q.conn.Close()
}
