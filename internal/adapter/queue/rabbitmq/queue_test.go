package rabbitmq

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/crabzie/setup-factory/internal/core/domain"
	"github.com/crabzie/setup-factory/internal/core/port"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// openQueue dials the broker named by SETUP_FACTORY_TEST_MQ_URL; the broker must not be shared
func openQueue(t *testing.T) port.QueueService {
	t.Helper()
	url := os.Getenv("SETUP_FACTORY_TEST_MQ_URL")
	if url == "" {
		t.Skip("SETUP_FACTORY_TEST_MQ_URL is not set")
	}
	q, err := NewQueueService(url, 1, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

// claim skips items left over by earlier runs
func claim(t *testing.T, q port.QueueService, jobID string) port.Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		d, err := q.Claim(ctx)
		require.NoError(t, err)
		if d.Item().JobID == jobID {
			return d
		}
		require.NoError(t, d.Ack())
	}
}

func TestEnqueueClaimAck(t *testing.T) {
	q := openQueue(t)
	job := &domain.Job{ID: uuid.NewString(), ScriptID: "hello", Backend: domain.BackendAgent,
		Parameters: map[string]any{"target": "world"}}
	require.NoError(t, q.Enqueue(context.Background(), domain.NewWorkItem(job, time.Now())))

	d := claim(t, q, job.ID)
	item := d.Item()
	assert.Equal(t, "hello", item.ScriptID)
	assert.Equal(t, domain.BackendAgent, item.Backend)
	assert.Equal(t, 1, item.Attempt)
	assert.Equal(t, "world", item.Parameters["target"])
	require.NoError(t, d.Ack())
}

func TestRetryRedeliversAfterDelay(t *testing.T) {
	q := openQueue(t)
	job := &domain.Job{ID: uuid.NewString(), ScriptID: "hello", Backend: domain.BackendServer}
	require.NoError(t, q.Enqueue(context.Background(), domain.NewWorkItem(job, time.Now())))

	d := claim(t, q, job.ID)
	start := time.Now()
	require.NoError(t, d.Retry(200*time.Millisecond))

	again := claim(t, q, job.ID)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.Equal(t, 2, again.Item().Attempt)
	require.NoError(t, again.Ack())
}

func TestClaimHonoursContext(t *testing.T) {
	q := openQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Claim(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

type fakeConfirmation struct {
	acked bool
	err   error
}

func (f fakeConfirmation) WaitContext(ctx context.Context) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.acked, ctx.Err()
}

func TestAwaitConfirm(t *testing.T) {
	ctx := context.Background()
	assert.NoError(t, awaitConfirm(ctx, fakeConfirmation{acked: true}))
	assert.ErrorIs(t, awaitConfirm(ctx, fakeConfirmation{}), errPublishNacked)

	err := awaitConfirm(ctx, fakeConfirmation{err: amqp.ErrClosed})
	assert.ErrorIs(t, err, amqp.ErrClosed)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, awaitConfirm(cancelled, fakeConfirmation{acked: true}), context.Canceled)
}

func TestEnqueueReturnsAfterBrokerConfirm(t *testing.T) {
	q := openQueue(t).(*queueService)
	before, err := q.pub.QueueDeclarePassive(queueName, true, false, false, false, nil)
	require.NoError(t, err)

	job := &domain.Job{ID: uuid.NewString(), ScriptID: "hello", Backend: domain.BackendServer}
	require.NoError(t, q.Enqueue(context.Background(), domain.NewWorkItem(job, time.Now())))

	after, err := q.pub.QueueDeclarePassive(queueName, true, false, false, false, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, after.Messages, before.Messages+1, "a confirmed message is already on the queue")

	require.NoError(t, claim(t, q, job.ID).Ack())
}

func TestCloseWhileConsuming(t *testing.T) {
	q := openQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := q.Claim(ctx)
		done <- err
	}()
	require.NoError(t, q.Close())
	assert.Error(t, <-done)
}
