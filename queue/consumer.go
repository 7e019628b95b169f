// Package queue consumes transcode orders from RabbitMQ. Deliveries are
// acknowledged manually and one at a time: the broker owns retry durability,
// the ledger owns mutual exclusion, and this consumer only decides each
// delivery's fate from the job's outcome.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/xeipuuv/gojsonschema"

	xerrors "github.com/vodworks/vod-pipeline/errors"
	"github.com/vodworks/vod-pipeline/ledger"
	"github.com/vodworks/vod-pipeline/log"
	"github.com/vodworks/vod-pipeline/metrics"
	"github.com/vodworks/vod-pipeline/pipeline"
)

const payloadSchema = `{
	"type": "object",
	"required": ["video_id"],
	"properties": {
		"video_id": {"type": "integer", "minimum": 1},
		"job_id": {"type": "string"}
	}
}`

type JobRunner interface {
	RunJob(ctx context.Context, payload pipeline.JobPayload) error
}

// Requeuer is the slice of the ledger the consumer needs: moving a failed
// video back to QUEUED so its redelivered message is claimable again.
type Requeuer interface {
	Requeue(ctx context.Context, videoID int64) error
}

type Consumer struct {
	URL            string
	QueueName      string
	RetryCountdown time.Duration
	Runner         JobRunner
	Ledger         Requeuer

	schema *gojsonschema.Schema
}

func NewConsumer(url, queueName string, retryCountdown time.Duration, runner JobRunner, led Requeuer) (*Consumer, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(payloadSchema))
	if err != nil {
		return nil, fmt.Errorf("error compiling payload schema: %w", err)
	}
	return &Consumer{
		URL:            url,
		QueueName:      queueName,
		RetryCountdown: retryCountdown,
		Runner:         runner,
		Ledger:         led,
		schema:         schema,
	}, nil
}

// Run consumes deliveries until the context ends or the connection drops.
// Prefetch is one: a worker never holds more deliveries than it can process,
// and an interrupted job's delivery goes straight back to the broker.
func (c *Consumer) Run(ctx context.Context) error {
	conn, err := amqp.Dial(c.URL)
	if err != nil {
		return fmt.Errorf("error connecting to broker: %w", err)
	}
	defer conn.Close()

	channel, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("error opening channel: %w", err)
	}
	if err := channel.Qos(1, 0, false); err != nil {
		return fmt.Errorf("error setting prefetch: %w", err)
	}
	q, err := channel.QueueDeclare(c.QueueName, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("error declaring queue %q: %w", c.QueueName, err)
	}
	deliveries, err := channel.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("error starting consumer on %q: %w", c.QueueName, err)
	}
	log.LogNoJobID("consuming", "queue", q.Name)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed by broker")
			}
			if err := c.handle(ctx, msg); err != nil {
				return err
			}
		}
	}
}

// handle runs one delivery and settles it. A non-nil return stops the
// consumer, which only happens on shutdown.
func (c *Consumer) handle(ctx context.Context, msg amqp.Delivery) error {
	payload, err := c.decode(msg)
	if err != nil {
		// Poison messages are dropped, redelivery cannot fix them
		log.LogNoJobID("dropping malformed delivery", "err", err)
		metrics.Metrics.QueueDeliveries.WithLabelValues("invalid").Inc()
		return msg.Ack(false)
	}

	err = c.Runner.RunJob(ctx, payload)
	switch {
	case err == nil:
		metrics.Metrics.QueueDeliveries.WithLabelValues("ack").Inc()
		return msg.Ack(false)

	case errors.Is(err, pipeline.ErrInterrupted):
		// Back to the broker for whoever outlives this shutdown
		metrics.Metrics.QueueDeliveries.WithLabelValues("interrupted").Inc()
		if nerr := msg.Nack(false, true); nerr != nil {
			return nerr
		}
		return ctx.Err()

	case errors.Is(err, ledger.ErrAlreadyDone), errors.Is(err, ledger.ErrNotClaimable):
		log.Log(payload.JobID, "dropping duplicate delivery", "video_id", payload.VideoID, "reason", err)
		metrics.Metrics.QueueDeliveries.WithLabelValues("duplicate").Inc()
		return msg.Ack(false)

	case errors.Is(err, ledger.ErrAlreadyRunning):
		// Another session holds the video; come back later
		metrics.Metrics.ClaimConflicts.Inc()
		return c.requeueDelivery(ctx, msg, payload, err)

	case !xerrors.IsUnretriable(err):
		// RunJob has already settled the session FAILURE and the video is
		// in ERROR; the redelivery is only claimable after the explicit
		// ERROR -> QUEUED transition
		if rerr := c.Ledger.Requeue(ctx, payload.VideoID); rerr != nil {
			log.LogError(payload.JobID, "failed to requeue video for retry", rerr, "video_id", payload.VideoID)
		}
		return c.requeueDelivery(ctx, msg, payload, err)

	default:
		// Unretriable failures are settled in the ledger; the delivery is done
		log.LogError(payload.JobID, "dropping delivery after fatal failure", err, "video_id", payload.VideoID)
		metrics.Metrics.QueueDeliveries.WithLabelValues("failed").Inc()
		return msg.Ack(false)
	}
}

func (c *Consumer) requeueDelivery(ctx context.Context, msg amqp.Delivery, payload pipeline.JobPayload, cause error) error {
	log.Log(payload.JobID, "requeueing delivery after retryable failure", "video_id", payload.VideoID, "err", cause)
	metrics.Metrics.QueueDeliveries.WithLabelValues("requeued").Inc()
	if c.RetryCountdown > 0 {
		select {
		case <-time.After(c.RetryCountdown):
		case <-ctx.Done():
		}
	}
	return msg.Nack(false, true)
}

func (c *Consumer) decode(msg amqp.Delivery) (pipeline.JobPayload, error) {
	result, err := c.schema.Validate(gojsonschema.NewBytesLoader(msg.Body))
	if err != nil {
		return pipeline.JobPayload{}, fmt.Errorf("error validating payload: %w", err)
	}
	if !result.Valid() {
		return pipeline.JobPayload{}, fmt.Errorf("payload rejected by schema: %v", result.Errors())
	}
	var payload pipeline.JobPayload
	if err := json.Unmarshal(msg.Body, &payload); err != nil {
		return pipeline.JobPayload{}, fmt.Errorf("error unmarshalling payload: %w", err)
	}
	if payload.JobID == "" {
		if msg.MessageId != "" {
			payload.JobID = msg.MessageId
		} else {
			payload.JobID = uuid.NewString()
		}
	}
	return payload, nil
}
