package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
	xerrors "github.com/vodworks/vod-pipeline/errors"
	"github.com/vodworks/vod-pipeline/ledger"
	"github.com/vodworks/vod-pipeline/pipeline"
)

type fakeAck struct {
	acks     int
	nacks    int
	requeues []bool
}

func (f *fakeAck) Ack(tag uint64, multiple bool) error {
	f.acks++
	return nil
}

func (f *fakeAck) Nack(tag uint64, multiple, requeue bool) error {
	f.nacks++
	f.requeues = append(f.requeues, requeue)
	return nil
}

func (f *fakeAck) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

type fakeRunner struct {
	err      error
	payloads []pipeline.JobPayload
}

func (f *fakeRunner) RunJob(ctx context.Context, payload pipeline.JobPayload) error {
	f.payloads = append(f.payloads, payload)
	return f.err
}

type fakeRequeuer struct {
	requeued []int64
	err      error
}

func (f *fakeRequeuer) Requeue(ctx context.Context, videoID int64) error {
	if f.err != nil {
		return f.err
	}
	f.requeued = append(f.requeued, videoID)
	return nil
}

func newTestConsumer(t *testing.T, runner *fakeRunner) *Consumer {
	t.Helper()
	return newTestConsumerWithLedger(t, runner, &fakeRequeuer{})
}

func newTestConsumerWithLedger(t *testing.T, runner *fakeRunner, led Requeuer) *Consumer {
	t.Helper()
	c, err := NewConsumer("amqp://localhost", "video", time.Millisecond, runner, led)
	require.NoError(t, err)
	return c
}

func delivery(body string, ack *fakeAck) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: ack,
		Body:         []byte(body),
		MessageId:    "msg-1",
	}
}

func TestHandleSuccessAcks(t *testing.T) {
	runner := &fakeRunner{}
	c := newTestConsumer(t, runner)
	ack := &fakeAck{}

	require.NoError(t, c.handle(context.Background(), delivery(`{"video_id": 42}`, ack)))
	require.Equal(t, 1, ack.acks)
	require.Zero(t, ack.nacks)
	require.Len(t, runner.payloads, 1)
	require.EqualValues(t, 42, runner.payloads[0].VideoID)
	require.Equal(t, "msg-1", runner.payloads[0].JobID)
}

func TestHandleExplicitJobID(t *testing.T) {
	runner := &fakeRunner{}
	c := newTestConsumer(t, runner)

	require.NoError(t, c.handle(context.Background(), delivery(`{"video_id": 42, "job_id": "custom"}`, &fakeAck{})))
	require.Equal(t, "custom", runner.payloads[0].JobID)
}

func TestHandleGeneratesJobID(t *testing.T) {
	runner := &fakeRunner{}
	c := newTestConsumer(t, runner)
	msg := delivery(`{"video_id": 42}`, &fakeAck{})
	msg.MessageId = ""

	require.NoError(t, c.handle(context.Background(), msg))
	require.NotEmpty(t, runner.payloads[0].JobID)
}

func TestHandleDropsMalformedBody(t *testing.T) {
	runner := &fakeRunner{}
	c := newTestConsumer(t, runner)
	ack := &fakeAck{}

	require.NoError(t, c.handle(context.Background(), delivery(`not json at all`, ack)))
	require.Equal(t, 1, ack.acks)
	require.Empty(t, runner.payloads)
}

func TestHandleDropsSchemaViolations(t *testing.T) {
	runner := &fakeRunner{}
	c := newTestConsumer(t, runner)

	for _, body := range []string{
		`{}`,
		`{"video_id": "42"}`,
		`{"video_id": 0}`,
		`[42]`,
	} {
		ack := &fakeAck{}
		require.NoError(t, c.handle(context.Background(), delivery(body, ack)))
		require.Equal(t, 1, ack.acks, "body %s should be dropped", body)
	}
	require.Empty(t, runner.payloads)
}

func TestHandleRetryableFailureRequeues(t *testing.T) {
	runner := &fakeRunner{err: fmt.Errorf("origin timed out")}
	led := &fakeRequeuer{}
	c := newTestConsumerWithLedger(t, runner, led)
	ack := &fakeAck{}

	require.NoError(t, c.handle(context.Background(), delivery(`{"video_id": 42}`, ack)))
	require.Zero(t, ack.acks)
	require.Equal(t, []bool{true}, ack.requeues)
	// The video is moved ERROR -> QUEUED so the redelivery can claim it
	require.Equal(t, []int64{42}, led.requeued)
}

func TestHandleRetryableFailureRedeliveryRunsAgain(t *testing.T) {
	runner := &fakeRunner{err: fmt.Errorf("origin timed out")}
	led := &fakeRequeuer{}
	c := newTestConsumerWithLedger(t, runner, led)

	ack := &fakeAck{}
	require.NoError(t, c.handle(context.Background(), delivery(`{"video_id": 42}`, ack)))
	require.Equal(t, []bool{true}, ack.requeues)
	require.Equal(t, []int64{42}, led.requeued)

	// The broker redelivers; the requeued video is claimable and the job
	// runs a second time instead of being dropped as a duplicate
	runner.err = nil
	redelivery := &fakeAck{}
	require.NoError(t, c.handle(context.Background(), delivery(`{"video_id": 42}`, redelivery)))
	require.Equal(t, 1, redelivery.acks)
	require.Len(t, runner.payloads, 2)
}

func TestHandleClaimConflictRequeuesDeliveryOnly(t *testing.T) {
	runner := &fakeRunner{err: fmt.Errorf("video 42: %w", ledger.ErrAlreadyRunning)}
	led := &fakeRequeuer{}
	c := newTestConsumerWithLedger(t, runner, led)
	ack := &fakeAck{}

	require.NoError(t, c.handle(context.Background(), delivery(`{"video_id": 42}`, ack)))
	require.Equal(t, []bool{true}, ack.requeues)
	// The video is held by a live session, its status must not be touched
	require.Empty(t, led.requeued)
}

func TestHandleDuplicateDeliveryAcks(t *testing.T) {
	runner := &fakeRunner{err: fmt.Errorf("video 42: %w", ledger.ErrAlreadyDone)}
	c := newTestConsumer(t, runner)
	ack := &fakeAck{}

	require.NoError(t, c.handle(context.Background(), delivery(`{"video_id": 42}`, ack)))
	require.Equal(t, 1, ack.acks)
	require.Zero(t, ack.nacks)
}

func TestHandleFatalFailureAcks(t *testing.T) {
	runner := &fakeRunner{err: xerrors.Unretriable(fmt.Errorf("moov atom not found"))}
	c := newTestConsumer(t, runner)
	ack := &fakeAck{}

	require.NoError(t, c.handle(context.Background(), delivery(`{"video_id": 42}`, ack)))
	require.Equal(t, 1, ack.acks)
	require.Zero(t, ack.nacks)
}

func TestHandleInterruptRequeuesAndStops(t *testing.T) {
	runner := &fakeRunner{err: pipeline.ErrInterrupted}
	c := newTestConsumer(t, runner)
	ack := &fakeAck{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.handle(ctx, delivery(`{"video_id": 42}`, ack))
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, []bool{true}, ack.requeues)
}
