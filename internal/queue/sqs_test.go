package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remindsync/internal/config"
	"remindsync/internal/domain"
)

const testQueueURL = "https://sqs.eu-west-1.amazonaws.com/123456789/remindsync"

// mockSQS captures calls and serves queued receive batches.
type mockSQS struct {
	sent     []*sqs.SendMessageInput
	deleted  []string
	batches  [][]sqsTypes.Message
	sendErr  error
	recvErr  error
	received int
}

func (m *mockSQS) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.sent = append(m.sent, params)
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

func (m *mockSQS) ReceiveMessage(_ context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	if m.recvErr != nil {
		return nil, m.recvErr
	}
	if m.received >= len(m.batches) {
		return &sqs.ReceiveMessageOutput{}, nil
	}
	batch := m.batches[m.received]
	m.received++
	return &sqs.ReceiveMessageOutput{Messages: batch}, nil
}

func (m *mockSQS) DeleteMessage(_ context.Context, params *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	m.deleted = append(m.deleted, aws.ToString(params.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func newTestDispatcher(m *mockSQS) *SQSDispatcher {
	logger := zerolog.Nop()
	return NewSQSDispatcher(m, config.SQSConfig{QueueURL: testQueueURL, Batch: 5}, &logger)
}

func message(t *testing.T, handle string, task domain.Task) sqsTypes.Message {
	t.Helper()
	body, err := json.Marshal(task)
	require.NoError(t, err)
	return sqsTypes.Message{MessageId: aws.String(handle), ReceiptHandle: aws.String(handle), Body: aws.String(string(body))}
}

func TestEnqueueSendsTaskWithDelay(t *testing.T) {
	m := &mockSQS{}
	d := newTestDispatcher(m)

	task := domain.Task{Type: domain.TaskBulkChunk, JobID: "job-1", ItemIDs: []string{"a", "b"}, Force: true}
	require.NoError(t, d.Enqueue(context.Background(), task, 2500*time.Millisecond))

	require.Len(t, m.sent, 1)
	call := m.sent[0]
	assert.Equal(t, testQueueURL, *call.QueueUrl)
	assert.Equal(t, int32(3), call.DelaySeconds)
	assert.Equal(t, domain.TaskBulkChunk, *call.MessageAttributes["task_type"].StringValue)

	var got domain.Task
	require.NoError(t, json.Unmarshal([]byte(*call.MessageBody), &got))
	assert.Equal(t, task, got)
}

func TestDelaySecondsClamp(t *testing.T) {
	assert.Equal(t, int32(0), delaySeconds(0))
	assert.Equal(t, int32(0), delaySeconds(-time.Second))
	assert.Equal(t, int32(1), delaySeconds(10*time.Millisecond))
	assert.Equal(t, int32(900), delaySeconds(time.Hour))
}

func TestEnqueueError(t *testing.T) {
	m := &mockSQS{sendErr: errors.New("throttled")}
	d := newTestDispatcher(m)

	err := d.Enqueue(context.Background(), domain.Task{Type: domain.TaskSweep}, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttled")
}

func TestPollOnceDeletesOnlyHandledMessages(t *testing.T) {
	m := &mockSQS{}
	m.batches = [][]sqsTypes.Message{{
		message(t, "ok", domain.Task{Type: domain.TaskSyncRecord, RecordID: "r1"}),
		message(t, "fails", domain.Task{Type: domain.TaskSyncRecord, RecordID: "r2"}),
		{MessageId: aws.String("poison"), ReceiptHandle: aws.String("poison"), Body: aws.String("{not json")},
	}}
	d := newTestDispatcher(m)

	var seen []string
	handled, err := d.PollOnce(context.Background(), func(_ context.Context, task domain.Task) error {
		seen = append(seen, task.RecordID)
		if task.RecordID == "r2" {
			return errors.New("store unavailable")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, handled)
	assert.Equal(t, []string{"r1", "r2"}, seen)
	assert.ElementsMatch(t, []string{"ok", "poison"}, m.deleted)
}

func TestPollStopsOnCancel(t *testing.T) {
	m := &mockSQS{recvErr: context.Canceled}
	d := newTestDispatcher(m)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, d.Poll(ctx, func(context.Context, domain.Task) error { return nil }))
}
