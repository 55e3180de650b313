// Package queue dispatches sync tasks through SQS for multi-instance
// deployments.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog"

	"remindsync/internal/config"
	"remindsync/internal/domain"
)

// MaxDelay is the longest per-message delay SQS accepts.
const MaxDelay = 15 * time.Minute

// SQSAPI is the subset of *sqs.Client the dispatcher uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Handler processes one task. Returning an error leaves the message on the
// queue for redelivery after its visibility timeout.
type Handler func(ctx context.Context, task domain.Task) error

type SQSDispatcher struct {
	client   SQSAPI
	queueURL string
	waitTime time.Duration
	batch    int32
	logger   zerolog.Logger
}

// NewSQSClient loads AWS credentials from the default chain. Endpoint
// overrides the service URL, e.g. for a local emulator.
func NewSQSClient(ctx context.Context, cfg config.SQSConfig) (*sqs.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("queue: load aws config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

func NewSQSDispatcher(client SQSAPI, cfg config.SQSConfig, logger *zerolog.Logger) *SQSDispatcher {
	batch := cfg.Batch
	if batch <= 0 || batch > 10 {
		batch = 10
	}
	return &SQSDispatcher{
		client:   client,
		queueURL: cfg.QueueURL,
		waitTime: cfg.WaitTime,
		batch:    int32(batch),
		logger:   logger.With().Str("component", "sqs_dispatcher").Logger(),
	}
}

// delaySeconds rounds up to whole seconds and clamps to what SQS accepts.
// Longer delays are shortened; callers stagger chunks well below the cap.
func delaySeconds(d time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	if d > MaxDelay {
		d = MaxDelay
	}
	return int32(math.Ceil(d.Seconds()))
}

func (d *SQSDispatcher) Enqueue(ctx context.Context, task domain.Task, delay time.Duration) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal task: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:     aws.String(d.queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: delaySeconds(delay),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"task_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(task.Type),
			},
		},
	}

	out, err := d.client.SendMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("queue: failed to send %s task: %w", task.Type, err)
	}

	ev := d.logger.Debug().Str("task_type", task.Type).Int32("delay_seconds", input.DelaySeconds)
	if out != nil && out.MessageId != nil {
		ev = ev.Str("message_id", *out.MessageId)
	}
	ev.Msg("task sent")
	return nil
}

// Poll receives messages until ctx is done.
func (d *SQSDispatcher) Poll(ctx context.Context, handle Handler) error {
	d.logger.Info().Str("queue_url", d.queueURL).Msg("sqs poller started")
	defer d.logger.Info().Msg("sqs poller stopped")

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if _, err := d.PollOnce(ctx, handle); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			d.logger.Error().Err(err).Msg("receive failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
	}
}

// PollOnce runs a single receive and returns the number of messages handled
// successfully.
func (d *SQSDispatcher) PollOnce(ctx context.Context, handle Handler) (int, error) {
	out, err := d.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(d.queueURL),
		MaxNumberOfMessages:   d.batch,
		WaitTimeSeconds:       int32(d.waitTime / time.Second),
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return 0, fmt.Errorf("queue: receive: %w", err)
	}

	handled := 0
	for _, msg := range out.Messages {
		var task domain.Task
		if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &task); err != nil {
			d.logger.Error().Err(err).Str("message_id", aws.ToString(msg.MessageId)).Msg("dropping undecodable message")
			d.delete(ctx, msg)
			continue
		}
		if err := handle(ctx, task); err != nil {
			d.logger.Warn().Err(err).Str("task_type", task.Type).Str("message_id", aws.ToString(msg.MessageId)).
				Msg("task failed, leaving message for redelivery")
			continue
		}
		d.delete(ctx, msg)
		handled++
	}
	return handled, nil
}

func (d *SQSDispatcher) delete(ctx context.Context, msg sqsTypes.Message) {
	_, err := d.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(d.queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		d.logger.Error().Err(err).Str("message_id", aws.ToString(msg.MessageId)).Msg("delete message failed")
	}
}
