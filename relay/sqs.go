package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/DavidGasparyan/phishing-simulator/models"
)

// SQSAPI is the subset of *sqs.Client the relay uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

type SQSOptions struct {
	QueueURL string
	// WaitTime is the long-poll duration per receive, at most 20s.
	WaitTime time.Duration
	// RetryDelay is how long a nacked message stays invisible before redelivery.
	RetryDelay time.Duration
}

// SQS is a relay over an Amazon SQS queue. Ack deletes the message; Nack
// with requeue shortens its visibility timeout so it is redelivered.
type SQS struct {
	client SQSAPI
	opts   SQSOptions
}

func NewSQS(client SQSAPI, opts SQSOptions) *SQS {
	if opts.WaitTime <= 0 || opts.WaitTime > 20*time.Second {
		opts.WaitTime = 20 * time.Second
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	return &SQS{client: client, opts: opts}
}

func (q *SQS) Publish(ctx context.Context, fact models.ClickFact) error {
	body, err := encodeFact(fact)
	if err != nil {
		return err
	}
	out, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.opts.QueueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"pattern": {DataType: aws.String("String"), StringValue: aws.String(models.EventLinkClicked)},
		},
	})
	if err != nil {
		return fmt.Errorf("sqs SendMessage: %w", err)
	}

	slog.Info("published click fact",
		"attempt_id", fact.AttemptID,
		"queue", q.opts.QueueURL,
		"message_id", aws.ToString(out.MessageId),
	)
	return nil
}

func (q *SQS) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := q.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(q.opts.QueueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	return err
}

func (q *SQS) Consume(ctx context.Context, h Handler) error {
	slog.Info("relay consumer started", "queue", q.opts.QueueURL)

	for ctx.Err() == nil {
		out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(q.opts.QueueURL),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     int32(q.opts.WaitTime / time.Second),
		})
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			slog.Error("sqs receive failed", "error", err)
			sleepCtx(ctx, 5*time.Second)
			continue
		}

		for _, msg := range out.Messages {
			q.handle(ctx, msg, h)
		}
	}

	slog.Info("relay consumer stopped", "queue", q.opts.QueueURL)
	return nil
}

func (q *SQS) handle(ctx context.Context, msg types.Message, h Handler) {
	d := &sqsDelivery{q: q, handle: msg.ReceiptHandle}

	fact, err := decodeFact([]byte(aws.ToString(msg.Body)))
	if err != nil {
		slog.Error("dropping malformed relay message",
			"message_id", aws.ToString(msg.MessageId),
			"error", err,
		)
		if err := d.Ack(ctx); err != nil {
			slog.Error("sqs delete failed", "error", err)
		}
		return
	}

	if err := Dispatch(ctx, d, fact, h); err != nil {
		slog.Error("relay settle failed", "message_id", aws.ToString(msg.MessageId), "error", err)
	}
}

type sqsDelivery struct {
	q      *SQS
	handle *string
}

func (d *sqsDelivery) Ack(ctx context.Context) error {
	_, err := d.q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(d.q.opts.QueueURL),
		ReceiptHandle: d.handle,
	})
	return err
}

func (d *sqsDelivery) Nack(ctx context.Context, requeue bool) error {
	if !requeue {
		return d.Ack(ctx)
	}
	_, err := d.q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(d.q.opts.QueueURL),
		ReceiptHandle:     d.handle,
		VisibilityTimeout: int32(d.q.opts.RetryDelay / time.Second),
	})
	return err
}
