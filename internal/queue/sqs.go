package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"

	"github.com/metocean/bob-the-builder/internal/task"
)

// SQS long polling is capped at 20 seconds per receive.
const maxSQSWait = 20 * time.Second

type SQS struct {
	client            sqsiface.SQSAPI
	name              string
	visibilityTimeout time.Duration
	url               string
}

func NewSQS(client sqsiface.SQSAPI, name string, visibilityTimeout time.Duration) *SQS {
	return &SQS{client: client, name: name, visibilityTimeout: visibilityTimeout}
}

func (q *SQS) EnsureExists(ctx context.Context) error {
	out, err := q.client.GetQueueUrlWithContext(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(q.name)})
	if err == nil {
		q.url = aws.StringValue(out.QueueUrl)
		return nil
	}
	var aerr awserr.Error
	if !errors.As(err, &aerr) || aerr.Code() != sqs.ErrCodeQueueDoesNotExist {
		return fmt.Errorf("get queue url %s: %w", q.name, err)
	}
	created, err := q.client.CreateQueueWithContext(ctx, &sqs.CreateQueueInput{
		QueueName: aws.String(q.name),
		Attributes: map[string]*string{
			sqs.QueueAttributeNameVisibilityTimeout: aws.String(strconv.Itoa(int(q.visibilityTimeout.Seconds()))),
		},
	})
	if err != nil {
		return fmt.Errorf("create queue %s: %w", q.name, err)
	}
	q.url = aws.StringValue(created.QueueUrl)
	return nil
}

func (q *SQS) queueURL(ctx context.Context) (string, error) {
	if q.url != "" {
		return q.url, nil
	}
	if err := q.EnsureExists(ctx); err != nil {
		return "", err
	}
	return q.url, nil
}

func (q *SQS) Enqueue(ctx context.Context, id task.Identity) error {
	url, err := q.queueURL(ctx)
	if err != nil {
		return err
	}
	body, err := encodeIdentity(id)
	if err != nil {
		return err
	}
	_, err = q.client.SendMessageWithContext(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(url),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", id, err)
	}
	return nil
}

func (q *SQS) ReceiveOne(ctx context.Context, wait time.Duration) (*Message, error) {
	url, err := q.queueURL(ctx)
	if err != nil {
		return nil, err
	}
	if wait > maxSQSWait {
		wait = maxSQSWait
	}
	out, err := q.client.ReceiveMessageWithContext(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(url),
		MaxNumberOfMessages: aws.Int64(1),
		WaitTimeSeconds:     aws.Int64(int64(wait.Seconds())),
		AttributeNames:      []*string{aws.String(sqs.MessageSystemAttributeNameApproximateReceiveCount)},
	})
	if err != nil {
		return nil, fmt.Errorf("receive from %s: %w", q.name, err)
	}
	if len(out.Messages) == 0 {
		return nil, ErrNoMessages
	}
	m := out.Messages[0]
	count, _ := strconv.Atoi(aws.StringValue(m.Attributes[sqs.MessageSystemAttributeNameApproximateReceiveCount]))
	handle := aws.StringValue(m.ReceiptHandle)
	return &Message{
		ID:           aws.StringValue(m.MessageId),
		Body:         []byte(aws.StringValue(m.Body)),
		ReceiveCount: count,
		deleteFn: func(ctx context.Context) error {
			_, err := q.client.DeleteMessageWithContext(ctx, &sqs.DeleteMessageInput{
				QueueUrl:      aws.String(url),
				ReceiptHandle: aws.String(handle),
			})
			if err != nil {
				return fmt.Errorf("delete message %s: %w", aws.StringValue(m.MessageId), err)
			}
			return nil
		},
	}, nil
}
