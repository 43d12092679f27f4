package aws

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/aws/aws-sdk-go-v2/aws"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"

	"github.com/drblury/flowbus/internal/runtime/attributes"
	"github.com/drblury/flowbus/transport"
)

const maxWaitTimeSeconds = 20

// ErrQueueNotFound is returned when SQS reports that a queue does not exist.
var ErrQueueNotFound = errors.New("aws: queue does not exist")

// SQSAPI is the subset of the SQS client the transport uses.
type SQSAPI interface {
	GetQueueUrl(ctx context.Context, params *amazonsqs.GetQueueUrlInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.GetQueueUrlOutput, error)
	ReceiveMessage(ctx context.Context, params *amazonsqs.ReceiveMessageInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *amazonsqs.DeleteMessageInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *amazonsqs.ChangeMessageVisibilityInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.ChangeMessageVisibilityOutput, error)
	SendMessage(ctx context.Context, params *amazonsqs.SendMessageInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.SendMessageOutput, error)
}

// SNSAPI is the subset of the SNS client the transport uses.
type SNSAPI interface {
	Publish(ctx context.Context, params *amazonsns.PublishInput, optFns ...func(*amazonsns.Options)) (*amazonsns.PublishOutput, error)
}

// Client implements transport.Client on top of SQS and SNS. Queue URLs are
// looked up once and cached.
type Client struct {
	sqs    SQSAPI
	sns    SNSAPI
	topics sns.TopicResolver
	logger watermill.LoggerAdapter

	mu        sync.RWMutex
	queueURLs map[string]string
}

// NewClient wires the service clients together.
func NewClient(sqsAPI SQSAPI, snsAPI SNSAPI, topics sns.TopicResolver, logger watermill.LoggerAdapter) *Client {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Client{
		sqs:       sqsAPI,
		sns:       snsAPI,
		topics:    topics,
		logger:    logger,
		queueURLs: make(map[string]string),
	}
}

// ResolveQueue implements transport.QueueResolver.
func (c *Client) ResolveQueue(ctx context.Context, queue string) error {
	_, err := c.queueURL(ctx, queue)
	return err
}

func (c *Client) queueURL(ctx context.Context, queue string) (string, error) {
	if strings.HasPrefix(queue, "https://") || strings.HasPrefix(queue, "http://") {
		return queue, nil
	}

	c.mu.RLock()
	cached, ok := c.queueURLs[queue]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	out, err := c.sqs.GetQueueUrl(ctx, &amazonsqs.GetQueueUrlInput{QueueName: aws.String(queue)})
	if err != nil {
		if isQueueMissing(err) {
			return "", fmt.Errorf("%w: %s", ErrQueueNotFound, queue)
		}
		return "", fmt.Errorf("aws: resolve queue %s: %w", queue, err)
	}
	resolved := aws.ToString(out.QueueUrl)

	c.mu.Lock()
	c.queueURLs[queue] = resolved
	c.mu.Unlock()

	c.logger.Debug("Resolved SQS queue", watermill.LogFields{"queue": queue, "url": resolved})
	return resolved, nil
}

// Receive implements transport.Receiver.
func (c *Client) Receive(ctx context.Context, queue string, max int, wait time.Duration) ([]transport.Delivery, error) {
	queueURL, err := c.queueURL(ctx, queue)
	if err != nil {
		return nil, err
	}
	if max <= 0 || max > transport.MaxReceiveBatch {
		max = transport.MaxReceiveBatch
	}
	waitSeconds := int32(wait / time.Second)
	if waitSeconds > maxWaitTimeSeconds {
		waitSeconds = maxWaitTimeSeconds
	}

	out, err := c.sqs.ReceiveMessage(ctx, &amazonsqs.ReceiveMessageInput{
		QueueUrl:              aws.String(queueURL),
		MaxNumberOfMessages:   int32(max),
		WaitTimeSeconds:       waitSeconds,
		MessageAttributeNames: []string{"All"},
		MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{
			sqstypes.MessageSystemAttributeNameApproximateReceiveCount,
			sqstypes.MessageSystemAttributeNameSentTimestamp,
		},
	})
	if err != nil {
		return nil, err
	}

	deliveries := make([]transport.Delivery, 0, len(out.Messages))
	for _, m := range out.Messages {
		deliveries = append(deliveries, toDelivery(queue, m))
	}
	return deliveries, nil
}

// Delete implements transport.Acknowledger.
func (c *Client) Delete(ctx context.Context, queue, receiptHandle string) error {
	queueURL, err := c.queueURL(ctx, queue)
	if err != nil {
		return err
	}
	_, err = c.sqs.DeleteMessage(ctx, &amazonsqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	return classifyReceiptError(err)
}

// ChangeVisibility implements transport.Acknowledger.
func (c *Client) ChangeVisibility(ctx context.Context, queue, receiptHandle string, timeout time.Duration) error {
	queueURL, err := c.queueURL(ctx, queue)
	if err != nil {
		return err
	}
	_, err = c.sqs.ChangeMessageVisibility(ctx, &amazonsqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: int32(timeout / time.Second),
	})
	return classifyReceiptError(err)
}

// Publish implements transport.Publisher. Queue destinations go through
// SendMessage, topic destinations through SNS Publish.
func (c *Client) Publish(ctx context.Context, dest transport.Destination, env transport.Envelope) error {
	switch dest.Kind {
	case transport.DestinationQueue:
		queueURL, err := c.queueURL(ctx, dest.Name)
		if err != nil {
			return err
		}
		_, err = c.sqs.SendMessage(ctx, &amazonsqs.SendMessageInput{
			QueueUrl:          aws.String(queueURL),
			MessageBody:       aws.String(env.Body),
			MessageAttributes: toSQSAttributes(env.Attributes),
		})
		return err
	case transport.DestinationTopic:
		topicArn, err := c.topicArn(ctx, dest.Name)
		if err != nil {
			return err
		}
		input := &amazonsns.PublishInput{
			TopicArn:          aws.String(topicArn),
			Message:           aws.String(env.Body),
			MessageAttributes: toSNSAttributes(env.Attributes),
		}
		if env.Subject != "" {
			input.Subject = aws.String(env.Subject)
		}
		_, err = c.sns.Publish(ctx, input)
		return err
	default:
		return fmt.Errorf("aws: unsupported destination kind %s", dest.Kind)
	}
}

func (c *Client) topicArn(ctx context.Context, topic string) (string, error) {
	if strings.HasPrefix(topic, "arn:") {
		return topic, nil
	}
	if c.topics == nil {
		return "", fmt.Errorf("aws: no topic resolver configured for %s", topic)
	}
	arn, err := c.topics.ResolveTopic(ctx, topic)
	if err != nil {
		return "", fmt.Errorf("aws: resolve topic %s: %w", topic, err)
	}
	return string(arn), nil
}

func toDelivery(queue string, m sqstypes.Message) transport.Delivery {
	d := transport.Delivery{
		Envelope: transport.Envelope{
			Body:       aws.ToString(m.Body),
			Attributes: fromSQSAttributes(m.MessageAttributes),
		},
		Queue:         queue,
		MessageID:     aws.ToString(m.MessageId),
		ReceiptHandle: aws.ToString(m.ReceiptHandle),
		ReceiveCount:  1,
	}
	if raw, ok := m.Attributes[string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		if n, err := strconv.Atoi(raw); err == nil {
			d.ReceiveCount = n
		}
	}
	if raw, ok := m.Attributes[string(sqstypes.MessageSystemAttributeNameSentTimestamp)]; ok {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			d.SentAt = time.UnixMilli(ms).UTC()
		}
	}
	return d
}

func fromSQSAttributes(in map[string]sqstypes.MessageAttributeValue) attributes.MessageAttributes {
	out := make(attributes.MessageAttributes, len(in))
	for k, v := range in {
		out[k] = attributes.AttributeValue{
			DataType:    aws.ToString(v.DataType),
			StringValue: aws.ToString(v.StringValue),
			BinaryValue: v.BinaryValue,
		}
	}
	return out
}

func toSQSAttributes(in attributes.MessageAttributes) map[string]sqstypes.MessageAttributeValue {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]sqstypes.MessageAttributeValue, len(in))
	for k, v := range in {
		value := sqstypes.MessageAttributeValue{DataType: aws.String(v.DataType)}
		if v.IsBinary() {
			value.BinaryValue = v.BinaryValue
		} else {
			value.StringValue = aws.String(v.StringValue)
		}
		out[k] = value
	}
	return out
}

func toSNSAttributes(in attributes.MessageAttributes) map[string]snstypes.MessageAttributeValue {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]snstypes.MessageAttributeValue, len(in))
	for k, v := range in {
		value := snstypes.MessageAttributeValue{DataType: aws.String(v.DataType)}
		if v.IsBinary() {
			value.BinaryValue = v.BinaryValue
		} else {
			value.StringValue = aws.String(v.StringValue)
		}
		out[k] = value
	}
	return out
}

func isQueueMissing(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "AWS.SimpleQueueService.NonExistentQueue", "QueueDoesNotExist":
		return true
	}
	return false
}

func isReceiptInvalid(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "ReceiptHandleIsInvalid", "AWS.SimpleQueueService.ReceiptHandleIsInvalid", "InvalidReceiptHandle":
		return true
	case "InvalidParameterValue":
		return strings.Contains(apiErr.ErrorMessage(), "receipt handle")
	}
	return false
}

func classifyReceiptError(err error) error {
	if err != nil && isReceiptInvalid(err) {
		return fmt.Errorf("%w: %w", transport.ErrReceiptInvalid, err)
	}
	return err
}

var (
	_ transport.Client        = (*Client)(nil)
	_ transport.QueueResolver = (*Client)(nil)
)
