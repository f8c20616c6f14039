// Package queue consumes prediction jobs from an SQS queue.
package queue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/example/leftright/internal/logging"
	"github.com/example/leftright/internal/photo"
	"github.com/example/leftright/internal/usecase"
)

// API is the part of *sqs.Client the consumer uses.
type API interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Predictor is implemented by *usecase.PredictionUseCase.
type Predictor interface {
	Predict(ctx context.Context, userID, source string, imageBytes []byte) (*usecase.Outcome, error)
}

// Job is the JSON message body.
type Job struct {
	RequestID string `json:"requestId"`
	UserID    string `json:"userId"`
	Payload   string `json:"payload"`
}

// errPoison marks messages that will never succeed and should be dropped.
var errPoison = errors.New("unprocessable message")

// Consumer long-polls a queue and predicts on each message.
type Consumer struct {
	api        API
	queueURL   string
	predictor  Predictor
	logger     *zap.Logger
	retryDelay time.Duration
	jobTimeout time.Duration
	visibility int32
}

// batchSize is the most messages one receive returns.
const batchSize = 10

// visibilityFor keeps a received batch hidden for twice the job timeout,
// and never less than a minute. Messages in a batch are handled
// concurrently, so one job timeout bounds the batch.
func visibilityFor(jobTimeout time.Duration) int32 {
	seconds := int32(2 * jobTimeout / time.Second)
	if seconds < 60 {
		return 60
	}
	return seconds
}

// NewConsumer returns a Consumer for queueURL.
func NewConsumer(api API, queueURL string, predictor Predictor, jobTimeout time.Duration, logger *zap.Logger) *Consumer {
	return &Consumer{
		api:        api,
		queueURL:   queueURL,
		predictor:  predictor,
		logger:     logger.Named("sqs_consumer"),
		retryDelay: 5 * time.Second,
		jobTimeout: jobTimeout,
		visibility: visibilityFor(jobTimeout),
	}
}

// Start polls until ctx is cancelled. Failed messages stay on the queue and
// come back after the visibility timeout; unprocessable ones are deleted.
func (c *Consumer) Start(ctx context.Context) {
	c.logger.Info("consumer started", zap.String("queue_url", c.queueURL))
	for {
		if ctx.Err() != nil {
			c.logger.Info("consumer stopped")
			return
		}

		result, err := c.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.queueURL),
			MaxNumberOfMessages: batchSize,
			WaitTimeSeconds:     20,
			VisibilityTimeout:   c.visibility,
		})
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.logger.Warn("receive failed", zap.Error(err))
			select {
			case <-time.After(c.retryDelay):
			case <-ctx.Done():
			}
			continue
		}

		var wg sync.WaitGroup
		for _, message := range result.Messages {
			wg.Add(1)
			go func(m types.Message) {
				defer wg.Done()
				c.handle(ctx, m)
			}(message)
		}
		wg.Wait()
	}
}

func (c *Consumer) handle(ctx context.Context, message types.Message) {
	messageID := aws.ToString(message.MessageId)
	err := c.process(ctx, message)
	switch {
	case err == nil:
		c.delete(ctx, message.ReceiptHandle)
	case errors.Is(err, errPoison):
		c.logger.Warn("dropping unprocessable message", zap.String("message_id", messageID), zap.Error(err))
		c.delete(ctx, message.ReceiptHandle)
	default:
		c.logger.Error("message will be redelivered", zap.String("message_id", messageID), zap.Error(err))
	}
}

func (c *Consumer) process(ctx context.Context, message types.Message) error {
	if message.Body == nil {
		return fmt.Errorf("%w: empty body", errPoison)
	}
	var job Job
	if err := json.Unmarshal([]byte(*message.Body), &job); err != nil {
		return fmt.Errorf("%w: %v", errPoison, err)
	}
	data, err := base64.StdEncoding.DecodeString(job.Payload)
	if err != nil {
		return fmt.Errorf("%w: payload: %v", errPoison, err)
	}

	jobCtx, cancel := context.WithTimeout(ctx, c.jobTimeout)
	defer cancel()
	out, err := c.predictor.Predict(jobCtx, job.UserID, usecase.SourceSQS, data)
	if err != nil {
		if errors.Is(err, photo.ErrNoImage) || errors.Is(err, photo.ErrImageTooLarge) || logging.OperationOf(err) == "usecase.decode_image" {
			return fmt.Errorf("%w: %v", errPoison, err)
		}
		return err
	}

	logging.WithOperation(c.logger, "sqs.predict", out.RequestID).Info("job classified",
		zap.String("job_id", job.RequestID),
		zap.String("label", out.Prediction.Label))
	return nil
}

func (c *Consumer) delete(ctx context.Context, receiptHandle *string) {
	if receiptHandle == nil {
		c.logger.Warn("message without receipt handle cannot be deleted")
		return
	}
	if _, err := c.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: receiptHandle,
	}); err != nil {
		c.logger.Error("delete failed", zap.Error(err))
	}
}
