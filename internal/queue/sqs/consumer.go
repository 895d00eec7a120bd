package sqsqueue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

type EventHandler func(ctx context.Context, env EventEnvelope) error

type EventConsumer struct {
	SQS      API
	QueueURL string
	Log      *slog.Logger

	WaitTimeSeconds   int32
	MaxMessages       int32
	VisibilityTimeout int32

	// Permanent reports handler errors that a redelivery cannot fix.
	// Such messages are deleted instead of being left for redrive.
	Permanent func(error) bool
}

// PollConcurrent processes events with a worker pool. A message is deleted
// after its handler succeeds or fails permanently; other failures are left
// for SQS redrive/DLQ.
// It returns when ctx is cancelled, after in-flight messages finish.
func (c *EventConsumer) PollConcurrent(ctx context.Context, workers int, handler EventHandler) error {
	if workers <= 0 {
		workers = 1
	}
	log := c.Log
	if log == nil {
		log = slog.Default()
	}

	jobs := make(chan types.Message, workers*2)
	errCh := make(chan error, 1)

	sendErr := func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range jobs {
				if m.Body == nil {
					c.delete(ctx, m)
					continue
				}

				var env EventEnvelope
				if err := json.Unmarshal([]byte(*m.Body), &env); err != nil {
					// poison message, drop it instead of redriving forever
					log.Warn("sqs event decode failed", "err", err)
					c.delete(ctx, m)
					continue
				}

				if err := handler(ctx, env); err != nil {
					if c.Permanent != nil && c.Permanent(err) {
						log.Warn("sqs event rejected, dropping", "err", err,
							"kind", string(env.Event.Kind), "provider_message_id", env.Event.MessageID)
						c.delete(ctx, m)
						continue
					}
					log.Error("sqs event handler error", "err", err,
						"kind", string(env.Event.Kind), "provider_message_id", env.Event.MessageID)
					continue
				}
				c.delete(ctx, m)
			}
		}()
	}

	go func() {
		defer close(jobs)

		for {
			if ctx.Err() != nil {
				sendErr(ctx.Err())
				return
			}

			out, err := c.SQS.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
				QueueUrl:            &c.QueueURL,
				MaxNumberOfMessages: c.MaxMessages,
				WaitTimeSeconds:     c.WaitTimeSeconds,
				VisibilityTimeout:   c.VisibilityTimeout,
			})
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				log.Error("sqs receive event failed", "err", err)
				time.Sleep(500 * time.Millisecond)
				continue
			}

			for _, m := range out.Messages {
				select {
				case jobs <- m:
				case <-ctx.Done():
					sendErr(ctx.Err())
					return
				}
			}
		}
	}()

	err := <-errCh
	wg.Wait()
	return err
}

func (c *EventConsumer) delete(ctx context.Context, m types.Message) {
	_, _ = c.SQS.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      &c.QueueURL,
		ReceiptHandle: m.ReceiptHandle,
	})
}
