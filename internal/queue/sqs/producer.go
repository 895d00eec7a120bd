package sqsqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/pushpraj-rmx/mba/internal/domain"
)

const defaultGroupBuckets = 1024

// API is the subset of *sqs.Client the queue uses.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// EventEnvelope carries one canonical webhook event through the queue.
// Keep it small; SQS has a 256KB message size limit.
type EventEnvelope struct {
	Event      domain.InboundEvent `json:"event"`
	ReceivedAt time.Time           `json:"receivedAt"`
}

type EventProducer struct {
	SQS      API
	QueueURL string
	// GroupBuckets caps the number of FIFO message groups.
	GroupBuckets int
}

func (p *EventProducer) Enqueue(ctx context.Context, ev domain.InboundEvent, receivedAt time.Time) error {
	body, err := json.Marshal(EventEnvelope{Event: ev, ReceivedAt: receivedAt})
	if err != nil {
		return err
	}
	in := &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: str(string(body)),
	}
	if strings.HasSuffix(p.QueueURL, ".fifo") {
		// One group per participant keeps a conversation's events in order.
		in.MessageGroupId = str(messageGroupIDBucketed(participantOf(ev), p.GroupBuckets))
		in.MessageDeduplicationId = str(deduplicationID(ev))
	}
	_, err = p.SQS.SendMessage(ctx, in)
	return err
}

func participantOf(ev domain.InboundEvent) string {
	if ev.Kind == domain.EventStatus {
		return ev.RecipientID
	}
	return ev.From
}

// deduplicationID collapses provider redeliveries of the same event.
func deduplicationID(ev domain.InboundEvent) string {
	if ev.Kind == domain.EventStatus {
		return fmt.Sprintf("status:%s:%s", ev.MessageID, ev.Status)
	}
	return "message:" + ev.MessageID
}

func messageGroupIDBucketed(participant string, buckets int) string {
	if buckets <= 0 {
		buckets = defaultGroupBuckets
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(participant))
	return fmt.Sprintf("p-%04d", h.Sum32()%uint32(buckets))
}

func str(s string) *string { return &s }
