package sqsqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushpraj-rmx/mba/internal/domain"
)

type fakeSQS struct {
	mu      sync.Mutex
	sent    []*sqs.SendMessageInput
	batch   []types.Message
	served  bool
	deleted []string
	sendErr error
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	if !f.served {
		f.served = true
		out := &sqs.ReceiveMessageOutput{Messages: f.batch}
		f.mu.Unlock()
		return out, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, *in.ReceiptHandle)
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) deletedHandles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func TestEnqueueStandardQueue(t *testing.T) {
	f := &fakeSQS{}
	p := &EventProducer{SQS: f, QueueURL: "http://localhost:4566/000000000000/events"}

	ev := domain.InboundEvent{Kind: domain.EventMessage, MessageID: "wamid.1", From: "15551234567", Type: domain.TypeText, Content: "hi"}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, p.Enqueue(t.Context(), ev, at))

	require.Len(t, f.sent, 1)
	in := f.sent[0]
	assert.Nil(t, in.MessageGroupId)
	assert.Nil(t, in.MessageDeduplicationId)

	var env EventEnvelope
	require.NoError(t, json.Unmarshal([]byte(*in.MessageBody), &env))
	assert.Equal(t, ev.MessageID, env.Event.MessageID)
	assert.Equal(t, ev.From, env.Event.From)
	assert.True(t, at.Equal(env.ReceivedAt))
}

func TestEnqueueFIFOGroupsByParticipant(t *testing.T) {
	f := &fakeSQS{}
	p := &EventProducer{SQS: f, QueueURL: "http://localhost:4566/000000000000/events.fifo", GroupBuckets: 64}

	msg := domain.InboundEvent{Kind: domain.EventMessage, MessageID: "wamid.in", From: "15551234567", Type: domain.TypeText, Content: "hi"}
	st := domain.InboundEvent{Kind: domain.EventStatus, MessageID: "wamid.out", Status: domain.StatusRead, RecipientID: "15551234567"}
	require.NoError(t, p.Enqueue(t.Context(), msg, time.Now()))
	require.NoError(t, p.Enqueue(t.Context(), st, time.Now()))

	require.Len(t, f.sent, 2)
	require.NotNil(t, f.sent[0].MessageGroupId)
	require.NotNil(t, f.sent[1].MessageGroupId)
	assert.Equal(t, *f.sent[0].MessageGroupId, *f.sent[1].MessageGroupId)
	assert.Equal(t, "message:wamid.in", *f.sent[0].MessageDeduplicationId)
	assert.Equal(t, "status:wamid.out:read", *f.sent[1].MessageDeduplicationId)
}

func TestEnqueueSendError(t *testing.T) {
	boom := errors.New("boom")
	p := &EventProducer{SQS: &fakeSQS{sendErr: boom}, QueueURL: "q"}
	err := p.Enqueue(t.Context(), domain.InboundEvent{Kind: domain.EventMessage, MessageID: "x"}, time.Now())
	assert.ErrorIs(t, err, boom)
}

func TestMessageGroupIDBucketed(t *testing.T) {
	a := messageGroupIDBucketed("15551234567", 16)
	assert.Equal(t, a, messageGroupIDBucketed("15551234567", 16))
	assert.Regexp(t, `^p-00(0\d|1[0-5])$`, a)
	assert.NotEmpty(t, messageGroupIDBucketed("x", 0))
}

func body(t *testing.T, ev domain.InboundEvent) *string {
	t.Helper()
	b, err := json.Marshal(EventEnvelope{Event: ev, ReceivedAt: time.Now()})
	require.NoError(t, err)
	return str(string(b))
}

func TestPollConcurrentDeletesOnlyHandledMessages(t *testing.T) {
	f := &fakeSQS{batch: []types.Message{
		{ReceiptHandle: str("ok"), Body: body(t, domain.InboundEvent{Kind: domain.EventMessage, MessageID: "wamid.ok"})},
		{ReceiptHandle: str("fail"), Body: body(t, domain.InboundEvent{Kind: domain.EventMessage, MessageID: "wamid.fail"})},
		{ReceiptHandle: str("poison"), Body: str("{not json")},
		{ReceiptHandle: str("empty")},
	}}
	c := &EventConsumer{SQS: f, QueueURL: "q"}

	var mu sync.Mutex
	var handled []string
	handler := func(_ context.Context, env EventEnvelope) error {
		mu.Lock()
		handled = append(handled, env.Event.MessageID)
		mu.Unlock()
		if env.Event.MessageID == "wamid.fail" {
			return errors.New("transient")
		}
		return nil
	}

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- c.PollConcurrent(ctx, 2, handler) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(handled) == 2 && len(f.deletedHandles()) == 3
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("PollConcurrent did not return after cancel")
	}

	assert.ElementsMatch(t, []string{"ok", "poison", "empty"}, f.deletedHandles())
}

func TestPollConcurrentDropsPermanentFailures(t *testing.T) {
	f := &fakeSQS{batch: []types.Message{
		{ReceiptHandle: str("invalid"), Body: body(t, domain.InboundEvent{Kind: domain.EventMessage, MessageID: "wamid.invalid"})},
		{ReceiptHandle: str("transient"), Body: body(t, domain.InboundEvent{Kind: domain.EventMessage, MessageID: "wamid.transient"})},
	}}
	c := &EventConsumer{SQS: f, QueueURL: "q", Permanent: domain.IsValidation}

	var mu sync.Mutex
	handled := 0
	handler := func(_ context.Context, env EventEnvelope) error {
		mu.Lock()
		handled++
		mu.Unlock()
		if env.Event.MessageID == "wamid.invalid" {
			return &domain.ValidationError{Field: "from", Reason: "required"}
		}
		return errors.New("store unavailable")
	}

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- c.PollConcurrent(ctx, 2, handler) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return handled == 2 && len(f.deletedHandles()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	assert.Equal(t, []string{"invalid"}, f.deletedHandles())
}
