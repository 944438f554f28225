// Package queue defines the message queue port (spec §4.6): an abstract
// contract implementable by any durable stream broker with per-message
// deduplication and explicit ack, plus a NATS JetStream implementation.
// Grounded on the teacher's internal/messaging/nats package, generalized
// from plain NATS core pub/sub to JetStream for durability and msgId dedup.
package queue

import "context"

// PublishOptions controls per-message dedup and placement.
type PublishOptions struct {
	MsgID      string
	Headers    map[string]string
	StreamName string
}

// ConsumeOptions bounds in-flight concurrency and redelivery for a consumer.
type ConsumeOptions struct {
	MaxInFlight int
	MaxDeliver  int
}

// Message is a single delivered message with explicit ack/nak/term control.
type Message struct {
	Subject         string
	Seq             uint64
	Headers         map[string]string
	Data            []byte
	RedeliveryCount int

	Ack  func() error
	Nak  func(delayMs int64) error
	Term func() error
}

// Publisher atomically appends a message to a subject; a duplicate MsgID
// observed within the broker's dedup window yields duplicate=true and no
// second delivery.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts PublishOptions) (duplicate bool, err error)
}

// Consumer delivers messages from a stream to a handler, push or pull,
// honoring MaxInFlight and at-most-maxDeliver redelivery.
type Consumer interface {
	Consume(ctx context.Context, stream, consumerName string, opts ConsumeOptions, handler func(context.Context, *Message)) error
}

// Queue composes Publisher and Consumer, the full C6 port.
type Queue interface {
	Publisher
	Consumer
	Close() error
}

// Subject names and msgId builders, centralized so orchestrator/worker/
// webhook code can't drift from spec §4.6's naming.
const (
	SubjectBatchProcess = "sys.batch.process"
	SubjectEmailSendFmt = "email.user.%s.send"
	SubjectWebhookFmt   = "webhook.%s.%s"

	StreamBatch   = "BATCH"
	StreamEmail   = "EMAIL"
	StreamWebhook = "WEBHOOK"
)

func BatchMsgID(batchID string) string {
	return "batch-" + batchID
}

func EmailJobMsgID(batchID, recipientID string) string {
	return "email-" + batchID + "-" + recipientID
}
