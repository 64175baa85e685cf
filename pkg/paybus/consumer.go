// Package paybus carries signed payment webhooks over Kafka so reconciliation
// can run apart from the process that received them.
package paybus

import "context"

// SignatureHeader is the Kafka header holding the processor signature.
const SignatureHeader = "payment-signature"

type Message struct {
	Key       []byte
	Value     []byte
	Signature string

	raw any
}

type Consumer interface {
	FetchMessage(ctx context.Context) (Message, error)
	Commit(ctx context.Context, msg Message) error
	Close() error
}

type Publisher interface {
	Publish(ctx context.Context, key string, payload []byte, signature string) error
	Close() error
}
