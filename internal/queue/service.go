package queue

import (
	"context"
	"time"
)

const (
	// SendBatchLimit is the most bodies a single Send call should carry.
	SendBatchLimit = 10
	// ReceiveLimit caps how many messages a single Receive returns.
	ReceiveLimit = 10
	// MaxMessageBytes is the largest body the transport accepts.
	MaxMessageBytes = 256 * 1024
)

// Message is a body received from a queue together with the receipt needed
// to delete it or return it.
type Message struct {
	Receipt string
	Body    string
}

// Attributes is a size snapshot of one queue.
type Attributes struct {
	Available int
	InFlight  int
	Delayed   int
}

// Total is the number of messages the queue still holds in any state.
func (a Attributes) Total() int {
	return a.Available + a.InFlight + a.Delayed
}

// Service abstracts the message transport shared by kickoff, workers and
// the consolidator. Implementations must be safe for concurrent use.
//
// Receive blocks for at most wait when the queue is empty and returns an
// empty slice (not an error) on timeout.
type Service interface {
	Send(ctx context.Context, queue string, bodies []string) error
	Receive(ctx context.Context, queue string, max int, wait time.Duration) ([]Message, error)
	Delete(ctx context.Context, queue string, receipts []string) error
	Return(ctx context.Context, queue string, receipt string) error
	Attributes(ctx context.Context, queue string) (Attributes, error)
}

// SendAll splits bodies into SendBatchLimit sized Send calls.
func SendAll(ctx context.Context, svc Service, queue string, bodies []string) error {
	for start := 0; start < len(bodies); start += SendBatchLimit {
		end := min(start+SendBatchLimit, len(bodies))
		if err := svc.Send(ctx, queue, bodies[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// DeleteAll splits receipts into SendBatchLimit sized Delete calls.
func DeleteAll(ctx context.Context, svc Service, queue string, receipts []string) error {
	for start := 0; start < len(receipts); start += SendBatchLimit {
		end := min(start+SendBatchLimit, len(receipts))
		if err := svc.Delete(ctx, queue, receipts[start:end]); err != nil {
			return err
		}
	}
	return nil
}
