package feed

import (
	"context"
	"errors"
)

// ErrStreamComplete is returned when the remote feed ends a subscription.
var ErrStreamComplete = errors.New("stream complete")

// Request parameterises a searchTransactionsForward subscription.
type Request struct {
	Query              string
	Cursor             string
	LowBlockNum        int64
	Limit              int64
	IrreversibleOnly   bool
	LiveMarkerInterval uint32
}

// variables renders the request as GraphQL variables.
func (r Request) variables() map[string]any {
	return map[string]any{
		"query":    r.Query,
		"cursor":   r.Cursor,
		"low":      r.LowBlockNum,
		"limit":    r.Limit,
		"irrev":    r.IrreversibleOnly,
		"interval": r.LiveMarkerInterval,
	}
}

// MessageType tags an inbound stream message.
type MessageType string

const (
	MessageData     MessageType = "data"
	MessageComplete MessageType = "complete"
	MessageError    MessageType = "error"
)

// Message is one inbound stream message. Record is set for MessageData and
// Err for MessageError.
type Message struct {
	Type   MessageType
	Record *Record
	Err    error
}

// Stream is an open subscription.
type Stream interface {
	// Recv blocks until the next message arrives, the transport fails, or
	// ctx is done.
	Recv(ctx context.Context) (*Message, error)
	// Mark acknowledges that every record up to cursor has been processed.
	Mark(cursor string)
	// Close releases the remote session.
	Close() error
}

// Subscriber opens subscriptions against the remote feed.
type Subscriber interface {
	Subscribe(ctx context.Context, req Request) (Stream, error)
}
