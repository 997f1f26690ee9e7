package statebus

import "context"

// Message is one broker record. Key carries the sync or submission id so
// downstream partitioning keeps per-entity ordering.
type Message struct {
	Key   []byte
	Value []byte
}

// Consumer reads inbound sync commands from the broker.
type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}

// Publisher fans gateway events (submission stored, sync completed) out to
// the broker.
type Publisher interface {
	Publish(ctx context.Context, key string, value []byte) error
	Close() error
}

// Event types carried on the outbound topic.
const (
	EventSubmissionStored = "submission.stored"
	EventSyncCompleted    = "sync.completed"
)
