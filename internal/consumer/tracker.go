package consumer

import (
	"sync"

	"github.com/segmentio/kafka-go"
)

type partitionKey struct {
	topic     string
	partition int
}

// commitTracker accumulates the highest processed message per partition
// between commit ticks. Workers process each partition serially, so the
// latest marked message is always the commit frontier for that partition.
type commitTracker struct {
	mu      sync.Mutex
	pending map[partitionKey]kafka.Message
	counts  map[partitionKey]int
}

func newCommitTracker() *commitTracker {
	return &commitTracker{
		pending: make(map[partitionKey]kafka.Message),
		counts:  make(map[partitionKey]int),
	}
}

// markProcessed records a fully accounted-for message. A lower offset never
// replaces a higher one.
func (t *commitTracker) markProcessed(msg kafka.Message) {
	key := partitionKey{topic: msg.Topic, partition: msg.Partition}

	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.pending[key]; !ok || msg.Offset > cur.Offset {
		t.pending[key] = msg
	}
	t.counts[key]++
}

// drain removes and returns everything pending. The caller owns committing
// the returned messages; on failure it must restore them.
func (t *commitTracker) drain() ([]kafka.Message, map[partitionKey]int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) == 0 {
		return nil, nil
	}

	msgs := make([]kafka.Message, 0, len(t.pending))
	for _, msg := range t.pending {
		msgs = append(msgs, msg)
	}
	counts := t.counts
	t.pending = make(map[partitionKey]kafka.Message)
	t.counts = make(map[partitionKey]int)
	return msgs, counts
}

// restore puts a failed commit batch back, merging with anything marked
// since the drain.
func (t *commitTracker) restore(msgs []kafka.Message, counts map[partitionKey]int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, msg := range msgs {
		key := partitionKey{topic: msg.Topic, partition: msg.Partition}
		if cur, ok := t.pending[key]; !ok || msg.Offset > cur.Offset {
			t.pending[key] = msg
		}
	}
	for key, n := range counts {
		t.counts[key] += n
	}
}
