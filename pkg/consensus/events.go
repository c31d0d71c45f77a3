package consensus

import "sync"

type EventType uint8

const (
	EventOnFinalized EventType = iota + 1
)

func (t EventType) String() string {
	if t == EventOnFinalized {
		return "OnFinalized"
	}
	return "Unknown"
}

type HotStuffEvent struct {
	Type      EventType      `json:"type"`
	PayloadId PayloadId      `json:"payload_id"`
	Shard     ShardId        `json:"shard"`
	Height    NodeHeight     `json:"height"`
	Result    FinalizeResult `json:"result"`
}

// EventBus fans out events to subscribers. A subscriber that falls behind
// its buffer loses events rather than stalling consensus.
type EventBus struct {
	mu   sync.Mutex
	subs map[int]chan HotStuffEvent
	next int
}

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[int]chan HotStuffEvent)}
}

// Subscribe returns a channel of events and a function that cancels the
// subscription and closes the channel.
func (b *EventBus) Subscribe(buffer int) (<-chan HotStuffEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan HotStuffEvent, buffer)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Publish returns how many subscribers missed the event.
func (b *EventBus) Publish(ev HotStuffEvent) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	dropped := 0
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			dropped++
		}
	}
	return dropped
}
