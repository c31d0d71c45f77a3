package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/uhyunpark/shardbft/pkg/consensus"
	"github.com/uhyunpark/shardbft/pkg/util"
)

var ErrTimedOut = errors.New("timed out waiting for result")

const resultCacheSize = 4096

// ShardResolver names the shards on which this node finalizes a payload.
type ShardResolver interface {
	ExpectedShards(id consensus.PayloadId) ([]consensus.ShardId, error)
}

// Waiter records finalize results from the event bus and lets callers wait
// for the result of a payload. A payload finalized on several local shards
// is complete once each of them has reported; the shard results are merged.
type Waiter struct {
	// Shards resolves the local shards of a payload. Without it, or when it
	// fails, the first shard result completes the payload.
	Shards ShardResolver
	Logger *zap.SugaredLogger

	events      <-chan consensus.HotStuffEvent
	unsubscribe func()

	mu       sync.Mutex
	results  *lru.Cache
	pending  map[consensus.PayloadId]*partialResult
	expected map[consensus.PayloadId][]consensus.ShardId
	waiting  map[consensus.PayloadId][]chan consensus.FinalizeResult
}

type partialResult struct {
	result   consensus.FinalizeResult
	reported map[consensus.ShardId]struct{}
}

func NewWaiter(bus *consensus.EventBus) *Waiter {
	results, _ := lru.New(resultCacheSize)
	events, unsubscribe := bus.Subscribe(256)
	return &Waiter{
		events:      events,
		unsubscribe: unsubscribe,
		results:     results,
		pending:     make(map[consensus.PayloadId]*partialResult),
		expected:    make(map[consensus.PayloadId][]consensus.ShardId),
		waiting:     make(map[consensus.PayloadId][]chan consensus.FinalizeResult),
	}
}

// Run consumes events until ctx is done. The subscription is taken by
// NewWaiter so nothing published in between is missed.
func (w *Waiter) Run(ctx context.Context) error {
	defer w.unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.events:
			if !ok {
				return nil
			}
			if ev.Type == consensus.EventOnFinalized {
				w.Record(ev.Shard, ev.Result)
			}
		}
	}
}

// Expect sets the shards a payload must finalize on before it is complete.
// It takes precedence over Shards.
func (w *Waiter) Expect(id consensus.PayloadId, shards []consensus.ShardId) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.expected[id] = append([]consensus.ShardId(nil), shards...)
}

// Record stores the result of one shard. Waiters wake once every expected
// shard of the payload has reported.
func (w *Waiter) Record(shard consensus.ShardId, r consensus.FinalizeResult) {
	w.mu.Lock()
	expected, ok := w.expected[r.PayloadId]
	w.mu.Unlock()
	if !ok && w.Shards != nil {
		shards, err := w.Shards.ExpectedShards(r.PayloadId)
		if err != nil {
			util.OrNop(w.Logger).Warnw("expected_shards_failed", "payload", r.PayloadId, "err", err)
		} else {
			expected = shards
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, done := w.results.Get(r.PayloadId); done {
		return
	}
	part, ok := w.pending[r.PayloadId]
	if !ok {
		part = &partialResult{result: r, reported: make(map[consensus.ShardId]struct{})}
		w.pending[r.PayloadId] = part
	} else {
		part.result = merge(part.result, r)
	}
	part.reported[shard] = struct{}{}
	for _, s := range expected {
		if _, ok := part.reported[s]; !ok {
			return
		}
	}

	delete(w.pending, r.PayloadId)
	delete(w.expected, r.PayloadId)
	w.results.Add(r.PayloadId, part.result)
	for _, ch := range w.waiting[r.PayloadId] {
		ch <- part.result
	}
	delete(w.waiting, r.PayloadId)
}

func merge(a, b consensus.FinalizeResult) consensus.FinalizeResult {
	out := consensus.FinalizeResult{
		PayloadId: a.PayloadId,
		Decision:  a.Decision,
		Reason:    a.Reason,
		Changes:   make(map[consensus.ShardId]consensus.SubstateState, len(a.Changes)+len(b.Changes)),
	}
	if !b.Accepted() && a.Accepted() {
		out.Decision, out.Reason = b.Decision, b.Reason
	}
	for s, c := range a.Changes {
		out.Changes[s] = c
	}
	for s, c := range b.Changes {
		out.Changes[s] = c
	}
	return out
}

// PayloadShards resolves the shards of a stored payload whose committee
// includes Self, the same shards the engine runs instances for.
type PayloadShards[A consensus.NodeAddressable, P consensus.Payload] struct {
	Store  consensus.ShardStore[A, P]
	Epochs consensus.EpochManager[A]
	Self   A
}

func (r PayloadShards[A, P]) ExpectedShards(id consensus.PayloadId) ([]consensus.ShardId, error) {
	var p P
	err := consensus.View(r.Store, func(tx consensus.ShardStoreTx[A, P]) error {
		var err error
		p, err = tx.GetPayload(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	e := r.Epochs.CurrentEpoch()
	var local []consensus.ShardId
	for _, shard := range p.InvolvedShards() {
		c, err := r.Epochs.GetCommittee(e, shard)
		if err != nil {
			return nil, fmt.Errorf("committee for %s: %w", shard, err)
		}
		if c.Contains(r.Self) {
			local = append(local, shard)
		}
	}
	return local, nil
}

// Result returns a recorded result without waiting.
func (w *Waiter) Result(id consensus.PayloadId) (consensus.FinalizeResult, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.results.Get(id)
	if !ok {
		return consensus.FinalizeResult{}, false
	}
	return r.(consensus.FinalizeResult), true
}

// WaitForResult blocks until the payload is finalized. A positive timeout
// bounds the wait and ends it with ErrTimedOut; otherwise only ctx does.
func (w *Waiter) WaitForResult(ctx context.Context, id consensus.PayloadId, timeout time.Duration) (consensus.FinalizeResult, error) {
	w.mu.Lock()
	if r, ok := w.results.Get(id); ok {
		w.mu.Unlock()
		return r.(consensus.FinalizeResult), nil
	}
	ch := make(chan consensus.FinalizeResult, 1)
	w.waiting[id] = append(w.waiting[id], ch)
	w.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case r := <-ch:
		return r, nil
	case <-expired:
		w.forget(id, ch)
		return consensus.FinalizeResult{}, ErrTimedOut
	case <-ctx.Done():
		w.forget(id, ch)
		return consensus.FinalizeResult{}, ctx.Err()
	}
}

func (w *Waiter) forget(id consensus.PayloadId, ch chan consensus.FinalizeResult) {
	w.mu.Lock()
	defer w.mu.Unlock()
	chans := w.waiting[id]
	for i, c := range chans {
		if c == ch {
			chans = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(chans) == 0 {
		delete(w.waiting, id)
	} else {
		w.waiting[id] = chans
	}
}
