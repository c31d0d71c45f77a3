package consensus

import (
	"sort"
	"sync"
	"time"

	"github.com/uhyunpark/shardbft/pkg/util"
)

// InstanceKey identifies one HotStuff pipeline: a payload on a shard.
type InstanceKey struct {
	Payload PayloadId
	Shard   ShardId
}

// Pacemaker tracks a deadline and leader round per pipeline. A pipeline that
// makes no progress before its deadline moves to the next leader round.
type Pacemaker struct {
	Timeout time.Duration
	Clock   util.Clock

	mu        sync.Mutex
	deadlines map[InstanceKey]time.Time
	rounds    map[InstanceKey]uint32
}

func NewPacemaker(timeout time.Duration, clock util.Clock) *Pacemaker {
	return &Pacemaker{
		Timeout:   timeout,
		Clock:     clock,
		deadlines: make(map[InstanceKey]time.Time),
		rounds:    make(map[InstanceKey]uint32),
	}
}

// Start arms the deadline for k. It is a no-op for a running pipeline.
func (p *Pacemaker) Start(k InstanceKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.deadlines[k]; ok {
		return
	}
	p.deadlines[k] = p.Clock.Now().Add(p.Timeout)
}

// Progress pushes the deadline of a running pipeline out by one timeout.
func (p *Pacemaker) Progress(k InstanceKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.deadlines[k]; ok {
		p.deadlines[k] = p.Clock.Now().Add(p.Timeout)
	}
}

func (p *Pacemaker) Stop(k InstanceKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.deadlines, k)
	delete(p.rounds, k)
}

func (p *Pacemaker) Running(k InstanceKey) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.deadlines[k]
	return ok
}

func (p *Pacemaker) Round(k InstanceKey) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rounds[k]
}

// AdvanceTo moves k to round if that is ahead of the local round.
func (p *Pacemaker) AdvanceTo(k InstanceKey, round uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if round <= p.rounds[k] {
		return false
	}
	p.rounds[k] = round
	if _, ok := p.deadlines[k]; ok {
		p.deadlines[k] = p.Clock.Now().Add(p.Timeout)
	}
	return true
}

func (p *Pacemaker) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.deadlines)
}

// Expire bumps the round of every pipeline whose deadline has passed, re-arms
// it, and returns the affected keys in a stable order.
func (p *Pacemaker) Expire() []InstanceKey {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.Clock.Now()
	var out []InstanceKey
	for k, d := range p.deadlines {
		if now.Before(d) {
			continue
		}
		p.rounds[k]++
		p.deadlines[k] = now.Add(p.Timeout)
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Shard != out[j].Shard {
			return out[i].Shard.Less(out[j].Shard)
		}
		return string(out[i].Payload[:]) < string(out[j].Payload[:])
	})
	return out
}
