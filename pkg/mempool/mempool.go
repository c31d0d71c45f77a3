package mempool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/uhyunpark/shardbft/pkg/consensus"
)

var (
	ErrMaxOutputsExceeded = errors.New("max outputs exceeded")
	ErrAlreadyPending     = errors.New("payload already pending")
	ErrPoolFull           = errors.New("mempool full")
)

// Outputs is implemented by payloads that can report how many objects they
// declare as created.
type Outputs interface {
	NumOutputs() int
}

type entry[P consensus.Payload] struct {
	payload  P
	proposed bool
}

// Pool holds payloads between submission and finalization. Payloads are
// handed to consensus in admission order and stay pending until removed.
type Pool[P consensus.Payload] struct {
	// MaxOutputs is the node limit on outputs per payload. Zero means no limit.
	MaxOutputs uint32
	// Capacity bounds pending payloads. Zero means no limit.
	Capacity int

	mu     sync.Mutex
	byId   map[consensus.PayloadId]*entry[P]
	order  []consensus.PayloadId
	notify chan struct{}
}

func NewPool[P consensus.Payload](maxOutputs uint32, capacity int) *Pool[P] {
	return &Pool[P]{
		MaxOutputs: maxOutputs,
		Capacity:   capacity,
		byId:       make(map[consensus.PayloadId]*entry[P]),
		notify:     make(chan struct{}, 1),
	}
}

// CheckOutputs rejects a payload that declares more outputs than it allows
// itself or than the node allows.
func (m *Pool[P]) CheckOutputs(p P) error {
	n := 0
	if o, ok := any(p).(Outputs); ok {
		n = o.NumOutputs()
	} else {
		for _, s := range p.InvolvedShards() {
			if change, _, ok := p.ObjectsForShard(s); ok && change == consensus.SubstateChangeCreate {
				n++
			}
		}
	}
	if uint64(n) > uint64(p.MaxOutputs()) {
		return fmt.Errorf("%w: %d outputs, payload allows %d", ErrMaxOutputsExceeded, n, p.MaxOutputs())
	}
	if m.MaxOutputs > 0 && uint64(n) > uint64(m.MaxOutputs) {
		return fmt.Errorf("%w: %d outputs, node allows %d", ErrMaxOutputsExceeded, n, m.MaxOutputs)
	}
	return nil
}

func (m *Pool[P]) Submit(p P) (consensus.PayloadId, error) {
	id := consensus.PayloadIdOf(p)
	if err := m.CheckOutputs(p); err != nil {
		return id, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byId[id]; ok {
		return id, ErrAlreadyPending
	}
	if m.Capacity > 0 && len(m.byId) >= m.Capacity {
		return id, ErrPoolFull
	}
	m.byId[id] = &entry[P]{payload: p}
	m.order = append(m.order, id)
	select {
	case m.notify <- struct{}{}:
	default:
	}
	return id, nil
}

// Notify fires after a submission. Consumers call TakeNew on each signal.
func (m *Pool[P]) Notify() <-chan struct{} { return m.notify }

// TakeNew returns up to max payloads not yet handed to consensus, oldest
// first, and marks them proposed. max <= 0 takes all.
func (m *Pool[P]) TakeNew(max int) []P {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []P
	for _, id := range m.order {
		if max > 0 && len(out) >= max {
			break
		}
		e := m.byId[id]
		if e.proposed {
			continue
		}
		e.proposed = true
		out = append(out, e.payload)
	}
	return out
}

func (m *Pool[P]) Get(id consensus.PayloadId) (P, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byId[id]
	if !ok {
		var zero P
		return zero, false
	}
	return e.payload, true
}

// Remove drops a payload, typically once it is finalized.
func (m *Pool[P]) Remove(id consensus.PayloadId) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byId[id]; !ok {
		return false
	}
	delete(m.byId, id)
	for i, o := range m.order {
		if o == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true
}

// Len returns total pending payloads.
func (m *Pool[P]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byId)
}
