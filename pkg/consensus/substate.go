package consensus

import (
	"encoding/json"
	"errors"
	"fmt"
)

// PledgeValidHeights is how many node heights a pledge reserves an object for:
// one full Prepare → PreCommit → Commit → Decide round.
const PledgeValidHeights NodeHeight = 4

var ErrInvalidSubstateTransition = errors.New("invalid substate transition")

type SubstateStatus uint8

const (
	SubstateDoesNotExist SubstateStatus = iota
	SubstateUp
	SubstateDown
)

func (s SubstateStatus) String() string {
	switch s {
	case SubstateUp:
		return "Up"
	case SubstateDown:
		return "Down"
	default:
		return "DoesNotExist"
	}
}

// SubstateState is always exactly one of DoesNotExist, Up or Down. Only the
// fields of the active variant are meaningful.
type SubstateState struct {
	Status SubstateStatus

	// Up
	CreatedBy PayloadId
	Address   []byte
	Data      []byte

	// Down
	DeletedBy PayloadId
}

func DoesNotExist() SubstateState { return SubstateState{Status: SubstateDoesNotExist} }

func Up(createdBy PayloadId, address, data []byte) SubstateState {
	return SubstateState{Status: SubstateUp, CreatedBy: createdBy, Address: address, Data: data}
}

func Down(deletedBy PayloadId) SubstateState {
	return SubstateState{Status: SubstateDown, DeletedBy: deletedBy}
}

func (s SubstateState) IsUp() bool   { return s.Status == SubstateUp }
func (s SubstateState) IsDown() bool { return s.Status == SubstateDown }

func (s SubstateState) String() string { return s.Status.String() }

// Transition validates moving from s to next. A substate is created once and
// destroyed once; Down is terminal.
func (s SubstateState) Transition(next SubstateState) error {
	switch {
	case s.Status == SubstateDoesNotExist && next.Status == SubstateUp:
		return nil
	case s.Status == SubstateUp && next.Status == SubstateDown:
		return nil
	case s.Status == next.Status && s.Status != SubstateDown && s.Equal(next):
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidSubstateTransition, s.Status, next.Status)
}

func (s SubstateState) Equal(o SubstateState) bool {
	if s.Status != o.Status {
		return false
	}
	switch s.Status {
	case SubstateUp:
		return s.CreatedBy == o.CreatedBy && string(s.Address) == string(o.Address) && string(s.Data) == string(o.Data)
	case SubstateDown:
		return s.DeletedBy == o.DeletedBy
	}
	return true
}

type substateJSON struct {
	State     string     `json:"state"`
	CreatedBy *PayloadId `json:"created_by,omitempty"`
	Address   []byte     `json:"address,omitempty"`
	Data      []byte     `json:"data,omitempty"`
	DeletedBy *PayloadId `json:"deleted_by,omitempty"`
}

func (s SubstateState) MarshalJSON() ([]byte, error) {
	w := substateJSON{State: s.Status.String()}
	switch s.Status {
	case SubstateUp:
		w.CreatedBy, w.Address, w.Data = &s.CreatedBy, s.Address, s.Data
	case SubstateDown:
		w.DeletedBy = &s.DeletedBy
	}
	return json.Marshal(w)
}

func (s *SubstateState) UnmarshalJSON(b []byte) error {
	var w substateJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	switch w.State {
	case "DoesNotExist":
		*s = DoesNotExist()
	case "Up":
		if w.CreatedBy == nil {
			return fmt.Errorf("substate Up without created_by")
		}
		*s = Up(*w.CreatedBy, w.Address, w.Data)
	case "Down":
		if w.DeletedBy == nil {
			return fmt.Errorf("substate Down without deleted_by")
		}
		*s = Down(*w.DeletedBy)
	default:
		return fmt.Errorf("unknown substate state %q", w.State)
	}
	return nil
}

type SubstateChange uint8

const (
	SubstateChangeCreate SubstateChange = iota
	SubstateChangeExists
	SubstateChangeDestroy
)

func (c SubstateChange) String() string {
	switch c {
	case SubstateChangeCreate:
		return "Create"
	case SubstateChangeExists:
		return "Exists"
	case SubstateChangeDestroy:
		return "Destroy"
	default:
		return fmt.Sprintf("SubstateChange(%d)", uint8(c))
	}
}

// ObjectClaim is the proof a payload offers for its right to touch an object.
// Claims carry no data yet.
type ObjectClaim struct{}

type ObjectPledge struct {
	ShardId          ShardId       `json:"shard_id"`
	CurrentState     SubstateState `json:"current_state"`
	PledgedToPayload PayloadId     `json:"pledged_to_payload"`
	PledgedUntil     NodeHeight    `json:"pledged_until"`
}

// IsActiveAt reports whether the pledge still reserves the object at height.
func (p ObjectPledge) IsActiveAt(height NodeHeight) bool { return p.PledgedUntil > height }

func (p ObjectPledge) Equal(o ObjectPledge) bool {
	return p.ShardId == o.ShardId && p.PledgedToPayload == o.PledgedToPayload &&
		p.PledgedUntil == o.PledgedUntil && p.CurrentState.Equal(o.CurrentState)
}

// SubstateShardData is a substate row as held by a shard store.
type SubstateShardData struct {
	ShardId   ShardId       `json:"shard_id"`
	Substate  SubstateState `json:"substate"`
	NodeHash  TreeNodeHash  `json:"node_hash"`
	Height    NodeHeight    `json:"height"`
	PayloadId PayloadId     `json:"payload_id"`
}
