package chat

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/immutablenpc/npc/ledger"
)

// State is a message's position in the send/confirm life cycle.
type State int

const (
	StateComposed State = iota
	StateUploaded
	StateSubmitted
	StatePending
	StateFinalized
	StateFailed
)

var stateNames = [...]string{"composed", "uploaded", "submitted", "pending", "finalized", "failed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown message state %q", b)
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateFinalized || s == StateFailed }

// Message is the local projection of one user message and its response.
type Message struct {
	ID           uuid.UUID   `json:"id" yaml:"id"`
	Persona      ledger.Name `json:"persona" yaml:"persona"`
	User         ledger.Name `json:"user" yaml:"user"`
	Text         string      `json:"text" yaml:"text"`
	CID          string      `json:"cid,omitempty" yaml:"cid,omitempty"`
	PreStateCID  string      `json:"pre_state_cid,omitempty" yaml:"pre_state_cid,omitempty"`
	PostStateCID string      `json:"post_state_cid,omitempty" yaml:"post_state_cid,omitempty"`
	HistoryCID   string      `json:"history_cid,omitempty" yaml:"history_cid,omitempty"`
	Response     string      `json:"response,omitempty" yaml:"response,omitempty"`
	Finalized    bool        `json:"finalized" yaml:"finalized"`
	State        State       `json:"state" yaml:"state"`
	// Key is the messages table key, once the row has been seen.
	Key       *uint64   `json:"key,omitempty" yaml:"key,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	// Err is set for Failed messages.
	Err error `json:"-" yaml:"-"`
}

// EventKind classifies observer notifications.
type EventKind int

const (
	EventAdded EventKind = iota
	EventUpdated
	EventRetracted
)

func (k EventKind) String() string {
	switch k {
	case EventAdded:
		return "added"
	case EventUpdated:
		return "updated"
	case EventRetracted:
		return "retracted"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event carries a snapshot of the message after the change.
type Event struct {
	Kind    EventKind
	Message Message
}

// Observer is called for every change to the visible message list. Calls
// for one message arrive in order; calls for different messages may
// interleave.
type Observer func(Event)
