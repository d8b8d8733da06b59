package job

import (
	"time"

	"github.com/cockroachdb/apd/v3"
)

// State is the lifecycle position of a job as known to this agent.
type State string

const (
	StateOpen               State = "open"
	StateTaken              State = "taken"
	StateTakenSimulated     State = "taken (simulated)"
	StateDelivered          State = "delivered"
	StateDeliveredSimulated State = "delivered (simulated)"
)

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateOpen, StateTaken, StateTakenSimulated, StateDelivered, StateDeliveredSimulated:
		return true
	}
	return false
}

// IsSimulated returns true for states reached without a real ledger transaction.
func (s State) IsSimulated() bool {
	return s == StateTakenSimulated || s == StateDeliveredSimulated
}

// Taken returns the post-take state for the given ledger mode.
func Taken(simulated bool) State {
	if simulated {
		return StateTakenSimulated
	}
	return StateTaken
}

// Delivered returns the post-delivery state for the given ledger mode.
func Delivered(simulated bool) State {
	if simulated {
		return StateDeliveredSimulated
	}
	return StateDelivered
}

// CanTransition reports whether from -> to is a legal forward move.
// Live and simulated lifecycles never cross.
func CanTransition(from, to State) bool {
	switch from {
	case StateOpen:
		return to == StateTaken || to == StateTakenSimulated
	case StateTaken:
		return to == StateDelivered
	case StateTakenSimulated:
		return to == StateDeliveredSimulated
	}
	return false
}

// Action names a ledger-mutating marketplace call.
type Action string

const (
	ActionTake    Action = "takeJob"
	ActionDeliver Action = "deliverResult"
)

// Details carries the job-creation attributes the agent keeps but does
// not act on.
type Details struct {
	Token              string   `cbor:"token,omitempty" json:"token,omitempty"`
	MaxTime            int64    `cbor:"max_time,omitempty" json:"max_time,omitempty"`
	ContentHash        string   `cbor:"content_hash,omitempty" json:"content_hash,omitempty"`
	MultipleApplicants bool     `cbor:"multiple_applicants,omitempty" json:"multiple_applicants,omitempty"`
	DeliveryMethod     string   `cbor:"delivery_method,omitempty" json:"delivery_method,omitempty"`
	Arbitrator         string   `cbor:"arbitrator,omitempty" json:"arbitrator,omitempty"`
	WhitelistWorkers   []string `cbor:"whitelist_workers,omitempty" json:"whitelist_workers,omitempty"`
}

type Job struct {
	ID             string      `json:"job_id"`
	State          State       `json:"state"`
	Title          string      `json:"title,omitempty"`
	Tags           []string    `json:"tags,omitempty"`
	Amount         apd.Decimal `json:"-"`
	Details        Details     `json:"details"`
	CreatedAt      time.Time   `json:"created_at"`
	StateEnteredAt time.Time   `json:"state_entered_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	TxHash         string      `json:"tx_hash,omitempty"`
	ContentID      string      `json:"content_id,omitempty"`

	// Attempt marker for an in-flight ledger submission.
	PendingAction Action     `json:"pending_action,omitempty"`
	PendingTx     string     `json:"pending_tx,omitempty"`
	PendingSince  *time.Time `json:"pending_since,omitempty"`
}

// Event is one decoded job-creation event from the event index.
type Event struct {
	JobID     string
	Timestamp int64
	Title     string
	Tags      []string
	Amount    apd.Decimal
	Details   Details
}

// Job returns the open job record first sighting of e produces.
func (e *Event) Job() Job {
	j := Job{
		ID:        e.JobID,
		State:     StateOpen,
		Title:     e.Title,
		Tags:      e.Tags,
		Details:   e.Details,
		CreatedAt: time.Unix(e.Timestamp, 0).UTC(),
	}
	j.Amount.Set(&e.Amount)
	return j
}

// Proof records what backs a committed transition.
type Proof struct {
	TxHash    string
	ContentID string
}

// Transition is one row of the audit trail.
type Transition struct {
	JobID     string    `json:"job_id"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	TxHash    string    `json:"tx_hash,omitempty"`
	ContentID string    `json:"content_id,omitempty"`
	At        time.Time `json:"at"`
}
