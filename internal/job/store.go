package job

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidCursor is returned when a cursor update would move it backwards.
	ErrInvalidCursor = errors.New("cursor must not decrease")
	// ErrUnknownJob is returned when a state update names a job that was never upserted.
	ErrUnknownJob = errors.New("unknown job")
	// ErrNoAttempt is returned when recording a tx hash for a job without an attempt marker.
	ErrNoAttempt = errors.New("no pending attempt")
)

// Store persists the sync cursor and job records.
type Store interface {
	// Cursor returns the highest ingested event timestamp, 0 if never set.
	Cursor(ctx context.Context) (int64, error)
	// AdvanceCursor sets the cursor to t. Fails with ErrInvalidCursor if t
	// is below the current value.
	AdvanceCursor(ctx context.Context, t int64) error

	// UpsertJob inserts j if its ID is absent and reports whether it did.
	// An existing record is never modified.
	UpsertJob(ctx context.Context, j Job) (bool, error)
	// SetJobState overwrites the state of a known job and stamps the
	// state-entry time. Legality is the caller's concern.
	SetJobState(ctx context.Context, id string, state State) error
	// CompleteTransition is SetJobState that also records the proof.
	CompleteTransition(ctx context.Context, id string, state State, proof Proof) error

	Get(ctx context.Context, id string) (*Job, error)
	ListByState(ctx context.Context, state State) ([]*Job, error)
	// ListAwaitingDelivery returns jobs in the taken state of the given
	// mode that entered it at least minAge ago.
	ListAwaitingDelivery(ctx context.Context, minAge time.Duration, simulated bool) ([]string, error)
	Counts(ctx context.Context) (map[State]int, error)
	History(ctx context.Context, id string) ([]Transition, error)

	// MarkAttempt records that action is about to be submitted for id.
	MarkAttempt(ctx context.Context, id string, action Action) error
	// RecordAttemptTx attaches the broadcast tx hash to the attempt marker.
	RecordAttemptTx(ctx context.Context, id, txHash string) error
	ClearAttempt(ctx context.Context, id string) error
}
