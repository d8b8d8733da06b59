package index

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/cockroachdb/apd/v3"

	"github.com/jobagent/jobagent/internal/job"
)

// SchemaVersion identifies the JobCreated event layout Decode accepts.
const SchemaVersion = 1

// DecodeError reports an event that does not match the schema.
type DecodeError struct {
	Version int
	Index   int
	JobID   string
	Field   string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode job event v%d #%d (job %q) field %s: %v", e.Version, e.Index, e.JobID, e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// scalar accepts a JSON string or number and keeps its text. Indexers
// serialize big integers as strings and small ones as numbers.
type scalar string

func (s *scalar) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*s = ""
	case len(b) > 0 && b[0] == '"':
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*s = scalar(str)
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("want string or number, got %s", b)
		}
		*s = scalar(n.String())
	}
	return nil
}

type jobCreatedV1 struct {
	JobID     scalar            `json:"jobId"`
	Timestamp scalar            `json:"timestamp_"`
	Details   *jobCreatedDetail `json:"details"`
}

type jobCreatedDetail struct {
	Title              string   `json:"title"`
	Tags               []string `json:"tags"`
	Amount             scalar   `json:"amount"`
	Token              string   `json:"token"`
	MaxTime            scalar   `json:"maxTime"`
	ContentHash        string   `json:"contentHash"`
	MultipleApplicants bool     `json:"multipleApplicants"`
	DeliveryMethod     string   `json:"deliveryMethod"`
	Arbitrator         string   `json:"arbitrator"`
	WhitelistWorkers   []string `json:"whitelistWorkers"`
}

// Decode parses one JobCreated event.
func Decode(raw json.RawMessage) (job.Event, error) {
	var ev job.Event
	fail := func(id, field string, err error) (job.Event, error) {
		return job.Event{}, &DecodeError{Version: SchemaVersion, JobID: id, Field: field, Err: err}
	}

	var wire jobCreatedV1
	if err := json.Unmarshal(raw, &wire); err != nil {
		return fail("", "event", err)
	}
	id := string(wire.JobID)
	if id == "" {
		return fail("", "jobId", fmt.Errorf("missing"))
	}
	ts, err := strconv.ParseInt(string(wire.Timestamp), 10, 64)
	if err != nil {
		return fail(id, "timestamp_", err)
	}
	if ts < 0 {
		return fail(id, "timestamp_", fmt.Errorf("negative timestamp %d", ts))
	}
	d := wire.Details
	if d == nil {
		return fail(id, "details", fmt.Errorf("missing JobCreatedEvent details"))
	}
	if d.Amount == "" {
		return fail(id, "amount", fmt.Errorf("missing"))
	}
	if _, _, err := ev.Amount.SetString(string(d.Amount)); err != nil {
		return fail(id, "amount", err)
	}
	if ev.Amount.Negative || ev.Amount.Form != apd.Finite {
		return fail(id, "amount", fmt.Errorf("amount %s is not a non-negative finite number", d.Amount))
	}
	var maxTime int64
	if d.MaxTime != "" {
		if maxTime, err = strconv.ParseInt(string(d.MaxTime), 10, 64); err != nil {
			return fail(id, "maxTime", err)
		}
	}

	ev.JobID = id
	ev.Timestamp = ts
	ev.Title = d.Title
	ev.Tags = d.Tags
	ev.Details = job.Details{
		Token:              d.Token,
		MaxTime:            maxTime,
		ContentHash:        d.ContentHash,
		MultipleApplicants: d.MultipleApplicants,
		DeliveryMethod:     d.DeliveryMethod,
		Arbitrator:         d.Arbitrator,
		WhitelistWorkers:   d.WhitelistWorkers,
	}
	return ev, nil
}
