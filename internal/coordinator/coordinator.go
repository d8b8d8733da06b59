// Package coordinator drives the job lifecycle: it syncs job-creation
// events into the store, takes eligible open jobs and delivers results
// for taken jobs once their cooling-off window has passed.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/google/uuid"

	"github.com/jobagent/jobagent/internal/clock"
	"github.com/jobagent/jobagent/internal/contentstore"
	"github.com/jobagent/jobagent/internal/eligibility"
	"github.com/jobagent/jobagent/internal/generate"
	"github.com/jobagent/jobagent/internal/index"
	"github.com/jobagent/jobagent/internal/job"
	"github.com/jobagent/jobagent/internal/ledger"
)

// ErrCycleInProgress is returned by RunCycle when another cycle holds the lock.
var ErrCycleInProgress = errors.New("cycle already in progress")

// Config holds the coordinator's policy settings.
type Config struct {
	MinAmount *apd.Decimal
	// AcceptTag defaults to eligibility.AcceptTag.
	AcceptTag  string
	CoolingOff time.Duration
	BatchSize  int
	// Marketplace is used to find the job id in publishJobPost receipts.
	Marketplace ledger.Address
	// OriginateOnEmpty publishes Origin when a sync finds no new events.
	OriginateOnEmpty bool
	Origin           Post
}

// Gateways are the external collaborators of a Coordinator.
type Gateways struct {
	Index     index.Gateway
	Ledger    ledger.Gateway
	Content   contentstore.Gateway
	Generator generate.Generator
}

// Sealer encrypts deliverables before they are published.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
}

// Notifier is told about every committed transition.
type Notifier interface {
	Notify(ctx context.Context, tr job.Transition)
}

// Coordinator runs lifecycle cycles. It keeps no state between cycles
// beyond what is in the store.
type Coordinator struct {
	store  job.Store
	gw     Gateways
	cfg    Config
	filter eligibility.Filter

	clock    clock.Clock
	logger   *slog.Logger
	sealer   Sealer
	notifier Notifier

	mu sync.Mutex
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock sets the clock used for transition timestamps.
func WithClock(c clock.Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(co *Coordinator) { co.logger = l }
}

// WithSealer encrypts every deliverable before publishing it.
func WithSealer(s Sealer) Option {
	return func(co *Coordinator) { co.sealer = s }
}

func WithNotifier(n Notifier) Option {
	return func(co *Coordinator) { co.notifier = n }
}

// New returns a Coordinator. A nil Generator falls back to generate.Placeholder.
func New(store job.Store, gw Gateways, cfg Config, opts ...Option) (*Coordinator, error) {
	if store == nil || gw.Index == nil || gw.Ledger == nil || gw.Content == nil {
		return nil, errors.New("coordinator: store, index, ledger and content gateways are required")
	}
	if cfg.MinAmount == nil {
		return nil, errors.New("coordinator: min amount is required")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("coordinator: batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.AcceptTag == "" {
		cfg.AcceptTag = eligibility.AcceptTag
	}
	if gw.Generator == nil {
		gw.Generator = generate.Placeholder{}
	}
	c := &Coordinator{
		store:  store,
		gw:     gw,
		cfg:    cfg,
		filter: eligibility.Filter{Marker: cfg.AcceptTag, MinAmount: cfg.MinAmount},
		clock:  clock.Real(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Simulated reports whether this coordinator's ledger is simulate-only.
func (c *Coordinator) Simulated() bool {
	return c.gw.Ledger.Simulated()
}

// Report summarizes one cycle.
type Report struct {
	CycleID    string   `json:"cycle_id"`
	Simulated  bool     `json:"simulated"`
	Cursor     int64    `json:"cursor"`
	Fetched    int      `json:"fetched"`
	Inserted   int      `json:"inserted"`
	Originated string   `json:"originated,omitempty"`
	Taken      []string `json:"taken"`
	Delivered  []string `json:"delivered"`
	// Pending lists jobs whose earlier submission is not yet mined.
	Pending  []string      `json:"pending"`
	Failed   []string      `json:"failed"`
	Duration time.Duration `json:"duration_ns"`
	// SyncError is set when the index query failed; dispatch still ran.
	SyncError string `json:"sync_error,omitempty"`
}

// RunCycle runs sync then dispatch. Only one cycle runs at a time.
// Gateway failures are logged and reported; the returned error is
// reserved for store failures that stop the cycle.
func (c *Coordinator) RunCycle(ctx context.Context) (*Report, error) {
	if !c.mu.TryLock() {
		return nil, ErrCycleInProgress
	}
	defer c.mu.Unlock()

	start := time.Now()
	rep := &Report{
		CycleID:   uuid.NewString(),
		Simulated: c.Simulated(),
		Taken:     []string{},
		Delivered: []string{},
		Pending:   []string{},
		Failed:    []string{},
	}
	logger := c.logger.With("cycle_id", rep.CycleID)
	logger.Info("cycle started", "simulated", rep.Simulated)

	res, err := c.sync(ctx, logger)
	switch {
	case errors.Is(err, errIndex):
		rep.SyncError = err.Error()
	case err != nil:
		return rep, err
	}
	rep.Cursor = res.Cursor
	rep.Fetched = res.Fetched
	rep.Inserted = res.Inserted

	if err == nil && res.Fetched == 0 && c.cfg.OriginateOnEmpty {
		created, err := c.createJob(ctx, logger, c.cfg.Origin)
		if err != nil {
			logger.Warn("originate job failed", "error", err)
		} else {
			rep.Originated = created.JobID
		}
	}

	if err := c.dispatch(ctx, logger, rep); err != nil {
		return rep, err
	}

	rep.Duration = time.Since(start)
	logger.Info("cycle finished",
		"cursor", rep.Cursor,
		"inserted", rep.Inserted,
		"taken", len(rep.Taken),
		"delivered", len(rep.Delivered),
		"pending", len(rep.Pending),
		"failed", len(rep.Failed),
		"duration", rep.Duration,
	)
	return rep, nil
}

// Status is a snapshot of the store.
type Status struct {
	Cursor    int64             `json:"cursor"`
	Simulated bool              `json:"simulated"`
	Counts    map[job.State]int `json:"counts"`
}

func (c *Coordinator) Status(ctx context.Context) (*Status, error) {
	cursor, err := c.store.Cursor(ctx)
	if err != nil {
		return nil, fmt.Errorf("read cursor: %w", err)
	}
	counts, err := c.store.Counts(ctx)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	return &Status{Cursor: cursor, Simulated: c.Simulated(), Counts: counts}, nil
}

// JobReport is a job record with its transition history.
type JobReport struct {
	*job.Job
	// Amount is in base units.
	Amount  string           `json:"amount"`
	History []job.Transition `json:"history"`
}

// Inspect returns the record and history of id.
func (c *Coordinator) Inspect(ctx context.Context, id string) (*JobReport, error) {
	j, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	if j == nil {
		return nil, fmt.Errorf("job %s: %w", id, job.ErrUnknownJob)
	}
	hist, err := c.store.History(ctx, id)
	if err != nil {
		return nil, err
	}
	if hist == nil {
		hist = []job.Transition{}
	}
	return &JobReport{Job: j, Amount: j.Amount.String(), History: hist}, nil
}
