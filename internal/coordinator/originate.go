package coordinator

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/cockroachdb/apd/v3"
	"github.com/google/uuid"

	"github.com/jobagent/jobagent/internal/job"
	"github.com/jobagent/jobagent/internal/ledger"
)

// LocalJobPrefix marks ids of jobs originated in simulate mode. The
// rest of the id is a decimal integer used as the job id in simulated
// marketplace calls.
const LocalJobPrefix = "local-"

func newLocalJobID() string {
	u := uuid.New()
	return LocalJobPrefix + strconv.FormatUint(binary.BigEndian.Uint64(u[:8]), 10)
}

// ledgerID is the id used in marketplace calls for a stored job id.
func ledgerID(id string) string {
	return strings.TrimPrefix(id, LocalJobPrefix)
}

func isLocalJob(id string) bool {
	return strings.HasPrefix(id, LocalJobPrefix)
}

// Post describes a job to publish on the marketplace.
type Post struct {
	Title   string
	Content string
	Tags    []string
	// Amount in whole tokens.
	Amount             *apd.Decimal
	MaxTime            uint32
	DeliveryMethod     string
	MultipleApplicants bool
	Token              ledger.Address
	Arbitrator         ledger.Address
	WhitelistWorkers   []ledger.Address
}

// DefaultPost is the sample job published when a sync comes back empty.
func DefaultPost() Post {
	return Post{
		Title:              "Test AI Content Generation Job",
		Content:            "This is a sample job description for testing all features.",
		Tags:               []string{"DO"},
		Amount:             apd.New(200, 0),
		MaxTime:            3600,
		DeliveryMethod:     "ipfs",
		MultipleApplicants: true,
	}
}

// Created is the outcome of CreateJob. JobID is empty when a live
// receipt carried no marketplace log; the job then arrives by sync.
type Created struct {
	JobID     string `json:"job_id,omitempty"`
	TxHash    string `json:"tx_hash"`
	ContentID string `json:"content_id"`
}

// CreateJob publishes p's description to the content store, submits
// publishJobPost and records the job as open.
func (c *Coordinator) CreateJob(ctx context.Context, p Post) (*Created, error) {
	if !c.mu.TryLock() {
		return nil, ErrCycleInProgress
	}
	defer c.mu.Unlock()
	return c.createJob(ctx, c.logger, p)
}

func (c *Coordinator) createJob(ctx context.Context, logger *slog.Logger, p Post) (*Created, error) {
	if p.Title == "" {
		return nil, errors.New("create job: title is required")
	}
	if p.Amount == nil {
		return nil, errors.New("create job: amount is required")
	}
	wei, err := ledger.ToBaseUnits(p.Amount, ledger.TokenDecimals)
	if err != nil {
		return nil, fmt.Errorf("create job: amount: %w", err)
	}
	logger.Info("creating job", "title", p.Title, "amount", p.Amount.String(), "tags", p.Tags)

	contentID, err := c.gw.Content.Put(ctx, []byte(p.Content))
	if err != nil {
		return nil, fmt.Errorf("publish job description: %w", err)
	}
	call, err := ledger.PublishJobPost(ledger.JobPost{
		Title:              p.Title,
		ContentHash:        contentID,
		MultipleApplicants: p.MultipleApplicants,
		Tags:               p.Tags,
		Token:              p.Token,
		Amount:             p.Amount,
		MaxTime:            p.MaxTime,
		DeliveryMethod:     p.DeliveryMethod,
		Arbitrator:         p.Arbitrator,
		WhitelistWorkers:   p.WhitelistWorkers,
	})
	if err != nil {
		return nil, fmt.Errorf("build job post: %w", err)
	}
	r, err := ledger.Submit(ctx, c.gw.Ledger, call)
	if err != nil {
		return nil, err
	}

	created := &Created{TxHash: r.TxHash, ContentID: contentID}
	if r.Simulated {
		created.JobID = newLocalJobID()
	} else if id, ok := ledger.JobIDFromReceipt(r, c.cfg.Marketplace); ok {
		created.JobID = id
	} else {
		logger.Info("job published; id not in receipt, it will arrive by sync", "tx_hash", r.TxHash)
		return created, nil
	}

	whitelist := make([]string, len(p.WhitelistWorkers))
	for i, a := range p.WhitelistWorkers {
		whitelist[i] = a.String()
	}
	j := job.Job{
		ID:    created.JobID,
		State: job.StateOpen,
		Title: p.Title,
		Tags:  p.Tags,
		Details: job.Details{
			Token:              p.Token.String(),
			MaxTime:            int64(p.MaxTime),
			ContentHash:        contentID,
			MultipleApplicants: p.MultipleApplicants,
			DeliveryMethod:     p.DeliveryMethod,
			Arbitrator:         p.Arbitrator.String(),
			WhitelistWorkers:   whitelist,
		},
		CreatedAt: c.clock.Now().UTC(),
	}
	// Records hold amounts in base units, as the index reports them.
	j.Amount.Coeff.SetMathBigInt(wei)
	if _, err := c.store.UpsertJob(ctx, j); err != nil {
		return created, fmt.Errorf("record created job %s: %w", created.JobID, err)
	}
	logger.Info("job created", "job_id", created.JobID, "tx_hash", r.TxHash, "content_id", contentID)
	return created, nil
}
