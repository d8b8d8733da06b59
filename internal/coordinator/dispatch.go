package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/jobagent/jobagent/internal/job"
	"github.com/jobagent/jobagent/internal/ledger"
)

// ErrAwaitingReceipt is returned when an earlier submission for the job
// is broadcast but not yet mined. The job is left alone this cycle.
var ErrAwaitingReceipt = errors.New("previous submission not yet mined")

// Dispatch takes every eligible open job and delivers every taken job
// past its cooling-off window, at most one action per job.
func (c *Coordinator) Dispatch(ctx context.Context) (*Report, error) {
	if !c.mu.TryLock() {
		return nil, ErrCycleInProgress
	}
	defer c.mu.Unlock()
	rep := &Report{Simulated: c.Simulated()}
	err := c.dispatch(ctx, c.logger.With("cycle_id", uuid.NewString()), rep)
	return rep, err
}

func (c *Coordinator) dispatch(ctx context.Context, logger *slog.Logger, rep *Report) error {
	acted := make(map[string]bool)

	open, err := c.store.ListByState(ctx, job.StateOpen)
	if err != nil {
		return fmt.Errorf("list open jobs: %w", err)
	}
	live := !c.Simulated()
	for _, j := range open {
		if !c.filter.ShouldTake(j.Tags, &j.Amount) {
			continue
		}
		if live && isLocalJob(j.ID) {
			logger.Debug("skipping job originated in simulate mode", "job_id", j.ID)
			continue
		}
		acted[j.ID] = true
		done, err := c.take(ctx, logger, j.ID)
		record(logger, rep, j.ID, job.ActionTake, done, err, &rep.Taken)
	}

	due, err := c.store.ListAwaitingDelivery(ctx, c.cfg.CoolingOff, c.Simulated())
	if err != nil {
		return fmt.Errorf("list jobs awaiting delivery: %w", err)
	}
	for _, id := range due {
		if acted[id] {
			continue
		}
		acted[id] = true
		done, err := c.deliver(ctx, logger, id)
		record(logger, rep, id, job.ActionDeliver, done, err, &rep.Delivered)
	}
	return nil
}

func record(logger *slog.Logger, rep *Report, id string, action job.Action, done bool, err error, into *[]string) {
	switch {
	case errors.Is(err, ErrAwaitingReceipt):
		rep.Pending = append(rep.Pending, id)
		logger.Info("waiting for earlier submission", "job_id", id, "action", action)
	case err != nil:
		rep.Failed = append(rep.Failed, id)
		logger.Warn("action failed; state unchanged", "job_id", id, "action", action, "error", err)
	case done:
		*into = append(*into, id)
	}
}

// Take submits takeJob for id if its persisted state is open. It reports
// whether the job moved to the taken state.
func (c *Coordinator) Take(ctx context.Context, id string) (bool, error) {
	if !c.mu.TryLock() {
		return false, ErrCycleInProgress
	}
	defer c.mu.Unlock()
	return c.take(ctx, c.logger, id)
}

// Deliver produces, publishes and delivers the result for id if its
// persisted state is taken in this coordinator's mode. It does not
// check the cooling-off window. It reports whether the job moved to the
// delivered state.
func (c *Coordinator) Deliver(ctx context.Context, id string) (bool, error) {
	if !c.mu.TryLock() {
		return false, ErrCycleInProgress
	}
	defer c.mu.Unlock()
	return c.deliver(ctx, c.logger, id)
}

// guard loads id and checks it is in want.
func (c *Coordinator) guard(ctx context.Context, logger *slog.Logger, id string, want job.State) (*job.Job, error) {
	j, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	if j == nil {
		return nil, fmt.Errorf("job %s: %w", id, job.ErrUnknownJob)
	}
	if j.State != want {
		logger.Debug("skipping job not in expected state", "job_id", id, "state", j.State, "want", want)
		return nil, nil
	}
	return j, nil
}

func (c *Coordinator) take(ctx context.Context, logger *slog.Logger, id string) (bool, error) {
	j, err := c.guard(ctx, logger, id, job.StateOpen)
	if err != nil || j == nil {
		return false, err
	}
	logger = logger.With("job_id", id)
	logger.Info("taking job", "amount", j.Amount.String(), "tags", j.Tags)

	r, err := c.submit(ctx, logger, j, job.ActionTake, func(ctx context.Context) (ledger.Call, error) {
		digest, err := ledger.TakeDigest(ledgerID(id))
		if err != nil {
			return ledger.Call{}, err
		}
		sig, err := c.gw.Ledger.Sign(ctx, digest)
		if err != nil {
			return ledger.Call{}, fmt.Errorf("sign take: %w", err)
		}
		return ledger.TakeJob(ledgerID(id), sig)
	})
	if err != nil {
		return false, err
	}
	if err := c.commit(ctx, logger, j, job.Taken(r.Simulated), job.Proof{TxHash: r.TxHash}); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Coordinator) deliver(ctx context.Context, logger *slog.Logger, id string) (bool, error) {
	sim := c.Simulated()
	j, err := c.guard(ctx, logger, id, job.Taken(sim))
	if err != nil || j == nil {
		return false, err
	}
	logger = logger.With("job_id", id)
	logger.Info("delivering job")

	var contentID string
	r, err := c.submit(ctx, logger, j, job.ActionDeliver, func(ctx context.Context) (ledger.Call, error) {
		content, err := c.gw.Generator.Generate(ctx, *j)
		if err != nil {
			return ledger.Call{}, fmt.Errorf("generate deliverable: %w", err)
		}
		if c.sealer != nil {
			if content, err = c.sealer.Seal(content); err != nil {
				return ledger.Call{}, fmt.Errorf("seal deliverable: %w", err)
			}
		}
		if contentID, err = c.gw.Content.Put(ctx, content); err != nil {
			return ledger.Call{}, fmt.Errorf("publish deliverable: %w", err)
		}
		logger.Info("deliverable published", "content_id", contentID, "bytes", len(content))
		return ledger.DeliverResult(ledgerID(id), contentID)
	})
	if err != nil {
		return false, err
	}
	if err := c.commit(ctx, logger, j, job.Delivered(r.Simulated), job.Proof{TxHash: r.TxHash, ContentID: contentID}); err != nil {
		return false, err
	}
	logger.Info("result delivered; approval or dispute is left to the poster and arbitrator",
		"tx_hash", r.TxHash, "content_id", contentID)
	return true, nil
}

// submit sends the call built by build and waits for its receipt. In
// live mode an attempt marker brackets the submission so that a crash
// between a mined transaction and the state commit is reconciled from
// the ledger instead of resubmitted.
func (c *Coordinator) submit(ctx context.Context, logger *slog.Logger, j *job.Job, action job.Action,
	build func(context.Context) (ledger.Call, error)) (*ledger.Receipt, error) {
	live := !c.gw.Ledger.Simulated()

	if live && j.PendingAction == action {
		r, err := c.reconcile(ctx, logger, j)
		if r != nil || err != nil {
			return r, err
		}
	}

	call, err := build(ctx)
	if err != nil {
		return nil, err
	}
	if live {
		if err := c.store.MarkAttempt(ctx, j.ID, action); err != nil {
			return nil, fmt.Errorf("mark attempt: %w", err)
		}
	}

	hash, err := c.gw.Ledger.Send(ctx, call)
	if err != nil {
		if live {
			c.clearAttempt(ctx, logger, j.ID)
		}
		return nil, fmt.Errorf("send %s: %w", call.Method, err)
	}
	logger = logger.With("tx_hash", hash)
	if live {
		if err := c.store.RecordAttemptTx(ctx, j.ID, hash); err != nil {
			logger.Warn("record attempt tx failed", "error", err)
		}
	}

	r, err := c.gw.Ledger.Wait(ctx, hash)
	if err != nil {
		if live && errors.Is(err, ledger.ErrReverted) {
			c.clearAttempt(ctx, logger, j.ID)
		}
		// Unconfirmed transactions keep their marker for the next cycle.
		return nil, fmt.Errorf("%s tx %s: %w", call.Method, hash, err)
	}
	return r, nil
}

// reconcile resolves a marker left by an earlier submission. A nil
// receipt and nil error mean the action should be submitted again.
func (c *Coordinator) reconcile(ctx context.Context, logger *slog.Logger, j *job.Job) (*ledger.Receipt, error) {
	if j.PendingTx == "" {
		logger.Warn("earlier attempt left no tx hash; resubmitting", "action", j.PendingAction)
		return nil, nil
	}
	logger = logger.With("tx_hash", j.PendingTx)
	r, err := c.gw.Ledger.Lookup(ctx, j.PendingTx)
	if err != nil {
		return nil, fmt.Errorf("look up earlier %s tx: %w", j.PendingAction, err)
	}
	switch {
	case r == nil:
		return nil, ErrAwaitingReceipt
	case r.Success:
		logger.Info("earlier submission was mined; committing without resubmitting", "action", j.PendingAction)
		return r, nil
	default:
		logger.Warn("earlier submission reverted; resubmitting", "action", j.PendingAction)
		c.clearAttempt(ctx, logger, j.ID)
		return nil, nil
	}
}

func (c *Coordinator) clearAttempt(ctx context.Context, logger *slog.Logger, id string) {
	if err := c.store.ClearAttempt(ctx, id); err != nil {
		logger.Warn("clear attempt marker failed", "error", err)
	}
}

// commit records the transition and notifies listeners.
func (c *Coordinator) commit(ctx context.Context, logger *slog.Logger, j *job.Job, to job.State, proof job.Proof) error {
	if !job.CanTransition(j.State, to) {
		return fmt.Errorf("job %s: illegal transition %q -> %q", j.ID, j.State, to)
	}
	if err := c.store.CompleteTransition(ctx, j.ID, to, proof); err != nil {
		return fmt.Errorf("commit %s: %w", to, err)
	}
	logger.Info("job state changed", "from", j.State, "to", to, "tx_hash", proof.TxHash)
	if c.notifier != nil {
		c.notifier.Notify(context.WithoutCancel(ctx), job.Transition{
			JobID:     j.ID,
			From:      j.State,
			To:        to,
			TxHash:    proof.TxHash,
			ContentID: proof.ContentID,
			At:        c.clock.Now(),
		})
	}
	return nil
}
