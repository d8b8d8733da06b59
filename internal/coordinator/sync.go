package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/jobagent/jobagent/internal/job"
)

// errIndex marks a failed index query. The cursor is untouched and the
// sync is retried next cycle.
var errIndex = errors.New("index query failed")

// SyncResult describes one sync pass.
type SyncResult struct {
	// Cursor is the cursor after the pass.
	Cursor   int64
	Fetched  int
	Inserted int
}

// Sync pulls the next batch of job-creation events after the cursor,
// records each as an open job and then advances the cursor.
func (c *Coordinator) Sync(ctx context.Context) (SyncResult, error) {
	if !c.mu.TryLock() {
		return SyncResult{}, ErrCycleInProgress
	}
	defer c.mu.Unlock()
	return c.sync(ctx, c.logger.With("cycle_id", uuid.NewString()))
}

func (c *Coordinator) sync(ctx context.Context, logger *slog.Logger) (SyncResult, error) {
	cursor, err := c.store.Cursor(ctx)
	if err != nil {
		return SyncResult{}, fmt.Errorf("read cursor: %w", err)
	}
	res := SyncResult{Cursor: cursor}

	events, err := c.gw.Index.JobsCreatedAfter(ctx, cursor, c.cfg.BatchSize)
	if err != nil {
		logger.Warn("index query failed; cursor kept", "cursor", cursor, "error", err)
		return res, fmt.Errorf("%w: %w", errIndex, err)
	}
	res.Fetched = len(events)
	if len(events) == 0 {
		logger.Debug("no new events", "cursor", cursor)
		return res, nil
	}

	batch := events
	if len(events) >= c.cfg.BatchSize {
		batch = trimTrailingRun(events)
		if len(batch) == 0 {
			if events[0].Timestamp > cursor {
				logger.Warn("full batch shares one timestamp; events beyond the batch at that timestamp may be missed",
					"timestamp", events[0].Timestamp, "batch_size", c.cfg.BatchSize)
			}
			batch = events
		} else if len(batch) < len(events) {
			// The limit may have cut the run at the last timestamp; it is
			// read whole next time.
			logger.Debug("deferring last timestamp of full batch",
				"timestamp", events[len(events)-1].Timestamp, "deferred", len(events)-len(batch))
		}
	}

	next := cursor
	for i := range batch {
		ev := &batch[i]
		if ev.Timestamp <= cursor {
			logger.Warn("ignoring event at or before cursor", "job_id", ev.JobID, "timestamp", ev.Timestamp, "cursor", cursor)
			continue
		}
		inserted, err := c.store.UpsertJob(ctx, ev.Job())
		if err != nil {
			// Nothing after this event is durable; the cursor stays put.
			return res, fmt.Errorf("upsert job %s: %w", ev.JobID, err)
		}
		if inserted {
			res.Inserted++
			logger.Info("job recorded", "job_id", ev.JobID, "timestamp", ev.Timestamp)
		}
		next = max(next, ev.Timestamp)
	}

	if next == cursor {
		return res, nil
	}
	if err := c.store.AdvanceCursor(ctx, next); err != nil {
		return res, fmt.Errorf("advance cursor to %d: %w", next, err)
	}
	res.Cursor = next
	logger.Info("cursor advanced", "from", cursor, "cursor", next, "events", len(events), "inserted", res.Inserted)
	return res, nil
}

// trimTrailingRun drops the trailing events sharing the last timestamp
// when more than one event carries it. events must be in ascending
// timestamp order.
func trimTrailingRun(events []job.Event) []job.Event {
	n := len(events)
	if n < 2 || events[n-2].Timestamp != events[n-1].Timestamp {
		return events
	}
	last := events[n-1].Timestamp
	for n > 0 && events[n-1].Timestamp == last {
		n--
	}
	return events[:n]
}
