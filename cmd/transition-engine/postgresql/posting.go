package postgresql

import (
	"context"
	"errors"

	"github.com/statestream/statestream/cmd/transition-engine/engine"
)

const insertPostingQuery = `INSERT INTO transition_posting (posting_id) VALUES ($1) ON CONFLICT DO NOTHING`

// from_state/to_state are stored as '' when absent, so they can participate in
// the rollup primary key.
const upsertRollupQuery = `INSERT INTO transition_rollup (bucket_seconds, ts, service_id, object_type, attribute, counter_name, from_state, to_state, delta)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (bucket_seconds, ts, service_id, object_type, attribute, counter_name, from_state, to_state)
	DO UPDATE SET delta = transition_rollup.delta + EXCLUDED.delta`

// CommitNew applies every posting whose id has not been consumed yet. Marking
// the posting id and writing its rollup rows happen in the same transaction:
// either the id is consumed together with all of its rows, or neither - a
// failed commit leaves the posting fully retryable.
func (c *Connection) CommitNew(ctx context.Context, postings []engine.PendingPosting) (int, error) {
	if c.Db == nil {
		return 0, errors.New("database is nil")
	}
	if len(postings) == 0 {
		return 0, nil
	}

	tx, err := c.Db.Begin(ctx)
	if err != nil {
		return 0, err
	}

	accepted := 0
	for _, posting := range postings {
		tag, execErr := tx.Exec(ctx, insertPostingQuery, posting.PostingID)
		if execErr != nil {
			classifyError(insertPostingQuery, execErr)
			rollbackOrLog(tx)
			return 0, execErr
		}
		if tag.RowsAffected() == 0 {
			// Posting id already consumed, the rows were applied earlier.
			continue
		}

		for _, row := range posting.Rows {
			_, execErr = tx.Exec(ctx, upsertRollupQuery,
				int64(row.Bucket.Seconds()), row.Timestamp,
				row.Key.ServiceID, row.Key.ObjectType, row.Key.Attribute, row.Key.CounterName,
				stateColumn(row.Key.FromState), stateColumn(row.Key.ToState),
				row.Delta)
			if execErr != nil {
				classifyError(upsertRollupQuery, execErr)
				rollbackOrLog(tx)
				return 0, execErr
			}
		}
		accepted++
	}

	if err = tx.Commit(ctx); err != nil {
		classifyError("COMMIT", err)
		return 0, err
	}
	return accepted, nil
}

func stateColumn(state *string) string {
	if state == nil {
		return ""
	}
	return *state
}
