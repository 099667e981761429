package postgresql

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/statestream/statestream/cmd/transition-engine/engine"
	"github.com/statestream/statestream/pkg/datamodel"
)

// Load fetches the snapshot for one object, or (nil, nil) when the object has
// never produced an event.
func (c *Connection) Load(ctx context.Context, key datamodel.SnapshotKey) (*datamodel.Snapshot, error) {
	if c.Db == nil {
		return nil, errors.New("database is nil")
	}

	selectQuery := `SELECT last_state, seen_states, last_event_ts, terminal_state FROM transition_snapshot
	WHERE service_id = $1 AND object_type = $2 AND object_id = $3 AND attribute = $4`

	var lastState *string
	var seenWords []int64
	var lastEventTs time.Time
	var terminalState *string
	err := c.Db.QueryRow(ctx, selectQuery, key.ServiceID, key.ObjectType, key.ObjectID, key.Attribute).
		Scan(&lastState, &seenWords, &lastEventTs, &terminalState)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		classifyError(selectQuery, err)
		return nil, err
	}

	return &datamodel.Snapshot{
		Key:           key,
		LastState:     lastState,
		SeenStates:    datamodel.SeenStatesFromWords(wordsFromInt64(seenWords)),
		LastEventTs:   lastEventTs,
		TerminalState: terminalState,
	}, nil
}

// Save upserts the snapshot.
func (c *Connection) Save(ctx context.Context, snapshot *datamodel.Snapshot) error {
	if c.Db == nil {
		return errors.New("database is nil")
	}

	upsertQuery := `INSERT INTO transition_snapshot (service_id, object_type, object_id, attribute, last_state, seen_states, last_event_ts, terminal_state)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (service_id, object_type, object_id, attribute)
	DO UPDATE SET last_state = EXCLUDED.last_state, seen_states = EXCLUDED.seen_states, last_event_ts = EXCLUDED.last_event_ts, terminal_state = EXCLUDED.terminal_state`

	key := snapshot.Key
	_, err := c.Db.Exec(ctx, upsertQuery,
		key.ServiceID, key.ObjectType, key.ObjectID, key.Attribute,
		snapshot.LastState, wordsToInt64(snapshot.SeenStates.Words()),
		snapshot.LastEventTs, snapshot.TerminalState)
	if err != nil {
		classifyError(upsertQuery, err)
		return err
	}
	return nil
}

// ListIdle returns non-terminal objects whose last event is not newer than
// cutoff, oldest first.
func (c *Connection) ListIdle(ctx context.Context, serviceID, objectType, attribute string, cutoff time.Time, limit int) ([]engine.IdleCandidate, error) {
	if c.Db == nil {
		return nil, errors.New("database is nil")
	}

	selectQuery := `SELECT object_id, last_state, last_event_ts FROM transition_snapshot
	WHERE service_id = $1 AND object_type = $2 AND attribute = $3 AND last_event_ts <= $4 AND terminal_state IS NULL
	ORDER BY last_event_ts ASC LIMIT $5`

	rows, err := c.Db.Query(ctx, selectQuery, serviceID, objectType, attribute, cutoff, limit)
	if err != nil {
		classifyError(selectQuery, err)
		return nil, err
	}
	defer rows.Close()

	var candidates []engine.IdleCandidate
	for rows.Next() {
		var candidate engine.IdleCandidate
		candidate.Key = datamodel.SnapshotKey{
			ServiceID:  serviceID,
			ObjectType: objectType,
			Attribute:  attribute,
		}
		if err = rows.Scan(&candidate.Key.ObjectID, &candidate.LastState, &candidate.LastEventTs); err != nil {
			return nil, err
		}
		candidates = append(candidates, candidate)
	}
	return candidates, rows.Err()
}

// seen_states is persisted as BIGINT[]; the bit patterns are reinterpreted,
// not converted.
func wordsToInt64(words []uint64) []int64 {
	out := make([]int64, len(words))
	for i, w := range words {
		out[i] = int64(w)
	}
	return out
}

func wordsFromInt64(words []int64) []uint64 {
	out := make([]uint64, len(words))
	for i, w := range words {
		out[i] = uint64(w)
	}
	return out
}
