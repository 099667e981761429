package postgresql

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/statestream/statestream/pkg/datamodel"
)

// InsertIfEligible inserts the synthetic record only while the object's
// snapshot still carries exactly expectedLastEventTs. A real event arriving
// between the sweep's read and this insert bumps the timestamp and the guard
// rejects the injection. A duplicate synthetic event id (the sweep re-running
// the same idle window) is rejected by ON CONFLICT.
func (c *Connection) InsertIfEligible(ctx context.Context, record *datamodel.SyntheticTerminalRecord, expectedLastEventTs time.Time) (bool, error) {
	if c.Db == nil {
		return false, errors.New("database is nil")
	}

	insertQuery := `INSERT INTO transition_synthetic (synthetic_event_id, rule_id, service_id, object_type, object_id, attribute, emitted_state, emit_service_id, reason, synthetic_ts, pre_synthetic_state, status, footprint)
	SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, '[]'::jsonb
	WHERE EXISTS (
		SELECT 1 FROM transition_snapshot
		WHERE service_id = $3 AND object_type = $4 AND object_id = $5 AND attribute = $6 AND last_event_ts = $13
	)
	ON CONFLICT DO NOTHING`

	tag, err := c.Db.Exec(ctx, insertQuery,
		record.SyntheticEventID, record.RuleID,
		record.ServiceID, record.ObjectType, record.ObjectID, record.Attribute,
		record.EmittedState, record.EmitServiceID, record.Reason,
		record.SyntheticTs, record.PreSyntheticState,
		string(record.Status), expectedLastEventTs)
	if err != nil {
		classifyError(insertQuery, err)
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Active returns the ACTIVE synthetic record for the object, or (nil, nil).
func (c *Connection) Active(ctx context.Context, key datamodel.SnapshotKey) (*datamodel.SyntheticTerminalRecord, error) {
	if c.Db == nil {
		return nil, errors.New("database is nil")
	}

	selectQuery := `SELECT synthetic_event_id, rule_id, emitted_state, synthetic_ts, pre_synthetic_state, footprint FROM transition_synthetic
	WHERE service_id = $1 AND object_type = $2 AND object_id = $3 AND attribute = $4 AND status = 'ACTIVE'`

	record := datamodel.SyntheticTerminalRecord{
		ServiceID:  key.ServiceID,
		ObjectType: key.ObjectType,
		ObjectID:   key.ObjectID,
		Attribute:  key.Attribute,
		Status:     datamodel.SyntheticActive,
	}
	var footprint []byte
	err := c.Db.QueryRow(ctx, selectQuery, key.ServiceID, key.ObjectType, key.ObjectID, key.Attribute).
		Scan(&record.SyntheticEventID, &record.RuleID, &record.EmittedState, &record.SyntheticTs, &record.PreSyntheticState, &footprint)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		classifyError(selectQuery, err)
		return nil, err
	}

	if err = json.Unmarshal(footprint, &record.Footprint); err != nil {
		return nil, err
	}
	return &record, nil
}

// SupersededBy returns the SUPERSEDED record whose compare-and-set was won by
// the given real event, or (nil, nil). A redelivered event uses it to resume a
// reversal+replay that failed after the supersede had already fired.
func (c *Connection) SupersededBy(ctx context.Context, key datamodel.SnapshotKey, supersededByEventID string) (*datamodel.SyntheticTerminalRecord, error) {
	if c.Db == nil {
		return nil, errors.New("database is nil")
	}

	selectQuery := `SELECT synthetic_event_id, rule_id, emitted_state, synthetic_ts, pre_synthetic_state, footprint FROM transition_synthetic
	WHERE service_id = $1 AND object_type = $2 AND object_id = $3 AND attribute = $4 AND status = 'SUPERSEDED' AND superseded_by = $5`

	record := datamodel.SyntheticTerminalRecord{
		ServiceID:    key.ServiceID,
		ObjectType:   key.ObjectType,
		ObjectID:     key.ObjectID,
		Attribute:    key.Attribute,
		Status:       datamodel.SyntheticSuperseded,
		SupersededBy: supersededByEventID,
	}
	var footprint []byte
	err := c.Db.QueryRow(ctx, selectQuery, key.ServiceID, key.ObjectType, key.ObjectID, key.Attribute, supersededByEventID).
		Scan(&record.SyntheticEventID, &record.RuleID, &record.EmittedState, &record.SyntheticTs, &record.PreSyntheticState, &footprint)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		classifyError(selectQuery, err)
		return nil, err
	}

	if err = json.Unmarshal(footprint, &record.Footprint); err != nil {
		return nil, err
	}
	return &record, nil
}

// Lookup returns the record with the given synthetic event id, or (nil, nil).
func (c *Connection) Lookup(ctx context.Context, syntheticEventID string) (*datamodel.SyntheticTerminalRecord, error) {
	if c.Db == nil {
		return nil, errors.New("database is nil")
	}

	selectQuery := `SELECT rule_id, service_id, object_type, object_id, attribute, emitted_state, synthetic_ts, pre_synthetic_state, status, footprint FROM transition_synthetic
	WHERE synthetic_event_id = $1`

	record := datamodel.SyntheticTerminalRecord{SyntheticEventID: syntheticEventID}
	var status string
	var footprint []byte
	err := c.Db.QueryRow(ctx, selectQuery, syntheticEventID).
		Scan(&record.RuleID, &record.ServiceID, &record.ObjectType, &record.ObjectID, &record.Attribute,
			&record.EmittedState, &record.SyntheticTs, &record.PreSyntheticState, &status, &footprint)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		classifyError(selectQuery, err)
		return nil, err
	}
	record.Status = datamodel.SyntheticStatus(status)

	if err = json.Unmarshal(footprint, &record.Footprint); err != nil {
		return nil, err
	}
	return &record, nil
}

// Supersede flips the record from ACTIVE to SUPERSEDED. The WHERE clause is the
// compare-and-set: of several racing real terminal events exactly one update
// hits an ACTIVE row.
func (c *Connection) Supersede(ctx context.Context, syntheticEventID, supersededByEventID string, at time.Time) (bool, error) {
	if c.Db == nil {
		return false, errors.New("database is nil")
	}

	updateQuery := `UPDATE transition_synthetic SET status = 'SUPERSEDED', superseded_by = $2, superseded_at = $3
	WHERE synthetic_event_id = $1 AND status = 'ACTIVE'`

	tag, err := c.Db.Exec(ctx, updateQuery, syntheticEventID, supersededByEventID, at)
	if err != nil {
		classifyError(updateQuery, err)
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// RecordFootprint stores the exact postings made at synthesis time.
func (c *Connection) RecordFootprint(ctx context.Context, syntheticEventID string, entries []datamodel.FootprintEntry) error {
	if c.Db == nil {
		return errors.New("database is nil")
	}
	if entries == nil {
		entries = []datamodel.FootprintEntry{}
	}
	payload, err := json.Marshal(entries)
	if err != nil {
		return err
	}

	updateQuery := `UPDATE transition_synthetic SET footprint = $2 WHERE synthetic_event_id = $1`
	_, err = c.Db.Exec(ctx, updateQuery, syntheticEventID, payload)
	if err != nil {
		classifyError(updateQuery, err)
		return err
	}
	return nil
}
