package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/statestream/statestream/pkg/datamodel"
)

// In-memory repository fakes. They honour the same compare-and-set contracts as
// the postgresql implementations so the engine tests exercise the real
// concurrency semantics.

type memCodec struct {
	mu     sync.Mutex
	byName map[string]uint32
	byID   map[string]string
	next   map[string]uint32
}

func newMemCodec() *memCodec {
	return &memCodec{
		byName: make(map[string]uint32),
		byID:   make(map[string]string),
		next:   make(map[string]uint32),
	}
}

func codecScope(serviceID, objectType, attribute string) string {
	return serviceID + "*" + objectType + "*" + attribute
}

func (c *memCodec) Encode(_ context.Context, serviceID, objectType, attribute, state string) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	scope := codecScope(serviceID, objectType, attribute)
	nameKey := scope + "*" + state
	if id, ok := c.byName[nameKey]; ok {
		return id, nil
	}
	id := c.next[scope]
	c.next[scope] = id + 1
	c.byName[nameKey] = id
	c.byID[fmt.Sprintf("%s*%d", scope, id)] = state
	return id, nil
}

func (c *memCodec) Decode(_ context.Context, serviceID, objectType, attribute string, id uint32) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	scope := codecScope(serviceID, objectType, attribute)
	state, ok := c.byID[fmt.Sprintf("%s*%d", scope, id)]
	if !ok {
		return "", fmt.Errorf("no state with id %d in scope %s", id, scope)
	}
	return state, nil
}

type memSnapshots struct {
	mu sync.Mutex
	m  map[datamodel.SnapshotKey]*datamodel.Snapshot
}

func newMemSnapshots() *memSnapshots {
	return &memSnapshots{m: make(map[datamodel.SnapshotKey]*datamodel.Snapshot)}
}

func cloneSnapshot(s *datamodel.Snapshot) *datamodel.Snapshot {
	c := *s
	c.SeenStates = s.SeenStates.Clone()
	return &c
}

func (s *memSnapshots) Load(_ context.Context, key datamodel.SnapshotKey) (*datamodel.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.m[key]
	if !ok {
		return nil, nil
	}
	return cloneSnapshot(snap), nil
}

func (s *memSnapshots) Save(_ context.Context, snapshot *datamodel.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[snapshot.Key] = cloneSnapshot(snapshot)
	return nil
}

func (s *memSnapshots) lastEventTs(key datamodel.SnapshotKey) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.m[key]
	if !ok {
		return time.Time{}, false
	}
	return snap.LastEventTs, true
}

type memPostings struct {
	mu       sync.Mutex
	consumed map[string]struct{}
	totals   map[string]int64
	failIn   int
	failErr  error
}

func newMemPostings() *memPostings {
	return &memPostings{
		consumed: make(map[string]struct{}),
		totals:   make(map[string]int64),
	}
}

func rowKey(row datamodel.RollupRow) string {
	return fmt.Sprintf("%s|%d|%s|%s|%s|%s|%v|%v",
		row.Bucket, row.Timestamp.UnixMilli(),
		row.Key.ServiceID, row.Key.ObjectType, row.Key.CounterName,
		row.Key.Attribute, deref(row.Key.FromState), deref(row.Key.ToState))
}

func deref(s *string) string {
	if s == nil {
		return "<nil>"
	}
	return *s
}

// failCommit arms a one-shot error for the nth CommitNew call from now.
func (p *memPostings) failCommit(n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failIn = n
	p.failErr = err
}

func (p *memPostings) CommitNew(_ context.Context, postings []PendingPosting) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failErr != nil {
		p.failIn--
		if p.failIn <= 0 {
			err := p.failErr
			p.failErr = nil
			return 0, err
		}
	}
	accepted := 0
	for _, posting := range postings {
		if _, dup := p.consumed[posting.PostingID]; dup {
			continue
		}
		p.consumed[posting.PostingID] = struct{}{}
		for _, row := range posting.Rows {
			p.totals[rowKey(row)] += row.Delta
		}
		accepted++
	}
	return accepted, nil
}

func (p *memPostings) total(bucket time.Duration, ts time.Time, key datamodel.MetricKey) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totals[rowKey(datamodel.RollupRow{Bucket: bucket, Timestamp: ts, Key: key})]
}

func (p *memPostings) snapshotTotals() map[string]int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int64, len(p.totals))
	for k, v := range p.totals {
		if v != 0 {
			out[k] = v
		}
	}
	return out
}

type memRecords struct {
	mu        sync.Mutex
	records   map[string]*datamodel.SyntheticTerminalRecord
	snapshots *memSnapshots
}

func newMemRecords(snapshots *memSnapshots) *memRecords {
	return &memRecords{
		records:   make(map[string]*datamodel.SyntheticTerminalRecord),
		snapshots: snapshots,
	}
}

func (r *memRecords) InsertIfEligible(_ context.Context, record *datamodel.SyntheticTerminalRecord, expectedLastEventTs time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.records[record.SyntheticEventID]; exists {
		return false, nil
	}
	key := datamodel.SnapshotKey{
		ServiceID:  record.ServiceID,
		ObjectType: record.ObjectType,
		ObjectID:   record.ObjectID,
		Attribute:  record.Attribute,
	}
	ts, ok := r.snapshots.lastEventTs(key)
	if !ok || !ts.Equal(expectedLastEventTs) {
		return false, nil
	}
	clone := *record
	r.records[record.SyntheticEventID] = &clone
	return true, nil
}

func (r *memRecords) Active(_ context.Context, key datamodel.SnapshotKey) (*datamodel.SyntheticTerminalRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.Status != datamodel.SyntheticActive {
			continue
		}
		if rec.ServiceID == key.ServiceID && rec.ObjectType == key.ObjectType &&
			rec.ObjectID == key.ObjectID && rec.Attribute == key.Attribute {
			clone := *rec
			clone.Footprint = append([]datamodel.FootprintEntry(nil), rec.Footprint...)
			return &clone, nil
		}
	}
	return nil, nil
}

func (r *memRecords) Supersede(_ context.Context, syntheticEventID, supersededByEventID string, _ time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[syntheticEventID]
	if !ok || rec.Status != datamodel.SyntheticActive {
		return false, nil
	}
	rec.Status = datamodel.SyntheticSuperseded
	rec.SupersededBy = supersededByEventID
	return true, nil
}

func (r *memRecords) SupersededBy(_ context.Context, key datamodel.SnapshotKey, supersededByEventID string) (*datamodel.SyntheticTerminalRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.Status != datamodel.SyntheticSuperseded || rec.SupersededBy != supersededByEventID {
			continue
		}
		if rec.ServiceID == key.ServiceID && rec.ObjectType == key.ObjectType &&
			rec.ObjectID == key.ObjectID && rec.Attribute == key.Attribute {
			clone := *rec
			clone.Footprint = append([]datamodel.FootprintEntry(nil), rec.Footprint...)
			return &clone, nil
		}
	}
	return nil, nil
}

func (r *memRecords) Lookup(_ context.Context, syntheticEventID string) (*datamodel.SyntheticTerminalRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[syntheticEventID]
	if !ok {
		return nil, nil
	}
	clone := *rec
	clone.Footprint = append([]datamodel.FootprintEntry(nil), rec.Footprint...)
	return &clone, nil
}

func (r *memRecords) RecordFootprint(_ context.Context, syntheticEventID string, entries []datamodel.FootprintEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[syntheticEventID]
	if !ok {
		return fmt.Errorf("no synthetic record %s", syntheticEventID)
	}
	rec.Footprint = append([]datamodel.FootprintEntry(nil), entries...)
	return nil
}

func (r *memRecords) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

type memCandidates struct {
	snapshots *memSnapshots
}

func (c *memCandidates) ListIdle(_ context.Context, serviceID, objectType, attribute string, cutoff time.Time, limit int) ([]IdleCandidate, error) {
	c.snapshots.mu.Lock()
	defer c.snapshots.mu.Unlock()
	var out []IdleCandidate
	for key, snap := range c.snapshots.m {
		if len(out) >= limit {
			break
		}
		if key.ServiceID != serviceID || key.ObjectType != objectType || key.Attribute != attribute {
			continue
		}
		if snap.Terminal() || snap.LastEventTs.After(cutoff) {
			continue
		}
		out = append(out, IdleCandidate{Key: key, LastState: snap.LastState, LastEventTs: snap.LastEventTs})
	}
	return out, nil
}

type recordingTelemetry struct {
	mu              sync.Mutex
	truncations     int
	capExceeded     int
	injections      int
	superseded      int
	syntheticActive int
}

func (t *recordingTelemetry) RecordFanoutTruncation(string, string, int, int) {
	t.mu.Lock()
	t.truncations++
	t.mu.Unlock()
}

func (t *recordingTelemetry) RecordSeenStatesCapExceeded(string) {
	t.mu.Lock()
	t.capExceeded++
	t.mu.Unlock()
}

func (t *recordingTelemetry) RecordSyntheticInjection(string, string) {
	t.mu.Lock()
	t.injections++
	t.mu.Unlock()
}

func (t *recordingTelemetry) RecordSyntheticSuperseded(string, string, time.Duration) {
	t.mu.Lock()
	t.superseded++
	t.mu.Unlock()
}

func (t *recordingTelemetry) AdjustSyntheticActive(_ string, delta int) {
	t.mu.Lock()
	t.syntheticActive += delta
	t.mu.Unlock()
}
