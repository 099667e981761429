package postgresql

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
)

// State codec: injective state <-> dense small integer mapping, scoped per
// (serviceId, objectType, attribute). Ids index bits in the per-object
// seen-state vector, so they must stay dense and stable once assigned.

func codecCacheKey(serviceID, objectType, attribute, state string) string {
	var cacheKey strings.Builder
	cacheKey.WriteString(serviceID)
	cacheKey.WriteRune('*') // This char cannot occur in the ids, and therefore can be safely used as a seperator
	cacheKey.WriteString(objectType)
	cacheKey.WriteRune('*')
	cacheKey.WriteString(attribute)
	cacheKey.WriteRune('*')
	cacheKey.WriteString(state)
	return cacheKey.String()
}

func codecIdCacheKey(serviceID, objectType, attribute string, id uint32) string {
	return fmt.Sprintf("%s*%s*%s*#%d", serviceID, objectType, attribute, id)
}

// Encode returns the codec id for the state, inserting a new dense id on first
// sight. Safe for concurrent use within one process; a cross-process race on
// first insert is caught by the unique constraint and surfaced for retry.
func (c *Connection) Encode(ctx context.Context, serviceID, objectType, attribute, state string) (uint32, error) {
	if c.Db == nil {
		return 0, errors.New("database is nil")
	}
	nameKey := codecCacheKey(serviceID, objectType, attribute, state)
	if value, ok := c.stateIdCache.Get(nameKey); ok {
		atomic.AddUint64(&c.lruHits, 1)
		return value.(uint32), nil
	}
	atomic.AddUint64(&c.lruMisses, 1)

	c.codecLock.Lock()
	defer c.codecLock.Unlock()
	// It might be that another locker already added it, so we do a double check
	if value, ok := c.stateIdCache.Get(nameKey); ok {
		return value.(uint32), nil
	}

	var id uint32
	selectQuery := `SELECT id FROM transition_state WHERE service_id = $1 AND object_type = $2 AND attribute = $3 AND state = $4`
	err := c.Db.QueryRow(ctx, selectQuery, serviceID, objectType, attribute, state).Scan(&id)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			classifyError(selectQuery, err)
			return 0, err
		}
		// Row isn't found, need to insert. The id is the next dense integer
		// inside the scope.
		insertQuery := `INSERT INTO transition_state (service_id, object_type, attribute, state, id)
		SELECT $1, $2, $3, $4, COALESCE(MAX(id) + 1, 0) FROM transition_state
		WHERE service_id = $1 AND object_type = $2 AND attribute = $3 RETURNING id`
		err = c.Db.QueryRow(ctx, insertQuery, serviceID, objectType, attribute, state).Scan(&id)
		if err != nil {
			classifyError(insertQuery, err)
			return 0, err
		}
	}

	c.stateIdCache.Add(nameKey, id)
	c.stateNameCache.Add(codecIdCacheKey(serviceID, objectType, attribute, id), state)
	return id, nil
}

// Decode returns the state name behind a codec id.
func (c *Connection) Decode(ctx context.Context, serviceID, objectType, attribute string, id uint32) (string, error) {
	if c.Db == nil {
		return "", errors.New("database is nil")
	}
	idKey := codecIdCacheKey(serviceID, objectType, attribute, id)
	if value, ok := c.stateNameCache.Get(idKey); ok {
		atomic.AddUint64(&c.lruHits, 1)
		return value.(string), nil
	}
	atomic.AddUint64(&c.lruMisses, 1)

	var state string
	selectQuery := `SELECT state FROM transition_state WHERE service_id = $1 AND object_type = $2 AND attribute = $3 AND id = $4`
	err := c.Db.QueryRow(ctx, selectQuery, serviceID, objectType, attribute, id).Scan(&state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("no state with id %d for %s/%s/%s", id, serviceID, objectType, attribute)
		}
		classifyError(selectQuery, err)
		return "", err
	}

	c.stateNameCache.Add(idKey, state)
	c.stateIdCache.Add(codecCacheKey(serviceID, objectType, attribute, state), id)
	return state, nil
}
