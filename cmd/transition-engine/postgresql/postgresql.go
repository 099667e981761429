// Package postgresql implements the engine's repositories on TimescaleDB/
// PostgreSQL. Expected schema:
//
//	transition_state     (service_id, object_type, attribute, state, id)
//	transition_snapshot  (service_id, object_type, object_id, attribute,
//	                      last_state, seen_states, last_event_ts, terminal_state)
//	transition_posting   (posting_id PRIMARY KEY, consumed_at)
//	transition_rollup    (bucket_seconds, ts, service_id, object_type, attribute,
//	                      counter_name, from_state, to_state, delta)
//	transition_synthetic (synthetic_event_id PRIMARY KEY, rule_id, service_id,
//	                      object_type, object_id, attribute, emitted_state,
//	                      emit_service_id, reason, synthetic_ts,
//	                      pre_synthetic_state, status, footprint,
//	                      superseded_by, superseded_at)
package postgresql

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/heptiolabs/healthcheck"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/omeid/pgerror"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"
)

// Database is the subset of pgxpool.Pool the repositories use. pgxmock
// satisfies it in tests.
type Database interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

type Connection struct {
	Db Database

	stateIdCache   *lru.ARCCache
	stateNameCache *lru.ARCCache
	codecLock      sync.Mutex

	lruHits   uint64
	lruMisses uint64
}

var conn *Connection
var once sync.Once

// GetOrInit connects to postgres using POSTGRES_* environment variables,
// validates the schema and returns the shared connection.
func GetOrInit() *Connection {
	once.Do(func() {
		zap.S().Debugf("Setting up postgresql")
		PQHost, err := env.GetAsString("POSTGRES_HOST", false, "db")
		if err != nil {
			zap.S().Fatalf("Failed to get POSTGRES_HOST from env: %s", err)
		}
		PQPort, err := env.GetAsInt("POSTGRES_PORT", false, 5432)
		if err != nil {
			zap.S().Fatalf("Failed to get POSTGRES_PORT from env: %s", err)
		}
		PQUser, err := env.GetAsString("POSTGRES_USER", true, "")
		if err != nil {
			zap.S().Fatalf("Failed to get POSTGRES_USER from env: %s", err)
		}
		PQPassword, err := env.GetAsString("POSTGRES_PASSWORD", true, "")
		if err != nil {
			zap.S().Fatalf("Failed to get POSTGRES_PASSWORD from env: %s", err)
		}
		PQDBName, err := env.GetAsString("POSTGRES_DATABASE", true, "")
		if err != nil {
			zap.S().Fatalf("Failed to get POSTGRES_DATABASE from env: %s", err)
		}
		PQSSLMode, err := env.GetAsString("POSTGRES_SSL_MODE", false, "require")
		if err != nil {
			zap.S().Fatalf("Failed to get POSTGRES_SSL_MODE from env: %s", err)
		}

		zap.S().Infof("Connecting to %s@%s:%d/%s [%s]", PQUser, PQHost, PQPort, PQDBName, PQSSLMode)
		conString := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			PQHost, PQPort, PQUser, PQPassword, PQDBName, PQSSLMode)

		parseConfig, err := pgxpool.ParseConfig(conString)
		if err != nil {
			zap.S().Fatalf("Failed to parse postgres config: %s", err)
		}
		parseConfig.MinConns = int32(runtime.NumCPU())
		if parseConfig.MinConns < 4 {
			parseConfig.MinConns = 4
		}
		parseConfig.MaxConnIdleTime = 5 * time.Minute
		parseConfig.MaxConnLifetime = 10 * time.Minute

		establishContext, establishContextCncl := get5SecondContext()
		defer establishContextCncl()
		var db *pgxpool.Pool
		db, err = pgxpool.NewWithConfig(establishContext, parseConfig)
		if err != nil {
			zap.S().Fatalf("Failed to open connection to postgres database: %s", err)
		}

		PQLRUSize, err := env.GetAsInt("POSTGRES_LRU_CACHE_SIZE", false, 1000)
		if err != nil {
			zap.S().Fatalf("Failed to get POSTGRES_LRU_CACHE_SIZE from env: %s", err)
		}
		stateIdCache, err := lru.NewARC(PQLRUSize)
		if err != nil {
			zap.S().Fatalf("Failed to create state id ARC: %s", err)
		}
		stateNameCache, err := lru.NewARC(PQLRUSize)
		if err != nil {
			zap.S().Fatalf("Failed to create state name ARC: %s", err)
		}

		conn = &Connection{
			Db:             db,
			stateIdCache:   stateIdCache,
			stateNameCache: stateNameCache,
		}
		if !conn.IsAvailable() {
			zap.S().Fatalf("Database is not available !")
		}

		// Validate that tables exist
		contextCheckTables, contextCheckTablesCncl := get5SecondContext()
		defer contextCheckTablesCncl()
		tablesToCheck := []string{
			"transition_state",
			"transition_snapshot",
			"transition_posting",
			"transition_rollup",
			"transition_synthetic",
		}
		for _, table := range tablesToCheck {
			var tableName string
			query := `SELECT table_name FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1`
			row := db.QueryRow(contextCheckTables, query, table)
			err := row.Scan(&tableName)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					zap.S().Fatalf("Table %s does not exist in the database", table)
				} else {
					zap.S().Fatalf("Failed to check for table %s: %s", table, err)
				}
			}
		}
	})
	return conn
}

func (c *Connection) IsAvailable() bool {
	if c.Db == nil {
		return false
	}
	ctx, cncl := get5SecondContext()
	defer cncl()
	err := c.Db.Ping(ctx)
	if err != nil {
		zap.S().Debugf("Failed to ping database: %s", err)
		return false
	}
	return true
}

// CacheStats returns the codec LRU hit and miss counts.
func (c *Connection) CacheStats() (hits, misses uint64) {
	return atomic.LoadUint64(&c.lruHits), atomic.LoadUint64(&c.lruMisses)
}

// Shutdown closes all database connections.
func (c *Connection) Shutdown() {
	if c.Db != nil {
		c.Db.Close()
	}
}

func GetHealthCheck() healthcheck.Check {
	return func() error {
		if GetOrInit().IsAvailable() {
			return nil
		}
		return errors.New("healthcheck failed to reach database")
	}
}

// classifyError logs err and reports whether it points at a broken connection.
func classifyError(sqlStatement string, err error) bool {
	if e := pgerror.ConnectionException(err); e != nil {
		zap.S().Errorw(
			"PostgreSQL failed: ConnectionException",
			"error", err,
			"sqlStatement", sqlStatement,
		)
		return true
	}
	zap.S().Errorw(
		"PostgreSQL failed.",
		"error", err,
		"sqlStatement", sqlStatement,
	)
	return false
}

func rollbackOrLog(tx pgx.Tx) {
	ctx, cncl := get5SecondContext()
	defer cncl()
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		zap.S().Errorf("Failed to rollback transaction: %s", err)
	}
}

func get5SecondContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}
