package db

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/allgood/pigeonhole/config"
	"github.com/allgood/pigeonhole/consts"
	"github.com/allgood/pigeonhole/logger"
	"github.com/allgood/pigeonhole/pkg/metrics"
)

const defaultPort = 5432

type Database struct {
	WritePool *pgxpool.Pool // Write operations pool
	ReadPool  *pgxpool.Pool // Read operations pool

	queryTimeout time.Duration
}

// NewDatabaseFromConfig creates the write pool and, when configured, a
// separate read pool. Migrations are applied first when AutoMigrate is set.
func NewDatabaseFromConfig(ctx context.Context, dbConfig *config.DatabaseConfig) (*Database, error) {
	if dbConfig.Write == nil {
		return nil, fmt.Errorf("write database configuration is required")
	}
	queryTimeout, err := dbConfig.GetQueryTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid query_timeout: %w", err)
	}

	if dbConfig.AutoMigrate {
		if err := Migrate(ctx, dbConfig, MigrateUp); err != nil {
			return nil, err
		}
	}

	writePool, err := createPoolFromEndpoint(ctx, dbConfig.Write, dbConfig.Debug, "write")
	if err != nil {
		return nil, fmt.Errorf("failed to create write pool: %w", err)
	}

	readPool := writePool
	if dbConfig.Read != nil {
		readPool, err = createPoolFromEndpoint(ctx, dbConfig.Read, dbConfig.Debug, "read")
		if err != nil {
			writePool.Close()
			return nil, fmt.Errorf("failed to create read pool: %w", err)
		}
	} else {
		logger.Debug("DB: no read endpoint configured, reads use the write pool")
	}

	return &Database{
		WritePool:    writePool,
		ReadPool:     readPool,
		queryTimeout: queryTimeout,
	}, nil
}

func (db *Database) Close() {
	if db.WritePool != nil {
		db.WritePool.Close()
	}
	if db.ReadPool != nil && db.ReadPool != db.WritePool {
		db.ReadPool.Close()
	}
}

// Ping checks both pools.
func (db *Database) Ping(ctx context.Context) error {
	if err := db.WritePool.Ping(ctx); err != nil {
		return fmt.Errorf("write pool: %w", err)
	}
	if db.ReadPool != db.WritePool {
		if err := db.ReadPool.Ping(ctx); err != nil {
			return fmt.Errorf("read pool: %w", err)
		}
	}
	return nil
}

// connString builds a postgres URL for one randomly chosen host of the
// endpoint. Hosts may carry their own port.
func connString(endpoint *config.DatabaseEndpointConfig) (string, error) {
	if len(endpoint.Hosts) == 0 {
		return "", fmt.Errorf("at least one host must be specified")
	}
	host := endpoint.Hosts[rand.Intn(len(endpoint.Hosts))]

	if _, _, err := net.SplitHostPort(host); err != nil {
		port := endpoint.Port
		if port == 0 {
			port = defaultPort
		}
		if port < 0 || port > 65535 {
			return "", fmt.Errorf("invalid port value %d", port)
		}
		host = net.JoinHostPort(host, strconv.Itoa(port))
	}

	sslMode := "disable"
	if endpoint.TLSMode {
		sslMode = "require"
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(endpoint.User, endpoint.Password),
		Host:     host,
		Path:     "/" + endpoint.Name,
		RawQuery: "sslmode=" + sslMode,
	}
	return u.String(), nil
}

// redacted returns the connection string without the password, for logs.
func redacted(conn string) string {
	u, err := url.Parse(conn)
	if err != nil {
		return "postgres://?"
	}
	return u.Redacted()
}

func createPoolFromEndpoint(ctx context.Context, endpoint *config.DatabaseEndpointConfig, logQueries bool, poolType string) (*pgxpool.Pool, error) {
	conn, err := connString(endpoint)
	if err != nil {
		return nil, err
	}
	logger.Info("DB: connecting", "pool", poolType, "url", redacted(conn), "hosts", endpoint.Hosts)

	cfg, err := pgxpool.ParseConfig(conn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}
	if logQueries {
		cfg.ConnConfig.Tracer = &queryTracer{}
	}
	if endpoint.MaxConns > 0 {
		cfg.MaxConns = int32(endpoint.MaxConns)
	}
	if endpoint.MinConns > 0 {
		cfg.MinConns = int32(endpoint.MinConns)
	}
	if endpoint.MaxConnLifetime != "" {
		lifetime, err := endpoint.GetMaxConnLifetime()
		if err != nil {
			return nil, fmt.Errorf("invalid max_conn_lifetime: %w", err)
		}
		cfg.MaxConnLifetime = lifetime
	}
	if endpoint.MaxConnIdleTime != "" {
		idle, err := endpoint.GetMaxConnIdleTime()
		if err != nil {
			return nil, fmt.Errorf("invalid max_conn_idle_time: %w", err)
		}
		cfg.MaxConnIdleTime = idle
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	logger.Info("DB: pool created", "pool", poolType,
		"max_conns", pool.Config().MaxConns, "min_conns", pool.Config().MinConns,
		"max_lifetime", pool.Config().MaxConnLifetime, "max_idle", pool.Config().MaxConnIdleTime)
	return pool, nil
}

// queryTracer logs every statement at debug level.
type queryTracer struct{}

type traceStartKey struct{}

func (queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, traceStartKey{}, time.Now())
}

func (queryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	start, _ := ctx.Value(traceStartKey{}).(time.Time)
	logger.DebugContext(ctx, "DB: query", "tag", data.CommandTag.String(), "duration", time.Since(start), "err", data.Err)
}

func (db *Database) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if db.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, db.queryTimeout)
}

func record(operation, role string, start time.Time, err error) {
	status := "success"
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		status = "failure"
	}
	metrics.DBQueryDuration.WithLabelValues(operation, role).Observe(time.Since(start).Seconds())
	metrics.DBQueriesTotal.WithLabelValues(operation, status, role).Inc()
}

// measuredTx records commit and rollback of a transaction like a query.
type measuredTx struct {
	pgx.Tx
	operation string
	start     time.Time
}

// BeginTx starts a transaction on the write pool.
func (db *Database) BeginTx(ctx context.Context, operation string) (pgx.Tx, error) {
	tx, err := db.WritePool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", consts.ErrDBBeginTransactionFailed, err)
	}
	return &measuredTx{Tx: tx, operation: operation, start: time.Now()}, nil
}

func (mtx *measuredTx) Commit(ctx context.Context) error {
	err := mtx.Tx.Commit(ctx)
	record(mtx.operation+"_commit", "write", mtx.start, err)
	if err != nil {
		return fmt.Errorf("%w: %v", consts.ErrDBCommitTransactionFailed, err)
	}
	return nil
}

func (mtx *measuredTx) Rollback(ctx context.Context) error {
	err := mtx.Tx.Rollback(ctx)
	if !errors.Is(err, pgx.ErrTxClosed) {
		record(mtx.operation+"_rollback", "write", mtx.start, err)
	}
	return err
}

// TimedQueryRow runs a single-row query on the read pool. The scan error
// is recorded, so callers pass the destinations directly.
func (db *Database) TimedQueryRow(ctx context.Context, operation string, sql string, args []any, dest ...any) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()
	start := time.Now()
	err := db.ReadPool.QueryRow(ctx, sql, args...).Scan(dest...)
	record(operation, "read", start, err)
	return err
}

// TimedQuery runs a query on the read pool and collects the rows with fn.
func TimedQuery[T any](ctx context.Context, db *Database, operation string, sql string, args []any, fn pgx.RowToFunc[T]) ([]T, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()
	start := time.Now()
	rows, err := db.ReadPool.Query(ctx, sql, args...)
	if err != nil {
		record(operation, "read", start, err)
		return nil, err
	}
	out, err := pgx.CollectRows(rows, fn)
	record(operation, "read", start, err)
	return out, err
}

// TimedExec runs a statement on the write pool.
func (db *Database) TimedExec(ctx context.Context, operation string, sql string, args ...any) (pgconn.CommandTag, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()
	start := time.Now()
	tag, err := db.WritePool.Exec(ctx, sql, args...)
	record(operation, "write", start, err)
	return tag, err
}
