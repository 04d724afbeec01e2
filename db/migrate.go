package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/allgood/pigeonhole/config"
	"github.com/allgood/pigeonhole/consts"
	"github.com/allgood/pigeonhole/logger"
)

//go:embed migrations/*.sql
var MigrationsFS embed.FS

type MigrateDirection string

const (
	MigrateUp   MigrateDirection = "up"
	MigrateDown MigrateDirection = "down"
)

// MigrationStatus is the schema version recorded by golang-migrate.
type MigrationStatus struct {
	Version uint
	Dirty   bool
	None    bool
}

func (s MigrationStatus) String() string {
	if s.None {
		return "none"
	}
	if s.Dirty {
		return fmt.Sprintf("%d (dirty)", s.Version)
	}
	return fmt.Sprintf("%d", s.Version)
}

type migrationLogger struct{}

func (migrationLogger) Printf(format string, v ...any) {
	logger.Info("DB: migrate " + strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (migrationLogger) Verbose() bool { return false }

// migrator owns a dedicated connection so the session-level advisory lock
// is released on the same backend that took it.
type migrator struct {
	db   *sql.DB
	conn *sql.Conn
	m    *migrate.Migrate
}

func openMigrator(ctx context.Context, dbConfig *config.DatabaseConfig) (*migrator, error) {
	if dbConfig.Write == nil {
		return nil, fmt.Errorf("write database configuration is required")
	}
	conn, err := connString(dbConfig.Write)
	if err != nil {
		return nil, err
	}
	sqlDB, err := sql.Open("pgx", conn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sql.DB for migrations: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrations, err := fs.Sub(MigrationsFS, "migrations")
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to get migrations subdirectory: %w", err)
	}
	src, err := iofs.New(migrations, ".")
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create migration source driver: %w", err)
	}
	drv, err := pgxv5.WithInstance(sqlDB, &pgxv5.Config{})
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create migration db driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx5", drv)
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrationLogger{}

	lockConn, err := sqlDB.Conn(ctx)
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("failed to reserve lock connection: %w", err)
	}
	return &migrator{db: sqlDB, conn: lockConn, m: m}, nil
}

func (mg *migrator) close() {
	mg.conn.Close()
	mg.m.Close()
}

func (mg *migrator) lock(ctx context.Context) error {
	var acquired bool
	if err := mg.conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", consts.MigrationAdvisoryLockID).Scan(&acquired); err != nil {
		return fmt.Errorf("failed to query for advisory lock: %w", err)
	}
	if !acquired {
		return fmt.Errorf("could not acquire the migration lock, another migration is running")
	}
	return nil
}

func (mg *migrator) unlock(ctx context.Context) {
	var unlocked bool
	if err := mg.conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", consts.MigrationAdvisoryLockID).Scan(&unlocked); err != nil {
		logger.Warn("DB: failed to release migration lock", "err", err)
	} else if !unlocked {
		logger.Warn("DB: migration lock was not held at release")
	}
}

func (mg *migrator) status() (MigrationStatus, error) {
	v, dirty, err := mg.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return MigrationStatus{None: true}, nil
	}
	if err != nil {
		return MigrationStatus{}, fmt.Errorf("failed to get migration version: %w", err)
	}
	return MigrationStatus{Version: v, Dirty: dirty}, nil
}

// Migrate applies all pending migrations (up) or rolls back the most
// recent one (down) under the migration advisory lock.
func Migrate(ctx context.Context, dbConfig *config.DatabaseConfig, direction MigrateDirection) error {
	timeout, err := dbConfig.GetMigrationTimeout()
	if err != nil {
		return fmt.Errorf("invalid migration_timeout: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	mg, err := openMigrator(ctx, dbConfig)
	if err != nil {
		return err
	}
	defer mg.close()

	if err := mg.lock(ctx); err != nil {
		return err
	}
	defer mg.unlock(context.WithoutCancel(ctx))

	switch direction {
	case MigrateUp:
		err = mg.m.Up()
	case MigrateDown:
		err = mg.m.Steps(-1)
	default:
		return fmt.Errorf("unknown migration direction %q", direction)
	}
	if errors.Is(err, migrate.ErrNoChange) {
		logger.Info("DB: schema is up to date")
		err = nil
	}
	if err != nil {
		return fmt.Errorf("migration %s failed: %w", direction, err)
	}

	st, err := mg.status()
	if err != nil {
		return err
	}
	logger.Info("DB: migration complete", "direction", string(direction), "version", st.String())
	return nil
}

// MigrationVersion reports the current schema version.
func MigrationVersion(ctx context.Context, dbConfig *config.DatabaseConfig) (MigrationStatus, error) {
	mg, err := openMigrator(ctx, dbConfig)
	if err != nil {
		return MigrationStatus{}, err
	}
	defer mg.close()
	return mg.status()
}
