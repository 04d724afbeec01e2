package db

import (
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/allgood/pigeonhole/consts"
)

// classify maps PostgreSQL errors onto the consts sentinels.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgerrcode.UniqueViolation:
		return fmt.Errorf("%w: %s", consts.ErrDBUniqueViolation, pgErr.ConstraintName)
	case pgerrcode.UndefinedTable:
		return fmt.Errorf("schema not migrated: %w", err)
	}
	return err
}
