package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/allgood/pigeonhole/consts"
)

type SieveScript struct {
	ID        int64     `db:"id"`
	AccountID int64     `db:"account_id"`
	Name      string    `db:"name"`
	Script    string    `db:"script"`
	Active    bool      `db:"active"`
	UpdatedAt time.Time `db:"updated_at"`
}

const scriptColumns = "id, account_id, name, script, active, updated_at"

func (s *SieveScript) fields() []any {
	return []any{&s.ID, &s.AccountID, &s.Name, &s.Script, &s.Active, &s.UpdatedAt}
}

func (db *Database) GetUserScripts(ctx context.Context, accountID int64) ([]*SieveScript, error) {
	return TimedQuery(ctx, db, "sieve_list",
		"SELECT "+scriptColumns+" FROM sieve_scripts WHERE account_id = $1 ORDER BY name",
		[]any{accountID}, pgx.RowToAddrOfStructByName[SieveScript])
}

func (db *Database) GetActiveScript(ctx context.Context, accountID int64) (*SieveScript, error) {
	var s SieveScript
	err := db.TimedQueryRow(ctx, "sieve_active",
		"SELECT "+scriptColumns+" FROM sieve_scripts WHERE account_id = $1 AND active",
		[]any{accountID}, s.fields()...)
	if err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

func (db *Database) GetScriptByName(ctx context.Context, accountID int64, name string) (*SieveScript, error) {
	var s SieveScript
	err := db.TimedQueryRow(ctx, "sieve_by_name",
		"SELECT "+scriptColumns+" FROM sieve_scripts WHERE account_id = $1 AND name = $2",
		[]any{accountID, name}, s.fields()...)
	if err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

// PutScript creates or replaces the named script. When activate is set the
// script becomes the account's only active script in the same transaction.
func (db *Database) PutScript(ctx context.Context, accountID int64, name, script string, activate bool) (*SieveScript, error) {
	tx, err := db.BeginTx(ctx, "sieve_put")
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if activate {
		if err := deactivateOthers(ctx, tx, accountID, name); err != nil {
			return nil, err
		}
	}

	var s SieveScript
	err = tx.QueryRow(ctx, `
		INSERT INTO sieve_scripts (account_id, name, script, active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id, name) DO UPDATE
		SET script = EXCLUDED.script,
		    active = sieve_scripts.active OR EXCLUDED.active,
		    updated_at = now()
		RETURNING `+scriptColumns,
		accountID, name, script, activate).Scan(s.fields()...)
	if err != nil {
		return nil, classify(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &s, nil
}

// SetActiveScript activates the named script and deactivates the others.
// An empty name deactivates every script of the account.
func (db *Database) SetActiveScript(ctx context.Context, accountID int64, name string) error {
	tx, err := db.BeginTx(ctx, "sieve_activate")
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := deactivateOthers(ctx, tx, accountID, name); err != nil {
		return err
	}
	if name != "" {
		tag, err := tx.Exec(ctx,
			"UPDATE sieve_scripts SET active = true, updated_at = now() WHERE account_id = $1 AND name = $2",
			accountID, name)
		if err != nil {
			return classify(err)
		}
		if tag.RowsAffected() == 0 {
			return consts.ErrDBNotFound
		}
	}
	return tx.Commit(ctx)
}

func deactivateOthers(ctx context.Context, tx pgx.Tx, accountID int64, keep string) error {
	_, err := tx.Exec(ctx,
		"UPDATE sieve_scripts SET active = false, updated_at = now() WHERE account_id = $1 AND active AND name <> $2",
		accountID, keep)
	if err != nil {
		return fmt.Errorf("failed to deactivate other scripts: %w", err)
	}
	return nil
}

func (db *Database) DeleteScript(ctx context.Context, accountID int64, name string) error {
	tag, err := db.TimedExec(ctx, "sieve_delete",
		"DELETE FROM sieve_scripts WHERE account_id = $1 AND name = $2", accountID, name)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrDBNotFound
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return consts.ErrDBNotFound
	}
	return err
}
