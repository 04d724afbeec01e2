package db

import (
	"context"
	"strings"
	"time"

	"github.com/allgood/pigeonhole/logger"
)

// VacationResponse represents a record of a vacation auto-response sent to a sender
type VacationResponse struct {
	ID            int64
	AccountID     int64
	SenderAddress string
	Handle        string
	ResponseDate  time.Time
	CreatedAt     time.Time
}

// RecordVacationResponse records that a vacation response was sent to a specific sender
func (db *Database) RecordVacationResponse(ctx context.Context, accountID int64, senderAddress, handle string) error {
	now := time.Now()
	_, err := db.TimedExec(ctx, "vacation_record", `
		INSERT INTO vacation_responses (account_id, sender_address, handle, response_date, created_at)
		VALUES ($1, $2, $3, $4, $4)
	`, accountID, strings.ToLower(senderAddress), handle, now)
	return classify(err)
}

// HasRecentVacationResponse checks if a vacation response with the same
// handle was sent to this sender within the specified duration.
func (db *Database) HasRecentVacationResponse(ctx context.Context, accountID int64, senderAddress, handle string, duration time.Duration) (bool, error) {
	var exists bool
	err := db.TimedQueryRow(ctx, "vacation_check", `
		SELECT EXISTS(
			SELECT 1 FROM vacation_responses
			WHERE account_id = $1
			AND sender_address = $2
			AND handle = $3
			AND response_date > $4
		)
	`, []any{accountID, strings.ToLower(senderAddress), handle, time.Now().Add(-duration)}, &exists)
	return exists, classify(err)
}

// CleanupOldVacationResponses removes vacation response records older than the specified duration
func (db *Database) CleanupOldVacationResponses(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := db.TimedExec(ctx, "vacation_cleanup",
		"DELETE FROM vacation_responses WHERE response_date < $1", time.Now().Add(-olderThan))
	if err != nil {
		return 0, classify(err)
	}
	return tag.RowsAffected(), nil
}

// VacationOracle answers vacation rate-limit questions from the
// vacation_responses table.
type VacationOracle struct {
	DB *Database
}

func NewVacationOracle(db *Database) *VacationOracle {
	return &VacationOracle{DB: db}
}

func (o *VacationOracle) IsVacationResponseAllowed(ctx context.Context, accountID int64, originalSender, handle string, duration time.Duration) (bool, error) {
	recent, err := o.DB.HasRecentVacationResponse(ctx, accountID, originalSender, handle, duration)
	if err != nil {
		return false, err
	}
	return !recent, nil
}

func (o *VacationOracle) RecordVacationResponseSent(ctx context.Context, accountID int64, originalSender, handle string) error {
	return o.DB.RecordVacationResponse(ctx, accountID, originalSender, handle)
}

// StartVacationCleanup periodically removes records older than retention
// until ctx is done.
func (db *Database) StartVacationCleanup(ctx context.Context, interval, retention time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := db.CleanupOldVacationResponses(ctx, retention)
				if err != nil {
					logger.Warn("DB: vacation cleanup failed", "err", err)
				} else if n > 0 {
					logger.Info("DB: vacation cleanup", "removed", n)
				}
			}
		}
	}()
}
