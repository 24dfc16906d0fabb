package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cerulean-social/cerulean/models"

	"gorm.io/gorm"
)

type CounterKey string

const (
	CounterStatuses  = CounterKey("statuses_count")
	CounterFollowing = CounterKey("following_count")
	CounterFollowers = CounterKey("followers_count")
)

func validCounterKey(key CounterKey) bool {
	switch key {
	case CounterStatuses, CounterFollowing, CounterFollowers:
		return true
	}
	return false
}

// UpdateCount moves one of the account's aggregate counters by delta in a
// single atomic statement: an insert when no ledger row exists yet (with
// the initial value clamped at zero), otherwise a server-side arithmetic
// update. Two concurrent calls are both reflected, with no row lock and no
// read-modify-write cycle. A delta below an existing counter's true value
// is left to reconciliation, not silently floor-clamped, so upstream
// double-decrement bugs stay visible.
//
// For statuses_count with a positive delta, statusCreatedAt (when given)
// advances last_status_at monotonically within the same statement.
//
// Calling this with an unknown key is a programming error and panics.
func (e *Engine) UpdateCount(ctx context.Context, accountID uint64, key CounterKey, delta int64, statusCreatedAt *time.Time) error {
	return updateCountTxTimed(e.db.WithContext(ctx), accountID, key, delta, statusCreatedAt)
}

func (e *Engine) Increment(ctx context.Context, accountID uint64, key CounterKey) error {
	return e.UpdateCount(ctx, accountID, key, 1, nil)
}

func (e *Engine) Decrement(ctx context.Context, accountID uint64, key CounterKey) error {
	return e.UpdateCount(ctx, accountID, key, -1, nil)
}

func updateCountTxTimed(tx *gorm.DB, accountID uint64, key CounterKey, delta int64, statusCreatedAt *time.Time) error {
	err := updateCountTx(tx, accountID, key, delta, statusCreatedAt)
	if err == nil {
		counterUpdatesCounter.WithLabelValues(string(key)).Inc()
	}
	return err
}

func updateCountTx(tx *gorm.DB, accountID uint64, key CounterKey, delta int64, statusCreatedAt *time.Time) error {
	if !validCounterKey(key) {
		panic(fmt.Sprintf("invalid account stat counter key: %q", key))
	}

	now := time.Now().UTC()

	// a freshly inserted row never starts negative
	initial := delta
	if initial < 0 {
		initial = 0
	}

	if key == CounterStatuses && delta > 0 && statusCreatedAt != nil {
		sql := `INSERT INTO account_stat (account_id, statuses_count, last_status_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (account_id) DO UPDATE SET
				statuses_count = account_stat.statuses_count + ?,
				last_status_at = CASE
					WHEN account_stat.last_status_at IS NULL OR account_stat.last_status_at < excluded.last_status_at
					THEN excluded.last_status_at
					ELSE account_stat.last_status_at
				END,
				updated_at = ?`
		return tx.Exec(sql, accountID, initial, statusCreatedAt.UTC(), now, now, delta, now).Error
	}

	// key is validated above; it never reaches the SQL from user input
	sql := fmt.Sprintf(`INSERT INTO account_stat (account_id, %s, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (account_id) DO UPDATE SET
			%s = account_stat.%s + ?,
			updated_at = ?`, key, key, key)
	return tx.Exec(sql, accountID, initial, now, now, delta, now).Error
}

// GetStat returns the account's ledger row, or a zero-valued one if no
// counter has ever been touched (the row is created lazily on first
// mutation, not here).
func (e *Engine) GetStat(ctx context.Context, accountID uint64) (*models.AccountStat, error) {
	var stat models.AccountStat
	err := e.db.WithContext(ctx).First(&stat, "account_id = ?", accountID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.AccountStat{AccountID: accountID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &stat, nil
}

// UpdateCountOnRow applies a counter update through a row the caller is
// already holding, refusing to proceed when the in-memory copy has drifted
// from the persisted row. Silently overwriting in that situation would
// mask a logic bug in the caller. On success the row is refreshed from the
// database.
func (e *Engine) UpdateCountOnRow(ctx context.Context, stat *models.AccountStat, key CounterKey, delta int64) error {
	var current models.AccountStat
	err := e.db.WithContext(ctx).First(&current, "account_id = ?", stat.AccountID).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	if current.FollowersCount != stat.FollowersCount ||
		current.FollowingCount != stat.FollowingCount ||
		current.StatusesCount != stat.StatusesCount {
		return ErrStaleLedgerRow
	}

	if err := e.UpdateCount(ctx, stat.AccountID, key, delta, nil); err != nil {
		return err
	}

	refreshed, err := e.GetStat(ctx, stat.AccountID)
	if err != nil {
		return err
	}
	*stat = *refreshed
	return nil
}

// ReconcileStats recomputes the relationship counters from the edge tables
// and overwrites the ledger. This is the out-of-band repair path for
// counters that drifted through double-decrements or missed updates; the
// write path itself never self-heals. statuses_count is owned by the
// status pipeline and left untouched.
func (e *Engine) ReconcileStats(ctx context.Context, accountID uint64) (*models.AccountStat, error) {
	ctx, span := tracer.Start(ctx, "ReconcileStats")
	defer span.End()

	var followers, following int64
	if err := e.db.WithContext(ctx).Model(&models.Follow{}).Where("target_account_id = ?", accountID).Count(&followers).Error; err != nil {
		return nil, err
	}
	if err := e.db.WithContext(ctx).Model(&models.Follow{}).Where("source_account_id = ?", accountID).Count(&following).Error; err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sql := `INSERT INTO account_stat (account_id, followers_count, following_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (account_id) DO UPDATE SET
			followers_count = excluded.followers_count,
			following_count = excluded.following_count,
			updated_at = excluded.updated_at`
	if err := e.db.WithContext(ctx).Exec(sql, accountID, followers, following, now, now).Error; err != nil {
		return nil, err
	}

	e.Logger.Info("reconciled account stats", "accountID", accountID, "followers", followers, "following", following)

	return e.GetStat(ctx, accountID)
}
