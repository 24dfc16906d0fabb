package engine

import (
	"context"
	"errors"
	"time"

	"github.com/cerulean-social/cerulean/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Suspend marks the account unavailable and records a DeletionRequest so
// the deletion worker will eventually reap its content. The marker row,
// the account flags, and the optional email re-registration block commit
// in one transaction; a failure on any of them leaves the account fully
// active. emailHash is the salted canonical-email hash to block, empty to
// skip (remote accounts have no email on file).
//
// Suspending an already-suspended account refreshes the timestamp and
// origin without creating a second marker row.
func (e *Engine) Suspend(ctx context.Context, accountID uint64, at time.Time, origin models.SuspensionOrigin, emailHash string) error {
	ctx, span := tracer.Start(ctx, "Suspend")
	defer span.End()

	acc, err := e.GetAccountByID(ctx, accountID)
	if err != nil {
		return err
	}

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&models.DeletionRequest{AccountID: accountID}).Error; err != nil {
			return err
		}

		res := tx.Model(&models.Account{}).Where("id = ?", accountID).Updates(map[string]interface{}{
			"suspended_at":      at.UTC(),
			"suspension_origin": origin,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrAccountNotFound
		}

		if emailHash != "" {
			// timed-out callers retry suspension blindly; a hash that is
			// already blocked must not abort the transaction
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
				Create(&models.CanonicalEmailBlock{
					CanonicalEmailHash: emailHash,
					ReferenceAccountID: accountID,
				}).Error; err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	e.evictAccount(acc.URI)
	lifecycleTransitionsCounter.WithLabelValues("suspend").Inc()
	e.Logger.Info("suspended account", "accountID", accountID, "origin", origin)

	if err := e.AnnounceLifecycle(ctx, accountID, models.SuspensionStateTemporary); err != nil {
		e.Logger.Warn("lifecycle announce failed", "accountID", accountID, "error", err)
	}

	return nil
}

// Unsuspend reverses a temporary suspension: the deletion marker, the
// suspension flags, and any email blocks recorded for the account are all
// cleared in one transaction. Once the deletion worker has consumed the
// marker the suspension is permanent and this path no longer applies;
// callers gate on SuspensionState.
func (e *Engine) Unsuspend(ctx context.Context, accountID uint64) error {
	ctx, span := tracer.Start(ctx, "Unsuspend")
	defer span.End()

	acc, err := e.GetAccountByID(ctx, accountID)
	if err != nil {
		return err
	}

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("account_id = ?", accountID).Delete(&models.DeletionRequest{}).Error; err != nil {
			return err
		}

		if err := tx.Model(&models.Account{}).Where("id = ?", accountID).Updates(map[string]interface{}{
			"suspended_at":      nil,
			"suspension_origin": "",
		}).Error; err != nil {
			return err
		}

		return tx.Where("reference_account_id = ?", accountID).Delete(&models.CanonicalEmailBlock{}).Error
	})
	if err != nil {
		return err
	}

	e.evictAccount(acc.URI)
	lifecycleTransitionsCounter.WithLabelValues("unsuspend").Inc()
	e.Logger.Info("unsuspended account", "accountID", accountID)

	if err := e.AnnounceLifecycle(ctx, accountID, models.SuspensionStateActive); err != nil {
		e.Logger.Warn("lifecycle announce failed", "accountID", accountID, "error", err)
	}

	return nil
}

// SuspensionState reports where the account sits in the suspension
// lifecycle: active, suspended with the deletion marker still pending
// (reversible), or suspended with the marker already consumed
// (irreversible).
func (e *Engine) SuspensionState(ctx context.Context, accountID uint64) (models.SuspensionState, error) {
	acc, err := e.GetAccountByID(ctx, accountID)
	if err != nil {
		return "", err
	}
	if !acc.Suspended() {
		return models.SuspensionStateActive, nil
	}

	var req models.DeletionRequest
	err = e.db.WithContext(ctx).First(&req, "account_id = ?", accountID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.SuspensionStatePermanent, nil
	}
	if err != nil {
		return "", err
	}
	return models.SuspensionStateTemporary, nil
}

// Migrate records that the account has moved to another account. Followers
// are not transferred here; clients redirect based on the pointer.
func (e *Engine) Migrate(ctx context.Context, accountID, targetAccountID uint64) error {
	acc, err := e.GetAccountByID(ctx, accountID)
	if err != nil {
		return err
	}
	if _, err := e.GetAccountByID(ctx, targetAccountID); err != nil {
		return err
	}

	if err := e.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", accountID).
		Update("moved_to_account_id", targetAccountID).Error; err != nil {
		return err
	}

	e.evictAccount(acc.URI)
	lifecycleTransitionsCounter.WithLabelValues("migrate").Inc()
	e.Logger.Info("recorded account migration", "accountID", accountID, "targetAccountID", targetAccountID)
	return nil
}

// UnsetMigration clears a previously recorded move pointer.
func (e *Engine) UnsetMigration(ctx context.Context, accountID uint64) error {
	acc, err := e.GetAccountByID(ctx, accountID)
	if err != nil {
		return err
	}

	if err := e.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", accountID).
		Update("moved_to_account_id", nil).Error; err != nil {
		return err
	}

	e.evictAccount(acc.URI)
	lifecycleTransitionsCounter.WithLabelValues("unset_migration").Inc()
	return nil
}
