package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cerulean-social/cerulean/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FollowOpts carries the optional attributes of a follow edge. A nil field
// means "leave unchanged" when the edge already exists, never "clear".
type FollowOpts struct {
	Reblogs   *bool
	Notify    *bool
	Languages []string
	URI       *string
}

// Follow creates a follow edge from source to target, or updates the
// explicitly supplied attributes of an existing one. Safe to call
// concurrently for the same pair: the unique constraint on the edge table
// resolves creation races, and the loser retries as an update.
func (e *Engine) Follow(ctx context.Context, sourceID, targetID uint64, opts FollowOpts) (*models.Follow, error) {
	ctx, span := tracer.Start(ctx, "Follow")
	defer span.End()

	source, err := e.GetAccountByID(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	target, err := e.GetAccountByID(ctx, targetID)
	if err != nil {
		return nil, err
	}

	var existing models.Follow
	err = e.db.WithContext(ctx).First(&existing, "source_account_id = ? AND target_account_id = ?", sourceID, targetID).Error
	if err == nil {
		if err := e.applyFollowOpts(ctx, &existing, opts); err != nil {
			return nil, err
		}
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	fol := models.Follow{
		SourceAccountID: sourceID,
		TargetAccountID: targetID,
		ShowReblogs:     boolOpt(opts.Reblogs, true),
		Notify:          boolOpt(opts.Notify, false),
		Languages:       opts.Languages,
		URI:             strOpt(opts.URI, ""),
	}

	// edge creation, pending-request cleanup, and counter movement commit
	// together; a pair is never simultaneously requested and following
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&models.FollowRequest{}, "source_account_id = ? AND target_account_id = ?", sourceID, targetID).Error; err != nil {
			return err
		}
		if err := tx.Create(&fol).Error; err != nil {
			return err
		}
		if err := updateCountTx(tx, sourceID, CounterFollowing, 1, nil); err != nil {
			return fmt.Errorf("failed to increment following count: %w", err)
		}
		if err := updateCountTx(tx, targetID, CounterFollowers, 1, nil); err != nil {
			return fmt.Errorf("failed to increment followers count: %w", err)
		}
		return nil
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// raced past the existence check above; recover as an update
		if err := e.db.WithContext(ctx).First(&existing, "source_account_id = ? AND target_account_id = ?", sourceID, targetID).Error; err != nil {
			return nil, err
		}
		if err := e.applyFollowOpts(ctx, &existing, opts); err != nil {
			return nil, err
		}
		return &existing, nil
	}
	if err != nil {
		return nil, err
	}

	relationshipMutationsCounter.WithLabelValues("follow").Inc()
	e.invalidateFollowerDigest(ctx, targetID, source)

	if !target.Local() {
		if err := e.SendRemoteFollow(ctx, fol.URI, targetID); err != nil {
			e.Logger.Error("failed to issue remote follow directive", "target", target.Acct(), "error", err)
		}
	}

	return &fol, nil
}

func (e *Engine) applyFollowOpts(ctx context.Context, fol *models.Follow, opts FollowOpts) error {
	updates := map[string]interface{}{}
	if opts.Reblogs != nil && *opts.Reblogs != fol.ShowReblogs {
		updates["show_reblogs"] = *opts.Reblogs
		fol.ShowReblogs = *opts.Reblogs
	}
	if opts.Notify != nil && *opts.Notify != fol.Notify {
		updates["notify"] = *opts.Notify
		fol.Notify = *opts.Notify
	}
	if opts.Languages != nil {
		updates["languages"] = models.LanguageList(opts.Languages)
		fol.Languages = opts.Languages
	}
	if opts.URI != nil && *opts.URI != fol.URI {
		updates["uri"] = *opts.URI
		fol.URI = *opts.URI
	}
	if len(updates) == 0 {
		return nil
	}
	return e.db.WithContext(ctx).Model(&models.Follow{}).Where("id = ?", fol.ID).Updates(updates).Error
}

// RequestFollow records a pending follow toward a locked account, with the
// same idempotent create-or-update contract as Follow. Which of the two
// operations applies to a given target is the caller's decision.
func (e *Engine) RequestFollow(ctx context.Context, sourceID, targetID uint64, opts FollowOpts) (*models.FollowRequest, error) {
	ctx, span := tracer.Start(ctx, "RequestFollow")
	defer span.End()

	if _, err := e.GetAccountByID(ctx, targetID); err != nil {
		return nil, err
	}

	req := models.FollowRequest{
		SourceAccountID: sourceID,
		TargetAccountID: targetID,
		ShowReblogs:     boolOpt(opts.Reblogs, true),
		Notify:          boolOpt(opts.Notify, false),
		Languages:       opts.Languages,
		URI:             strOpt(opts.URI, ""),
	}
	err := e.db.WithContext(ctx).Create(&req).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		var existing models.FollowRequest
		if err := e.db.WithContext(ctx).First(&existing, "source_account_id = ? AND target_account_id = ?", sourceID, targetID).Error; err != nil {
			return nil, err
		}
		updates := map[string]interface{}{}
		if opts.Reblogs != nil {
			updates["show_reblogs"] = *opts.Reblogs
			existing.ShowReblogs = *opts.Reblogs
		}
		if opts.Notify != nil {
			updates["notify"] = *opts.Notify
			existing.Notify = *opts.Notify
		}
		if opts.Languages != nil {
			updates["languages"] = models.LanguageList(opts.Languages)
			existing.Languages = opts.Languages
		}
		if opts.URI != nil {
			updates["uri"] = *opts.URI
			existing.URI = *opts.URI
		}
		if len(updates) > 0 {
			if err := e.db.WithContext(ctx).Model(&models.FollowRequest{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
				return nil, err
			}
		}
		return &existing, nil
	}
	if err != nil {
		return nil, err
	}

	relationshipMutationsCounter.WithLabelValues("request_follow").Inc()

	return &req, nil
}

// AcceptFollowRequest converts a pending request into a follow edge. The
// request deletion, edge creation, and counter movement are one
// transaction, so a pair is never simultaneously requested and following.
func (e *Engine) AcceptFollowRequest(ctx context.Context, sourceID, targetID uint64) (*models.Follow, error) {
	ctx, span := tracer.Start(ctx, "AcceptFollowRequest")
	defer span.End()

	var req models.FollowRequest
	if err := e.db.WithContext(ctx).First(&req, "source_account_id = ? AND target_account_id = ?", sourceID, targetID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrFollowRequestNotFound
		}
		return nil, err
	}

	fol := models.Follow{
		SourceAccountID: sourceID,
		TargetAccountID: targetID,
		ShowReblogs:     req.ShowReblogs,
		Notify:          req.Notify,
		Languages:       req.Languages,
		URI:             req.URI,
	}
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&models.FollowRequest{}, "id = ?", req.ID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// concurrently accepted or rejected
			return ErrFollowRequestNotFound
		}
		if err := tx.Create(&fol).Error; err != nil {
			return err
		}
		if err := updateCountTx(tx, sourceID, CounterFollowing, 1, nil); err != nil {
			return err
		}
		if err := updateCountTx(tx, targetID, CounterFollowers, 1, nil); err != nil {
			return err
		}
		return nil
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// edge already exists; drop the redundant request and return it
		if err := e.db.WithContext(ctx).Delete(&models.FollowRequest{}, "id = ?", req.ID).Error; err != nil {
			return nil, err
		}
		var existing models.Follow
		if err := e.db.WithContext(ctx).First(&existing, "source_account_id = ? AND target_account_id = ?", sourceID, targetID).Error; err != nil {
			return nil, err
		}
		return &existing, nil
	}
	if err != nil {
		return nil, err
	}

	relationshipMutationsCounter.WithLabelValues("accept_follow_request").Inc()

	if source, err := e.GetAccountByID(ctx, sourceID); err == nil {
		e.invalidateFollowerDigest(ctx, targetID, source)
	}

	return &fol, nil
}

// RejectFollowRequest drops a pending request if one exists, reporting
// whether anything was removed.
func (e *Engine) RejectFollowRequest(ctx context.Context, sourceID, targetID uint64) (bool, error) {
	res := e.db.WithContext(ctx).Delete(&models.FollowRequest{}, "source_account_id = ? AND target_account_id = ?", sourceID, targetID)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		relationshipMutationsCounter.WithLabelValues("reject_follow_request").Inc()
	}
	return res.RowsAffected > 0, nil
}

// Unfollow removes the follow edge for the pair if one exists. The removal
// and counter movement commit together; the returned flag tells callers
// whether a remote peer actually needs to hear about it.
func (e *Engine) Unfollow(ctx context.Context, sourceID, targetID uint64) (bool, error) {
	ctx, span := tracer.Start(ctx, "Unfollow")
	defer span.End()

	var fol models.Follow
	err := e.db.WithContext(ctx).First(&fol, "source_account_id = ? AND target_account_id = ?", sourceID, targetID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	removed := false
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&models.Follow{}, "id = ?", fol.ID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// concurrent unfollow won; leave the counters to the winner
			return nil
		}
		removed = true
		if err := updateCountTx(tx, sourceID, CounterFollowing, -1, nil); err != nil {
			return err
		}
		if err := updateCountTx(tx, targetID, CounterFollowers, -1, nil); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	if removed {
		relationshipMutationsCounter.WithLabelValues("unfollow").Inc()
		if source, err := e.GetAccountByID(ctx, sourceID); err == nil {
			e.invalidateFollowerDigest(ctx, targetID, source)
		}
	}

	return removed, nil
}

// Block creates a block edge from source to target; repeating the call is
// a no-op returning the existing edge.
func (e *Engine) Block(ctx context.Context, sourceID, targetID uint64) (*models.Block, error) {
	ctx, span := tracer.Start(ctx, "Block")
	defer span.End()

	if _, err := e.GetAccountByID(ctx, targetID); err != nil {
		return nil, err
	}

	blk := models.Block{
		SourceAccountID: sourceID,
		TargetAccountID: targetID,
	}
	if err := e.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&blk).Error; err != nil {
		return nil, err
	}
	if blk.ID == 0 {
		var existing models.Block
		if err := e.db.WithContext(ctx).First(&existing, "source_account_id = ? AND target_account_id = ?", sourceID, targetID).Error; err != nil {
			return nil, err
		}
		return &existing, nil
	}

	relationshipMutationsCounter.WithLabelValues("block").Inc()

	return &blk, nil
}

func (e *Engine) Unblock(ctx context.Context, sourceID, targetID uint64) (bool, error) {
	res := e.db.WithContext(ctx).Delete(&models.Block{}, "source_account_id = ? AND target_account_id = ?", sourceID, targetID)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		relationshipMutationsCounter.WithLabelValues("unblock").Inc()
	}
	return res.RowsAffected > 0, nil
}

// Mute creates or updates a mute edge. A zero duration means indefinite;
// any positive duration sets an absolute expiry. Toggling the
// notification-hiding flag on an existing mute updates it in place.
func (e *Engine) Mute(ctx context.Context, sourceID, targetID uint64, notifications bool, duration time.Duration) (*models.Mute, error) {
	ctx, span := tracer.Start(ctx, "Mute")
	defer span.End()

	if _, err := e.GetAccountByID(ctx, targetID); err != nil {
		return nil, err
	}

	var expiresAt *time.Time
	if duration > 0 {
		t := time.Now().UTC().Add(duration)
		expiresAt = &t
	}

	mute := models.Mute{
		SourceAccountID:   sourceID,
		TargetAccountID:   targetID,
		HideNotifications: notifications,
		ExpiresAt:         expiresAt,
	}
	if err := e.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "source_account_id"}, {Name: "target_account_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"hide_notifications", "expires_at", "updated_at"}),
	}).Create(&mute).Error; err != nil {
		return nil, err
	}

	relationshipMutationsCounter.WithLabelValues("mute").Inc()

	var saved models.Mute
	if err := e.db.WithContext(ctx).First(&saved, "source_account_id = ? AND target_account_id = ?", sourceID, targetID).Error; err != nil {
		return nil, err
	}
	return &saved, nil
}

func (e *Engine) Unmute(ctx context.Context, sourceID, targetID uint64) (bool, error) {
	res := e.db.WithContext(ctx).Delete(&models.Mute{}, "source_account_id = ? AND target_account_id = ?", sourceID, targetID)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		relationshipMutationsCounter.WithLabelValues("unmute").Inc()
	}
	return res.RowsAffected > 0, nil
}

// SweepExpiredMutes drops every mute past its expiry, returning how many
// were removed. The daemon runs this periodically.
func (e *Engine) SweepExpiredMutes(ctx context.Context) (int64, error) {
	res := e.db.WithContext(ctx).Delete(&models.Mute{}, "expires_at IS NOT NULL AND expires_at <= ?", time.Now().UTC())
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (e *Engine) BlockDomain(ctx context.Context, accountID uint64, domain string) (*models.DomainBlock, error) {
	db := models.DomainBlock{
		AccountID: accountID,
		Domain:    domain,
	}
	if err := e.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&db).Error; err != nil {
		return nil, err
	}
	if db.ID == 0 {
		var existing models.DomainBlock
		if err := e.db.WithContext(ctx).First(&existing, "account_id = ? AND domain = ?", accountID, domain).Error; err != nil {
			return nil, err
		}
		return &existing, nil
	}

	relationshipMutationsCounter.WithLabelValues("block_domain").Inc()

	return &db, nil
}

func (e *Engine) UnblockDomain(ctx context.Context, accountID uint64, domain string) (bool, error) {
	res := e.db.WithContext(ctx).Delete(&models.DomainBlock{}, "account_id = ? AND domain = ?", accountID, domain)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		relationshipMutationsCounter.WithLabelValues("unblock_domain").Inc()
	}
	return res.RowsAffected > 0, nil
}

// Predicates. Each accepts an optional preloaded relationship context (see
// LoadRelationships); when the context covers the question, no query is
// issued. Rendering an account list must never cost one query per row.

func (e *Engine) Following(ctx context.Context, sourceID, targetID uint64, rel *RelationshipContext) (bool, error) {
	if rel.covers(sourceID, KindFollowing) {
		_, ok := rel.Following[targetID]
		return ok, nil
	}
	return e.pairExists(ctx, &models.Follow{}, sourceID, targetID)
}

func (e *Engine) Requested(ctx context.Context, sourceID, targetID uint64, rel *RelationshipContext) (bool, error) {
	if rel.covers(sourceID, KindRequested) {
		_, ok := rel.Requested[targetID]
		return ok, nil
	}
	return e.pairExists(ctx, &models.FollowRequest{}, sourceID, targetID)
}

func (e *Engine) Blocking(ctx context.Context, sourceID, targetID uint64, rel *RelationshipContext) (bool, error) {
	if rel.covers(sourceID, KindBlocking) {
		_, ok := rel.Blocking[targetID]
		return ok, nil
	}
	return e.pairExists(ctx, &models.Block{}, sourceID, targetID)
}

func (e *Engine) BlockedBy(ctx context.Context, sourceID, targetID uint64, rel *RelationshipContext) (bool, error) {
	if rel.covers(sourceID, KindBlockedBy) {
		_, ok := rel.BlockedBy[targetID]
		return ok, nil
	}
	return e.pairExists(ctx, &models.Block{}, targetID, sourceID)
}

func (e *Engine) Muting(ctx context.Context, sourceID, targetID uint64, rel *RelationshipContext) (bool, error) {
	if rel.covers(sourceID, KindMuting) {
		_, ok := rel.Muting[targetID]
		return ok, nil
	}
	var count int64
	err := e.db.WithContext(ctx).Model(&models.Mute{}).
		Where("source_account_id = ? AND target_account_id = ?", sourceID, targetID).
		Where("expires_at IS NULL OR expires_at > ?", time.Now().UTC()).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (e *Engine) MutingNotifications(ctx context.Context, sourceID, targetID uint64, rel *RelationshipContext) (bool, error) {
	if rel.covers(sourceID, KindMuting) {
		info, ok := rel.Muting[targetID]
		return ok && info.Notifications, nil
	}
	var count int64
	err := e.db.WithContext(ctx).Model(&models.Mute{}).
		Where("source_account_id = ? AND target_account_id = ? AND hide_notifications = ?", sourceID, targetID, true).
		Where("expires_at IS NULL OR expires_at > ?", time.Now().UTC()).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (e *Engine) DomainBlocking(ctx context.Context, accountID uint64, domain string) (bool, error) {
	if domain == "" {
		return false, nil
	}
	var count int64
	err := e.db.WithContext(ctx).Model(&models.DomainBlock{}).Where("account_id = ? AND domain = ?", accountID, domain).Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// BlockingOrDomainBlocking reports whether the source blocks the target
// directly or blocks the target's whole domain.
func (e *Engine) BlockingOrDomainBlocking(ctx context.Context, sourceID, targetID uint64, rel *RelationshipContext) (bool, error) {
	blocking, err := e.Blocking(ctx, sourceID, targetID, rel)
	if err != nil {
		return false, err
	}
	if blocking {
		return true, nil
	}
	if rel.covers(sourceID, KindDomainBlocking) {
		_, ok := rel.DomainBlocking[targetID]
		return ok, nil
	}
	target, err := e.GetAccountByID(ctx, targetID)
	if err != nil {
		return false, err
	}
	return e.DomainBlocking(ctx, sourceID, target.Domain)
}

func (e *Engine) pairExists(ctx context.Context, model interface{}, sourceID, targetID uint64) (bool, error) {
	var count int64
	err := e.db.WithContext(ctx).Model(model).Where("source_account_id = ? AND target_account_id = ?", sourceID, targetID).Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func boolOpt(v *bool, def bool) bool {
	if v != nil {
		return *v
	}
	return def
}

func strOpt(v *string, def string) string {
	if v != nil {
		return *v
	}
	return def
}
