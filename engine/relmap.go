package engine

import (
	"context"
	"time"

	"github.com/cerulean-social/cerulean/models"
)

type RelKind string

const (
	KindFollowing      = RelKind("following")
	KindFollowedBy     = RelKind("followed_by")
	KindRequested      = RelKind("requested")
	KindBlocking       = RelKind("blocking")
	KindBlockedBy      = RelKind("blocked_by")
	KindMuting         = RelKind("muting")
	KindDomainBlocking = RelKind("domain_blocking")
)

// AllRelKinds lists every relation the mapper understands, in the order
// they are loaded.
var AllRelKinds = []RelKind{
	KindFollowing,
	KindFollowedBy,
	KindRequested,
	KindBlocking,
	KindBlockedBy,
	KindMuting,
	KindDomainBlocking,
}

type FollowInfo struct {
	Reblogs   bool     `json:"reblogs"`
	Notify    bool     `json:"notify"`
	Languages []string `json:"languages,omitempty"`
}

type MuteInfo struct {
	Notifications bool       `json:"notifications"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

// RelationshipContext is the bulk-loaded relationship state of one viewer
// against a batch of candidate accounts. It is an explicit parameter
// object: callers build one per request scope and pass it into predicate
// calls, which then answer from memory instead of issuing queries.
// Presence of a candidate ID in a map means the relation holds.
type RelationshipContext struct {
	ViewerID uint64

	Following      map[uint64]FollowInfo
	FollowedBy     map[uint64]struct{}
	Requested      map[uint64]FollowInfo
	Blocking       map[uint64]struct{}
	BlockedBy      map[uint64]struct{}
	Muting         map[uint64]MuteInfo
	DomainBlocking map[uint64]struct{}

	loaded map[RelKind]bool
}

func (rc *RelationshipContext) covers(viewerID uint64, kind RelKind) bool {
	return rc != nil && rc.ViewerID == viewerID && rc.loaded[kind]
}

// LoadRelationships computes the viewer's relationship state against every
// candidate in one query per requested kind, regardless of how many
// candidates there are. With no kinds given, all of them are loaded.
func (e *Engine) LoadRelationships(ctx context.Context, viewerID uint64, candidateIDs []uint64, kinds ...RelKind) (*RelationshipContext, error) {
	ctx, span := tracer.Start(ctx, "LoadRelationships")
	defer span.End()

	if len(kinds) == 0 {
		kinds = AllRelKinds
	}

	rc := &RelationshipContext{
		ViewerID: viewerID,
		loaded:   make(map[RelKind]bool, len(kinds)),
	}

	for _, kind := range kinds {
		if rc.loaded[kind] {
			continue
		}
		var err error
		switch kind {
		case KindFollowing:
			rc.Following, err = e.loadFollowMap(ctx, "source_account_id = ? AND target_account_id IN ?", "target_account_id", viewerID, candidateIDs)
		case KindFollowedBy:
			rc.FollowedBy, err = e.loadPairSet(ctx, &models.Follow{}, "target_account_id = ? AND source_account_id IN ?", "source_account_id", viewerID, candidateIDs)
		case KindRequested:
			var reqs []models.FollowRequest
			err = e.db.WithContext(ctx).Where("source_account_id = ? AND target_account_id IN ?", viewerID, candidateIDs).Find(&reqs).Error
			if err == nil {
				rc.Requested = make(map[uint64]FollowInfo, len(reqs))
				for _, r := range reqs {
					rc.Requested[r.TargetAccountID] = FollowInfo{Reblogs: r.ShowReblogs, Notify: r.Notify, Languages: r.Languages}
				}
			}
		case KindBlocking:
			rc.Blocking, err = e.loadPairSet(ctx, &models.Block{}, "source_account_id = ? AND target_account_id IN ?", "target_account_id", viewerID, candidateIDs)
		case KindBlockedBy:
			rc.BlockedBy, err = e.loadPairSet(ctx, &models.Block{}, "target_account_id = ? AND source_account_id IN ?", "source_account_id", viewerID, candidateIDs)
		case KindMuting:
			var mutes []models.Mute
			err = e.db.WithContext(ctx).
				Where("source_account_id = ? AND target_account_id IN ?", viewerID, candidateIDs).
				Where("expires_at IS NULL OR expires_at > ?", time.Now().UTC()).
				Find(&mutes).Error
			if err == nil {
				rc.Muting = make(map[uint64]MuteInfo, len(mutes))
				for _, m := range mutes {
					rc.Muting[m.TargetAccountID] = MuteInfo{Notifications: m.HideNotifications, ExpiresAt: m.ExpiresAt}
				}
			}
		case KindDomainBlocking:
			rc.DomainBlocking, err = e.loadDomainBlockSet(ctx, viewerID, candidateIDs)
		}
		if err != nil {
			return nil, err
		}
		rc.loaded[kind] = true
	}

	return rc, nil
}

func (e *Engine) loadFollowMap(ctx context.Context, cond, keyColumn string, viewerID uint64, candidateIDs []uint64) (map[uint64]FollowInfo, error) {
	var follows []models.Follow
	if err := e.db.WithContext(ctx).Where(cond, viewerID, candidateIDs).Find(&follows).Error; err != nil {
		return nil, err
	}
	out := make(map[uint64]FollowInfo, len(follows))
	for _, f := range follows {
		key := f.TargetAccountID
		if keyColumn == "source_account_id" {
			key = f.SourceAccountID
		}
		out[key] = FollowInfo{Reblogs: f.ShowReblogs, Notify: f.Notify, Languages: f.Languages}
	}
	return out, nil
}

func (e *Engine) loadPairSet(ctx context.Context, model interface{}, cond, keyColumn string, viewerID uint64, candidateIDs []uint64) (map[uint64]struct{}, error) {
	var keys []uint64
	if err := e.db.WithContext(ctx).Model(model).Where(cond, viewerID, candidateIDs).Pluck(keyColumn, &keys).Error; err != nil {
		return nil, err
	}
	out := make(map[uint64]struct{}, len(keys))
	for _, k := range keys {
		out[k] = struct{}{}
	}
	return out, nil
}

// loadDomainBlockSet resolves which candidates live on a domain the viewer
// has blocked. Two queries total: candidate domains, then the viewer's
// domain blocks.
func (e *Engine) loadDomainBlockSet(ctx context.Context, viewerID uint64, candidateIDs []uint64) (map[uint64]struct{}, error) {
	type accountDomain struct {
		ID     uint64
		Domain string
	}
	var rows []accountDomain
	if err := e.db.WithContext(ctx).Model(&models.Account{}).Select("id", "domain").Where("id IN ? AND domain <> ''", candidateIDs).Scan(&rows).Error; err != nil {
		return nil, err
	}

	var blocked []string
	if err := e.db.WithContext(ctx).Model(&models.DomainBlock{}).Where("account_id = ?", viewerID).Pluck("domain", &blocked).Error; err != nil {
		return nil, err
	}
	blockedSet := make(map[string]struct{}, len(blocked))
	for _, d := range blocked {
		blockedSet[d] = struct{}{}
	}

	out := make(map[uint64]struct{})
	for _, row := range rows {
		if _, ok := blockedSet[row.Domain]; ok {
			out[row.ID] = struct{}{}
		}
	}
	return out, nil
}
