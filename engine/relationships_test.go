package engine

import (
	"context"
	"testing"
	"time"

	"github.com/cerulean-social/cerulean/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(v bool) *bool { return &v }

func TestFollowIdempotent(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := testEngine(t)

	alice := mkAccount(t, e, "alice")
	bob := mkAccount(t, e, "bob")

	fol, err := e.Follow(ctx, alice.ID, bob.ID, FollowOpts{})
	require.NoError(t, err)
	assert.True(fol.ShowReblogs)
	assert.False(fol.Notify)

	// repeat changes nothing
	again, err := e.Follow(ctx, alice.ID, bob.ID, FollowOpts{})
	require.NoError(t, err)
	assert.Equal(fol.ID, again.ID)

	var count int64
	assert.NoError(e.db.Model(&models.Follow{}).Count(&count).Error)
	assert.EqualValues(1, count)

	// counters moved exactly once
	aliceStat, err := e.GetStat(ctx, alice.ID)
	require.NoError(t, err)
	assert.EqualValues(1, aliceStat.FollowingCount)
	bobStat, err := e.GetStat(ctx, bob.ID)
	require.NoError(t, err)
	assert.EqualValues(1, bobStat.FollowersCount)
}

func TestFollowPartialOptsUpdate(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := testEngine(t)

	alice := mkAccount(t, e, "alice")
	bob := mkAccount(t, e, "bob")

	_, err := e.Follow(ctx, alice.ID, bob.ID, FollowOpts{Notify: boolPtr(true), Languages: []string{"en", "pt"}})
	require.NoError(t, err)

	// nil fields leave existing attributes untouched
	fol, err := e.Follow(ctx, alice.ID, bob.ID, FollowOpts{Reblogs: boolPtr(false)})
	require.NoError(t, err)
	assert.False(fol.ShowReblogs)
	assert.True(fol.Notify)
	assert.Equal(models.LanguageList{"en", "pt"}, fol.Languages)

	var saved models.Follow
	require.NoError(t, e.db.First(&saved, "source_account_id = ? AND target_account_id = ?", alice.ID, bob.ID).Error)
	assert.False(saved.ShowReblogs)
	assert.True(saved.Notify)
	assert.Equal(models.LanguageList{"en", "pt"}, saved.Languages)
}

// Explicit false flags on a fresh edge must be persisted as false; column
// defaults must never win over supplied values.
func TestFollowCreatedWithExplicitFlags(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := testEngine(t)

	alice := mkAccount(t, e, "alice")
	bob := mkAccount(t, e, "bob")
	carol := mkAccount(t, e, "carol")

	fol, err := e.Follow(ctx, alice.ID, bob.ID, FollowOpts{Reblogs: boolPtr(false), Notify: boolPtr(true)})
	require.NoError(t, err)
	assert.False(fol.ShowReblogs)
	assert.True(fol.Notify)

	var saved models.Follow
	require.NoError(t, e.db.First(&saved, "id = ?", fol.ID).Error)
	assert.False(saved.ShowReblogs)
	assert.True(saved.Notify)

	req, err := e.RequestFollow(ctx, alice.ID, carol.ID, FollowOpts{Reblogs: boolPtr(false)})
	require.NoError(t, err)
	var savedReq models.FollowRequest
	require.NoError(t, e.db.First(&savedReq, "id = ?", req.ID).Error)
	assert.False(savedReq.ShowReblogs)
}

func TestFollowUnknownAccount(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t)

	alice := mkAccount(t, e, "alice")

	_, err := e.Follow(ctx, alice.ID, alice.ID+50, FollowOpts{})
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestFollowRemoteHook(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := testEngine(t)

	alice := mkAccount(t, e, "alice")
	remy := mkRemoteAccount(t, e, "remy", "other.example")

	var hookTarget uint64
	e.SendRemoteFollow = func(ctx context.Context, followURI string, targetID uint64) error {
		hookTarget = targetID
		return nil
	}

	_, err := e.Follow(ctx, alice.ID, remy.ID, FollowOpts{})
	require.NoError(t, err)
	assert.Equal(remy.ID, hookTarget)

	// local targets never trigger the hook
	hookTarget = 0
	bob := mkAccount(t, e, "bob")
	_, err = e.Follow(ctx, alice.ID, bob.ID, FollowOpts{})
	require.NoError(t, err)
	assert.Zero(hookTarget)
}

func TestAcceptFollowRequest(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := testEngine(t)

	alice := mkAccount(t, e, "alice")
	bob := mkAccount(t, e, "bob")

	req, err := e.RequestFollow(ctx, alice.ID, bob.ID, FollowOpts{Notify: boolPtr(true)})
	require.NoError(t, err)
	assert.True(req.Notify)

	fol, err := e.AcceptFollowRequest(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	assert.True(fol.Notify)

	// a pair is never simultaneously requested and following
	var reqCount, folCount int64
	assert.NoError(e.db.Model(&models.FollowRequest{}).Count(&reqCount).Error)
	assert.NoError(e.db.Model(&models.Follow{}).Count(&folCount).Error)
	assert.EqualValues(0, reqCount)
	assert.EqualValues(1, folCount)

	// counters moved as part of acceptance
	stat, err := e.GetStat(ctx, bob.ID)
	require.NoError(t, err)
	assert.EqualValues(1, stat.FollowersCount)

	// accepting again fails cleanly
	_, err = e.AcceptFollowRequest(ctx, alice.ID, bob.ID)
	assert.ErrorIs(err, ErrFollowRequestNotFound)
}

// Following directly while a request for the same pair is still pending
// must consume the request: the pair is never requested and following at
// the same time.
func TestFollowSupersedesPendingRequest(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := testEngine(t)

	alice := mkAccount(t, e, "alice")
	bob := mkAccount(t, e, "bob")

	_, err := e.RequestFollow(ctx, alice.ID, bob.ID, FollowOpts{})
	require.NoError(t, err)

	_, err = e.Follow(ctx, alice.ID, bob.ID, FollowOpts{})
	require.NoError(t, err)

	requested, err := e.Requested(ctx, alice.ID, bob.ID, nil)
	require.NoError(t, err)
	assert.False(requested)

	following, err := e.Following(ctx, alice.ID, bob.ID, nil)
	require.NoError(t, err)
	assert.True(following)

	var reqCount int64
	assert.NoError(e.db.Model(&models.FollowRequest{}).Count(&reqCount).Error)
	assert.EqualValues(0, reqCount)
}

func TestRejectFollowRequest(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := testEngine(t)

	alice := mkAccount(t, e, "alice")
	bob := mkAccount(t, e, "bob")

	_, err := e.RequestFollow(ctx, alice.ID, bob.ID, FollowOpts{})
	require.NoError(t, err)

	removed, err := e.RejectFollowRequest(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	assert.True(removed)

	// counters never moved for a rejected request
	stat, err := e.GetStat(ctx, bob.ID)
	require.NoError(t, err)
	assert.EqualValues(0, stat.FollowersCount)

	removed, err = e.RejectFollowRequest(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	assert.False(removed)
}

func TestUnfollow(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := testEngine(t)

	alice := mkAccount(t, e, "alice")
	bob := mkAccount(t, e, "bob")

	_, err := e.Follow(ctx, alice.ID, bob.ID, FollowOpts{})
	require.NoError(t, err)

	removed, err := e.Unfollow(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	assert.True(removed)

	stat, err := e.GetStat(ctx, bob.ID)
	require.NoError(t, err)
	assert.EqualValues(0, stat.FollowersCount)

	// unfollowing a non-edge reports false and moves nothing
	removed, err = e.Unfollow(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	assert.False(removed)

	stat, err = e.GetStat(ctx, bob.ID)
	require.NoError(t, err)
	assert.EqualValues(0, stat.FollowersCount)
}

func TestBlockIdempotent(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := testEngine(t)

	alice := mkAccount(t, e, "alice")
	bob := mkAccount(t, e, "bob")

	blk, err := e.Block(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	assert.NotZero(blk.ID)

	again, err := e.Block(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	assert.Equal(blk.ID, again.ID)

	blocking, err := e.Blocking(ctx, alice.ID, bob.ID, nil)
	require.NoError(t, err)
	assert.True(blocking)

	blockedBy, err := e.BlockedBy(ctx, bob.ID, alice.ID, nil)
	require.NoError(t, err)
	assert.True(blockedBy)

	removed, err := e.Unblock(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	assert.True(removed)

	blocking, err = e.Blocking(ctx, alice.ID, bob.ID, nil)
	require.NoError(t, err)
	assert.False(blocking)
}

func TestMuteExpiry(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := testEngine(t)

	alice := mkAccount(t, e, "alice")
	bob := mkAccount(t, e, "bob")
	carol := mkAccount(t, e, "carol")

	// indefinite mute
	m, err := e.Mute(ctx, alice.ID, bob.ID, true, 0)
	require.NoError(t, err)
	assert.Nil(m.ExpiresAt)

	muting, err := e.Muting(ctx, alice.ID, bob.ID, nil)
	require.NoError(t, err)
	assert.True(muting)

	mutingNotifs, err := e.MutingNotifications(ctx, alice.ID, bob.ID, nil)
	require.NoError(t, err)
	assert.True(mutingNotifs)

	// updating an existing mute keeps one row and toggles the flag
	m, err = e.Mute(ctx, alice.ID, bob.ID, false, time.Hour)
	require.NoError(t, err)
	assert.NotNil(m.ExpiresAt)
	assert.False(m.HideNotifications)

	var count int64
	assert.NoError(e.db.Model(&models.Mute{}).Count(&count).Error)
	assert.EqualValues(1, count)

	// an already-expired mute is invisible to the predicates
	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, e.db.Model(&models.Mute{}).Where("source_account_id = ?", alice.ID).Update("expires_at", past).Error)

	muting, err = e.Muting(ctx, alice.ID, bob.ID, nil)
	require.NoError(t, err)
	assert.False(muting)

	// the sweep removes only expired rows
	_, err = e.Mute(ctx, alice.ID, carol.ID, true, 0)
	require.NoError(t, err)

	swept, err := e.SweepExpiredMutes(ctx)
	require.NoError(t, err)
	assert.EqualValues(1, swept)

	assert.NoError(e.db.Model(&models.Mute{}).Count(&count).Error)
	assert.EqualValues(1, count)
}

// A mute created with notification hiding disabled persists the false
// value from the start, not only after a toggle.
func TestMuteCreatedWithoutNotificationHiding(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := testEngine(t)

	alice := mkAccount(t, e, "alice")
	bob := mkAccount(t, e, "bob")

	m, err := e.Mute(ctx, alice.ID, bob.ID, false, 0)
	require.NoError(t, err)
	assert.False(m.HideNotifications)

	var saved models.Mute
	require.NoError(t, e.db.First(&saved, "id = ?", m.ID).Error)
	assert.False(saved.HideNotifications)

	mutingNotifs, err := e.MutingNotifications(ctx, alice.ID, bob.ID, nil)
	require.NoError(t, err)
	assert.False(mutingNotifs)
}

func TestDomainBlock(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := testEngine(t)

	alice := mkAccount(t, e, "alice")
	remy := mkRemoteAccount(t, e, "remy", "bad.example")

	db, err := e.BlockDomain(ctx, alice.ID, "bad.example")
	require.NoError(t, err)
	assert.NotZero(db.ID)

	again, err := e.BlockDomain(ctx, alice.ID, "bad.example")
	require.NoError(t, err)
	assert.Equal(db.ID, again.ID)

	blocking, err := e.DomainBlocking(ctx, alice.ID, "bad.example")
	require.NoError(t, err)
	assert.True(blocking)

	// local accounts have an empty domain and can never be domain blocked
	blocking, err = e.DomainBlocking(ctx, alice.ID, "")
	require.NoError(t, err)
	assert.False(blocking)

	either, err := e.BlockingOrDomainBlocking(ctx, alice.ID, remy.ID, nil)
	require.NoError(t, err)
	assert.True(either)

	removed, err := e.UnblockDomain(ctx, alice.ID, "bad.example")
	require.NoError(t, err)
	assert.True(removed)

	either, err = e.BlockingOrDomainBlocking(ctx, alice.ID, remy.ID, nil)
	require.NoError(t, err)
	assert.False(either)
}
