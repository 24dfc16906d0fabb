package engine

import (
	"context"
	"testing"
	"time"

	"github.com/cerulean-social/cerulean/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSuspendUnsuspend(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := testEngine(t)

	alice := mkAccount(t, e, "alice")

	var announced []models.SuspensionState
	e.AnnounceLifecycle = func(ctx context.Context, accountID uint64, state models.SuspensionState) error {
		announced = append(announced, state)
		return nil
	}

	now := time.Now().UTC()
	require.NoError(t, e.Suspend(ctx, alice.ID, now, models.SuspensionOriginLocal, "emailhash123"))

	acc, err := e.GetAccountByID(ctx, alice.ID)
	require.NoError(t, err)
	assert.True(acc.Suspended())
	assert.Equal(models.SuspensionOriginLocal, acc.SuspensionOrigin)

	state, err := e.SuspensionState(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(models.SuspensionStateTemporary, state)

	var blocks int64
	assert.NoError(e.db.Model(&models.CanonicalEmailBlock{}).Where("reference_account_id = ?", alice.ID).Count(&blocks).Error)
	assert.EqualValues(1, blocks)

	require.NoError(t, e.Unsuspend(ctx, alice.ID))

	acc, err = e.GetAccountByID(ctx, alice.ID)
	require.NoError(t, err)
	assert.False(acc.Suspended())

	state, err = e.SuspensionState(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(models.SuspensionStateActive, state)

	// the email block and the deletion marker are both gone
	assert.NoError(e.db.Model(&models.CanonicalEmailBlock{}).Where("reference_account_id = ?", alice.ID).Count(&blocks).Error)
	assert.EqualValues(0, blocks)
	var markers int64
	assert.NoError(e.db.Model(&models.DeletionRequest{}).Where("account_id = ?", alice.ID).Count(&markers).Error)
	assert.EqualValues(0, markers)

	assert.Equal([]models.SuspensionState{
		models.SuspensionStateTemporary,
		models.SuspensionStateActive,
	}, announced)
}

func TestSuspendAtomicity(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := testEngine(t)

	alice := mkAccount(t, e, "alice")

	// make the transaction's final step fail: with the email block table
	// gone the insert errors and everything must roll back
	require.NoError(t, e.db.Migrator().DropTable(&models.CanonicalEmailBlock{}))

	err := e.Suspend(ctx, alice.ID, time.Now().UTC(), models.SuspensionOriginLocal, "emailhash123")
	assert.Error(err)

	acc, err := e.GetAccountByID(ctx, alice.ID)
	require.NoError(t, err)
	assert.False(acc.Suspended())
	assert.Nil(acc.SuspendedAt)

	var markers int64
	assert.NoError(e.db.Model(&models.DeletionRequest{}).Where("account_id = ?", alice.ID).Count(&markers).Error)
	assert.EqualValues(0, markers)
}

// A caller that timed out may repeat the identical suspension; the retry
// must succeed even though the email hash is already blocked.
func TestSuspendRetriedWithSameEmailHash(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := testEngine(t)

	alice := mkAccount(t, e, "alice")
	now := time.Now().UTC()

	require.NoError(t, e.Suspend(ctx, alice.ID, now, models.SuspensionOriginLocal, "emailhash123"))
	require.NoError(t, e.Suspend(ctx, alice.ID, now, models.SuspensionOriginLocal, "emailhash123"))

	acc, err := e.GetAccountByID(ctx, alice.ID)
	require.NoError(t, err)
	assert.True(acc.Suspended())

	// still exactly one block row for the hash
	var blocks int64
	assert.NoError(e.db.Model(&models.CanonicalEmailBlock{}).Where("canonical_email_hash = ?", "emailhash123").Count(&blocks).Error)
	assert.EqualValues(1, blocks)

	// a hash already blocked on behalf of some other account does not
	// abort the suspension either
	bob := mkAccount(t, e, "bob")
	require.NoError(t, e.Suspend(ctx, bob.ID, now, models.SuspensionOriginLocal, "emailhash123"))
	acc, err = e.GetAccountByID(ctx, bob.ID)
	require.NoError(t, err)
	assert.True(acc.Suspended())
}

func TestSuspendRepeated(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := testEngine(t)

	alice := mkAccount(t, e, "alice")

	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, e.Suspend(ctx, alice.ID, t1, models.SuspensionOriginLocal, ""))
	require.NoError(t, e.Suspend(ctx, alice.ID, t2, models.SuspensionOriginRemote, ""))

	acc, err := e.GetAccountByID(ctx, alice.ID)
	require.NoError(t, err)
	assert.True(acc.SuspendedAt.Equal(t2))
	assert.Equal(models.SuspensionOriginRemote, acc.SuspensionOrigin)

	// still exactly one deletion marker
	var markers int64
	assert.NoError(e.db.Model(&models.DeletionRequest{}).Where("account_id = ?", alice.ID).Count(&markers).Error)
	assert.EqualValues(1, markers)
}

func TestSuspensionStatePermanent(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := testEngine(t)

	alice := mkAccount(t, e, "alice")
	require.NoError(t, e.Suspend(ctx, alice.ID, time.Now().UTC(), models.SuspensionOriginLocal, ""))

	// the deletion worker consuming the marker makes the suspension final
	require.NoError(t, e.db.Where("account_id = ?", alice.ID).Delete(&models.DeletionRequest{}).Error)

	state, err := e.SuspensionState(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(models.SuspensionStatePermanent, state)
}

func TestInstanceActorImmunity(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := testEngine(t)

	actor := &models.Account{
		Username:      "internal.cerulean",
		URI:           "https://cerulean.test/actor",
		InstanceActor: true,
	}
	require.NoError(t, e.db.Create(actor).Error)

	require.NoError(t, e.Suspend(ctx, actor.ID, time.Now().UTC(), models.SuspensionOriginLocal, ""))

	// the flags are written, but the instance actor stays reachable
	acc, err := e.GetAccountByID(ctx, actor.ID)
	require.NoError(t, err)
	assert.NotNil(acc.SuspendedAt)
	assert.False(acc.Suspended())
	assert.False(acc.Unavailable())

	state, err := e.SuspensionState(ctx, actor.ID)
	require.NoError(t, err)
	assert.Equal(models.SuspensionStateActive, state)
}

func TestMigrate(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := testEngine(t)

	alice := mkAccount(t, e, "alice")
	successor := mkRemoteAccount(t, e, "alice", "new.example")

	require.NoError(t, e.Migrate(ctx, alice.ID, successor.ID))

	acc, err := e.GetAccountByID(ctx, alice.ID)
	require.NoError(t, err)
	require.NotNil(t, acc.MovedToAccountID)
	assert.Equal(successor.ID, *acc.MovedToAccountID)
	assert.True(acc.Moved())
	assert.True(acc.Unavailable())

	// migrating to an unknown account is refused
	assert.ErrorIs(e.Migrate(ctx, alice.ID, successor.ID+50), ErrAccountNotFound)

	require.NoError(t, e.UnsetMigration(ctx, alice.ID))
	acc, err = e.GetAccountByID(ctx, alice.ID)
	require.NoError(t, err)
	assert.Nil(acc.MovedToAccountID)
	assert.False(acc.Moved())
}
