package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cerulean-social/cerulean/models"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("engine")

// Engine owns the relationship graph (follows, blocks, mutes, domain
// blocks), the per-account aggregate counters, the follower-set digests,
// and account lifecycle transitions. It is safe for concurrent use from
// many request and worker contexts: correctness comes from database-level
// atomicity (unique constraints, arithmetic upserts, transactions), never
// from in-process locks.
type Engine struct {
	db      *gorm.DB
	Logger  *slog.Logger
	Digests *DigestCache
	Config  EngineConfig

	// Account cache, keyed by canonical URI
	accountCache *lru.Cache[string, *models.Account]

	// collapses concurrent digest recomputations of the same key
	digestGroup singleflight.Group

	// Fire-and-forget side-effect hooks, filled in by the host
	// application. Called after the local state has committed; failures
	// are logged, never propagated.
	SendRemoteFollow  func(ctx context.Context, followURI string, targetID uint64) error
	AnnounceLifecycle func(ctx context.Context, accountID uint64, state models.SuspensionState) error
}

type EngineConfig struct {
	// TTL for cached follower-set digests
	DigestTTL time.Duration

	// size of the in-process account row cache
	AccountCacheSize int
}

func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		DigestTTL:        time.Hour,
		AccountCacheSize: 100_000,
	}
}

func NewEngine(db *gorm.DB, digests *DigestCache, config *EngineConfig) (*Engine, error) {
	if config == nil {
		config = DefaultEngineConfig()
	}
	if digests == nil {
		var err error
		digests, err = NewDigestCache("", config.DigestTTL)
		if err != nil {
			return nil, err
		}
	}

	ac, _ := lru.New[string, *models.Account](config.AccountCacheSize)

	e := &Engine{
		db:      db,
		Logger:  slog.Default().With("system", "engine"),
		Digests: digests,
		Config:  *config,

		accountCache: ac,

		SendRemoteFollow: func(context.Context, string, uint64) error {
			return nil
		},
		AnnounceLifecycle: func(context.Context, uint64, models.SuspensionState) error {
			return nil
		},
	}

	if err := e.MigrateDatabase(); err != nil {
		return nil, err
	}

	return e, nil
}

func (e *Engine) MigrateDatabase() error {
	for _, model := range []interface{}{
		models.Account{},
		models.AccountStat{},
		models.Follow{},
		models.FollowRequest{},
		models.Block{},
		models.Mute{},
		models.DomainBlock{},
		models.DeletionRequest{},
		models.CanonicalEmailBlock{},
	} {
		if err := e.db.AutoMigrate(model); err != nil {
			return err
		}
	}
	return nil
}

// simple check of connection to database
func (e *Engine) Healthcheck() error {
	return e.db.Exec("SELECT 1").Error
}

// GetAccount returns the account with the given canonical URI, through the
// in-process cache.
func (e *Engine) GetAccount(ctx context.Context, uri string) (*models.Account, error) {
	a, ok := e.accountCache.Get(uri)
	if ok {
		return a, nil
	}

	var acc models.Account
	if err := e.db.WithContext(ctx).Where("uri = ?", uri).First(&acc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}

	e.accountCache.Add(uri, &acc)

	return &acc, nil
}

// GetAccountByID reads the account row directly, skipping the cache.
func (e *Engine) GetAccountByID(ctx context.Context, accountID uint64) (*models.Account, error) {
	var acc models.Account
	if err := e.db.WithContext(ctx).First(&acc, "id = ?", accountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &acc, nil
}

// EnsureAccount creates the account row if no account with its URI exists
// yet, and returns the persisted row either way. Used on registration and
// on first contact with a remote actor; concurrent creation is resolved by
// the unique constraint on uri, not locking.
func (e *Engine) EnsureAccount(ctx context.Context, acc *models.Account) (*models.Account, error) {
	existing, err := e.GetAccount(ctx, acc.URI)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	if err := e.db.WithContext(ctx).Create(acc).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// lost a creation race; the winner's row is authoritative
			return e.GetAccount(ctx, acc.URI)
		}
		return nil, err
	}

	e.accountCache.Add(acc.URI, acc)

	return acc, nil
}

func (e *Engine) evictAccount(uri string) {
	e.accountCache.Remove(uri)
}
