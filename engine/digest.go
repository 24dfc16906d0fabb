package engine

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cerulean-social/cerulean/models"

	"github.com/go-redis/cache/v9"
	"github.com/minio/sha256-simd"
	"github.com/redis/go-redis/v9"
)

// LocalScope selects followers hosted on this server; any other scope
// string is treated as a remote URL prefix (one per federation peer).
const LocalScope = "local"

// DigestCache holds computed follower-set digests, keyed by account and
// scope. Entries are point-in-time snapshots: bounded staleness within the
// TTL is acceptable to readers, and writers purge without blocking. With
// no redis URL configured it runs on the local TinyLFU tier alone.
type DigestCache struct {
	data *cache.Cache
	ttl  time.Duration
}

func NewDigestCache(redisURL string, ttl time.Duration) (*DigestCache, error) {
	opts := &cache.Options{
		LocalCache: cache.NewTinyLFU(50_000, ttl),
	}
	if redisURL != "" {
		ropt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, err
		}
		rdb := redis.NewClient(ropt)
		// check redis connection
		if _, err := rdb.Ping(context.Background()).Result(); err != nil {
			return nil, err
		}
		opts.Redis = rdb
	}
	return &DigestCache{
		data: cache.New(opts),
		ttl:  ttl,
	}, nil
}

func digestKey(accountID uint64, scope string) string {
	return fmt.Sprintf("followers-hash/%d/%s", accountID, scope)
}

func (c *DigestCache) Get(ctx context.Context, accountID uint64, scope string) (string, error) {
	var val string
	err := c.data.Get(ctx, digestKey(accountID, scope), &val)
	if err == cache.ErrCacheMiss {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

func (c *DigestCache) Set(ctx context.Context, accountID uint64, scope string, val string) error {
	return c.data.Set(&cache.Item{
		Ctx:   ctx,
		Key:   digestKey(accountID, scope),
		Value: val,
		TTL:   c.ttl,
	})
}

func (c *DigestCache) Purge(ctx context.Context, accountID uint64, scope string) error {
	err := c.data.Delete(ctx, digestKey(accountID, scope))
	if err == cache.ErrCacheMiss {
		return nil
	}
	return err
}

// FollowersHash returns the order-independent digest of the account's
// follower URIs within the given scope: each follower contributes
// SHA-256(uri), all contributions combined by bitwise XOR into a 256-bit
// accumulator seeded at zero. XOR keeps the digest independent of
// iteration order and makes single-edge changes a one-XOR delta, at the
// deliberate cost of cryptographic binding strength; delivery verification
// between cooperating peers is the intended use, nothing adversarial.
//
// An account with no followers in scope yields the all-zero digest.
func (e *Engine) FollowersHash(ctx context.Context, accountID uint64, scope string) (string, error) {
	ctx, span := tracer.Start(ctx, "FollowersHash")
	defer span.End()

	if cached, err := e.Digests.Get(ctx, accountID, scope); err != nil {
		e.Logger.Warn("digest cache read failed", "accountID", accountID, "scope", scope, "error", err)
	} else if cached != "" {
		digestCacheHits.Inc()
		return cached, nil
	}
	digestCacheMisses.Inc()

	v, err, _ := e.digestGroup.Do(digestKey(accountID, scope), func() (interface{}, error) {
		start := time.Now()
		digest, err := e.computeFollowersHash(ctx, accountID, scope)
		if err != nil {
			return "", err
		}
		digestComputeDuration.Observe(time.Since(start).Seconds())

		if err := e.Digests.Set(ctx, accountID, scope, digest); err != nil {
			e.Logger.Warn("digest cache write failed", "accountID", accountID, "scope", scope, "error", err)
		}
		return digest, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// likeEscaper neutralizes LIKE metacharacters so a scope prefix always
// matches literally.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (e *Engine) computeFollowersHash(ctx context.Context, accountID uint64, scope string) (string, error) {
	q := e.db.WithContext(ctx).Model(&models.Account{}).
		Joins("JOIN follow ON follow.source_account_id = account.id").
		Where("follow.target_account_id = ?", accountID)
	if scope == LocalScope {
		q = q.Where("account.domain = ''")
	} else {
		q = q.Where(`account.uri LIKE ? ESCAPE '\'`, likeEscaper.Replace(scope)+"%")
	}

	var uris []string
	if err := q.Pluck("account.uri", &uris).Error; err != nil {
		return "", err
	}

	var acc [sha256.Size]byte
	for _, uri := range uris {
		h := sha256.Sum256([]byte(uri))
		for i := range acc {
			acc[i] ^= h[i]
		}
	}

	return hex.EncodeToString(acc[:]), nil
}

// scopeForAccount maps a follower to the digest scope its edge belongs to:
// local for accounts on this server, otherwise the origin prefix of the
// follower's URI.
func scopeForAccount(acc *models.Account) string {
	if acc.Local() {
		return LocalScope
	}
	u, err := url.Parse(acc.URI)
	if err != nil || u.Host == "" {
		return LocalScope
	}
	return fmt.Sprintf("%s://%s/", u.Scheme, u.Host)
}

// invalidateFollowerDigest purges the digest scope a follower-edge
// mutation touched. Best effort: readers tolerate staleness up to the TTL,
// so a failed purge is only logged.
func (e *Engine) invalidateFollowerDigest(ctx context.Context, targetAccountID uint64, follower *models.Account) {
	scope := scopeForAccount(follower)
	if err := e.Digests.Purge(ctx, targetAccountID, scope); err != nil {
		e.Logger.Warn("digest cache purge failed", "accountID", targetAccountID, "scope", scope, "error", err)
	}
}
