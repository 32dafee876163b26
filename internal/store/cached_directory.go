package store

import (
	"context"
	"time"

	"github.com/BTreeMap/Coo/internal/models"
	"github.com/patrickmn/go-cache"
)

// DefaultDirectoryCacheTTL is how long phone lookups and entity lists stay cached.
const DefaultDirectoryCacheTTL = 30 * time.Second

// CachedDirectory fronts a Store's directory lookups with a short-lived
// in-process cache. Writes go through to the store and invalidate affected keys.
type CachedDirectory struct {
	Store
	cache *cache.Cache
}

// NewCachedDirectory wraps base. A non-positive ttl uses DefaultDirectoryCacheTTL.
func NewCachedDirectory(base Store, ttl time.Duration) *CachedDirectory {
	if ttl <= 0 {
		ttl = DefaultDirectoryCacheTTL
	}
	return &CachedDirectory{Store: base, cache: cache.New(ttl, 2*ttl)}
}

func phoneCacheKey(phone string) string        { return "phone:" + phone }
func entitiesCacheKey(accountID string) string { return "entities:" + accountID }

// ResolveAccountByPhone caches positive lookups only, so a newly linked phone
// is recognised on the next message.
func (c *CachedDirectory) ResolveAccountByPhone(ctx context.Context, phone string) (*models.Account, error) {
	if v, ok := c.cache.Get(phoneCacheKey(phone)); ok {
		a := v.(models.Account)
		return &a, nil
	}
	account, err := c.Store.ResolveAccountByPhone(ctx, phone)
	if err != nil || account == nil {
		return account, err
	}
	c.cache.Set(phoneCacheKey(phone), *account, cache.DefaultExpiration)
	return account, nil
}

func (c *CachedDirectory) LinkPhone(ctx context.Context, accountID, phone string) error {
	c.cache.Delete(phoneCacheKey(phone))
	return c.Store.LinkPhone(ctx, accountID, phone)
}

func (c *CachedDirectory) ListTrackedEntities(ctx context.Context, accountID string) ([]models.TrackedEntity, error) {
	if v, ok := c.cache.Get(entitiesCacheKey(accountID)); ok {
		return append([]models.TrackedEntity(nil), v.([]models.TrackedEntity)...), nil
	}
	entities, err := c.Store.ListTrackedEntities(ctx, accountID)
	if err != nil {
		return nil, err
	}
	c.cache.Set(entitiesCacheKey(accountID), append([]models.TrackedEntity(nil), entities...), cache.DefaultExpiration)
	return entities, nil
}

func (c *CachedDirectory) CreateTrackedEntity(ctx context.Context, entity models.TrackedEntity, limit int) (models.TrackedEntity, error) {
	created, err := c.Store.CreateTrackedEntity(ctx, entity, limit)
	c.cache.Delete(entitiesCacheKey(entity.AccountID))
	return created, err
}
