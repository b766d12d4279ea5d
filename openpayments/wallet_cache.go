package openpayments

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/goliatone/go-tandas/core"
)

const walletCacheKeyPrefix = "go-tandas::wallet::v1"

// CachedWalletResolver memoizes wallet documents. Failed lookups are not
// cached.
type CachedWalletResolver struct {
	base  core.WalletResolver
	cache repositorycache.CacheService
}

func NewCachedWalletResolver(base core.WalletResolver, cacheService repositorycache.CacheService) (*CachedWalletResolver, error) {
	if base == nil {
		return nil, fmt.Errorf("openpayments: base wallet resolver is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("openpayments: wallet cache service is required")
	}
	return &CachedWalletResolver{base: base, cache: cacheService}, nil
}

// WalletCacheKey is go-tandas::wallet::v1::<escaped normalized locator>.
func WalletCacheKey(locator string) (string, error) {
	normalized := core.NormalizeWalletLocator(locator)
	if normalized == "" {
		return "", core.ProtocolError(core.ErrorWalletMalformed, "wallet locator is required", nil)
	}
	return walletCacheKeyPrefix + "::" + url.PathEscape(strings.TrimSuffix(normalized, "/")), nil
}

func (r *CachedWalletResolver) ResolveWallet(ctx context.Context, locator string) (core.Wallet, error) {
	if r == nil || r.base == nil || r.cache == nil {
		return core.Wallet{}, fmt.Errorf("openpayments: cached wallet resolver is not configured")
	}
	key, err := WalletCacheKey(locator)
	if err != nil {
		return core.Wallet{}, err
	}
	return repositorycache.GetOrFetch(ctx, r.cache, key, func(ctx context.Context) (core.Wallet, error) {
		return r.base.ResolveWallet(ctx, locator)
	})
}

// Invalidate drops a cached wallet, e.g. after its servers moved.
func (r *CachedWalletResolver) Invalidate(ctx context.Context, locator string) error {
	if r == nil || r.cache == nil {
		return fmt.Errorf("openpayments: cached wallet resolver is not configured")
	}
	key, err := WalletCacheKey(locator)
	if err != nil {
		return err
	}
	return r.cache.Delete(ctx, key)
}

var _ core.WalletResolver = (*CachedWalletResolver)(nil)
