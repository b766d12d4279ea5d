package openpayments

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/goliatone/go-tandas/core"
)

type stubWalletResolver struct {
	mu     sync.Mutex
	wallet core.Wallet
	calls  int
	err    error
}

func (s *stubWalletResolver) ResolveWallet(_ context.Context, locator string) (core.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return core.Wallet{}, s.err
	}
	wallet := s.wallet
	if wallet.ID == "" {
		wallet.ID = core.NormalizeWalletLocator(locator)
	}
	return wallet, nil
}

func newTestWalletCacheService(t *testing.T) repositorycache.CacheService {
	t.Helper()
	config := repositorycache.DefaultConfig()
	config.TTL = time.Minute
	service, err := repositorycache.NewCacheService(config)
	if err != nil {
		t.Fatalf("new cache service: %v", err)
	}
	return service
}

func TestCachedWalletResolver_MissFetchThenHit(t *testing.T) {
	base := &stubWalletResolver{wallet: core.Wallet{ID: "https://ilp.test/alice", AssetCode: "USD", AssetScale: 2}}
	resolver, err := NewCachedWalletResolver(base, newTestWalletCacheService(t))
	if err != nil {
		t.Fatalf("new cached resolver: %v", err)
	}

	ctx := context.Background()
	if _, err := resolver.ResolveWallet(ctx, "https://ilp.test/alice"); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	wallet, err := resolver.ResolveWallet(ctx, "https://ilp.test/alice")
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if base.calls != 1 {
		t.Fatalf("expected second resolve to be a cache hit, base calls=%d", base.calls)
	}
	if wallet.AssetCode != "USD" {
		t.Fatalf("unexpected cached wallet %+v", wallet)
	}
}

func TestCachedWalletResolver_PointerAndURLShareEntry(t *testing.T) {
	base := &stubWalletResolver{}
	resolver, err := NewCachedWalletResolver(base, newTestWalletCacheService(t))
	if err != nil {
		t.Fatalf("new cached resolver: %v", err)
	}
	ctx := context.Background()
	for _, locator := range []string{"$ilp.test/bob", "https://ilp.test/bob", " https://ilp.test/bob/ "} {
		if _, err := resolver.ResolveWallet(ctx, locator); err != nil {
			t.Fatalf("resolve %q: %v", locator, err)
		}
	}
	if base.calls != 1 {
		t.Fatalf("expected one base lookup for equivalent locators, got %d", base.calls)
	}
}

func TestCachedWalletResolver_InvalidateForcesRefetch(t *testing.T) {
	base := &stubWalletResolver{}
	resolver, err := NewCachedWalletResolver(base, newTestWalletCacheService(t))
	if err != nil {
		t.Fatalf("new cached resolver: %v", err)
	}
	ctx := context.Background()
	if _, err := resolver.ResolveWallet(ctx, "https://ilp.test/carla"); err != nil {
		t.Fatalf("prime cache: %v", err)
	}
	if err := resolver.Invalidate(ctx, "$ilp.test/carla"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, err := resolver.ResolveWallet(ctx, "https://ilp.test/carla"); err != nil {
		t.Fatalf("resolve after invalidate: %v", err)
	}
	if base.calls != 2 {
		t.Fatalf("expected invalidated wallet to be fetched again, got %d", base.calls)
	}
}

func TestWalletCacheKey_Contract(t *testing.T) {
	key, err := WalletCacheKey("$ilp.test/alice")
	if err != nil {
		t.Fatalf("build cache key: %v", err)
	}
	const expected = "go-tandas::wallet::v1::https:%2F%2Filp.test%2Falice"
	if key != expected {
		t.Fatalf("unexpected cache key contract: got %q want %q", key, expected)
	}
	if _, err := WalletCacheKey("  "); !core.HasTextCode(err, core.ErrorWalletMalformed) {
		t.Fatalf("expected empty locator to be malformed, got %v", err)
	}
}

func TestCachedWalletResolver_PropagatesBaseErrors(t *testing.T) {
	sentinel := errors.New("wallet server down")
	resolver, err := NewCachedWalletResolver(&stubWalletResolver{err: sentinel}, newTestWalletCacheService(t))
	if err != nil {
		t.Fatalf("new cached resolver: %v", err)
	}
	if _, err := resolver.ResolveWallet(context.Background(), "https://ilp.test/diego"); !errors.Is(err, sentinel) {
		t.Fatalf("expected base error propagation, got %v", err)
	}
}
