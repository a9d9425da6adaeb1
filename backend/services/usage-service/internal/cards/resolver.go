package cards

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"aquatrack/backend/services/usage-service/internal/metrics"
	"aquatrack/backend/services/usage-service/internal/repository"
	"aquatrack/backend/services/usage-service/internal/service"
)

const (
	defaultCacheSize = 4096
	defaultCacheTTL  = 5 * time.Minute
)

// Config sizes the token cache.
type Config struct {
	CacheSize int
	CacheTTL  time.Duration
}

// Resolver maps physical tokens to account ids through the card store. Hits are
// cached; unknown tokens are not.
type Resolver struct {
	cards repository.CardStore
	cache *expirable.LRU[string, string]
}

// NewResolver builds a caching resolver.
func NewResolver(cards repository.CardStore, cfg Config) *Resolver {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	return &Resolver{
		cards: cards,
		cache: expirable.NewLRU[string, string](cfg.CacheSize, nil, cfg.CacheTTL),
	}
}

// Resolve returns the account owning tokenID or service.ErrUnknownToken.
func (r *Resolver) Resolve(ctx context.Context, tokenID string) (string, error) {
	if tokenID == "" {
		return "", service.ErrUnknownToken
	}
	if accountID, ok := r.cache.Get(tokenID); ok {
		metrics.TokenCacheHits.Inc()
		return accountID, nil
	}
	metrics.TokenCacheMisses.Inc()

	card, err := r.cards.GetCard(ctx, tokenID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", service.ErrUnknownToken, tokenID)
		}
		return "", fmt.Errorf("lookup card %s: %w", tokenID, err)
	}
	if card.AccountID == "" {
		return "", fmt.Errorf("%w: %s has no account", service.ErrUnknownToken, tokenID)
	}

	r.cache.Add(tokenID, card.AccountID)
	return card.AccountID, nil
}

// Forget drops a cached token, e.g. after the card was reassigned.
func (r *Resolver) Forget(tokenID string) {
	r.cache.Remove(tokenID)
}
