package venue

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"flowtrader/pkg/types"
)

const (
	symbolInfoTTL  = time.Hour
	cacheSweepTime = 10 * time.Minute
)

// WithSymbolCache wraps an adapter so repeated GetSymbolInfo calls hit the
// venue once per TTL. Every placement reads symbol metadata for tick and
// step rounding, and it changes on the order of venue listing events, not
// orders.
func WithSymbolCache(inner Adapter) Adapter {
	return &cachedAdapter{
		Adapter: inner,
		info:    gocache.New(symbolInfoTTL, cacheSweepTime),
	}
}

type cachedAdapter struct {
	Adapter
	info *gocache.Cache
}

func (c *cachedAdapter) GetSymbolInfo(ctx context.Context, symbol string) (types.SymbolInfo, error) {
	if v, ok := c.info.Get(symbol); ok {
		return v.(types.SymbolInfo), nil
	}
	got, err := c.Adapter.GetSymbolInfo(ctx, symbol)
	if err != nil {
		return types.SymbolInfo{}, err
	}
	c.info.SetDefault(symbol, got)
	return got, nil
}
