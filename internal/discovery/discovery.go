package discovery

import (
	"context"

	"github.com/user1303836/intelstream-sub000/internal/domain"
)

// Strategy captures one way of finding post listings on a site. Returning
// (nil, nil) is the normal "nothing found" outcome; callers treat errors the
// same way but log them.
type Strategy interface {
	Name() string
	Discover(ctx context.Context, seedURL, patternHint string) (*domain.DiscoveryResult, error)
}

// Chain keeps strategies in a fixed priority order. Priority is static; there
// is no cost-based re-ranking.
type Chain struct {
	strategies []Strategy
}

// NewChain builds a chain preserving the given order.
func NewChain(strategies ...Strategy) *Chain {
	return &Chain{strategies: strategies}
}

// All returns the strategies in priority order.
func (c *Chain) All() []Strategy {
	return c.strategies
}

// ByName returns the named strategy or nil if it is absent.
func (c *Chain) ByName(name string) Strategy {
	for _, s := range c.strategies {
		if s.Name() == name {
			return s
		}
	}
	return nil
}
