package main

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/menagerie-sh/menagerie/pkg/config"
	"github.com/menagerie-sh/menagerie/pkg/pricing"
)

var errPricingDown = errors.New("pricing table unavailable")

// pricingLoader builds the loader and primes it. Load never fails hard;
// with neither cache nor network the loader reports down and cost
// recording proceeds at zero.
func pricingLoader(ctx context.Context, cfg *config.Config) *pricing.Loader {
	l := pricing.NewLoader(filepath.Join(cfg.Home, "pricing.json"), cfg.PricingURL)
	l.Load(ctx)
	return l
}
