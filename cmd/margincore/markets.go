package main

import (
	"time"

	"github.com/google/uuid"

	"MarginCore/internal/engine"
	fpmath "MarginCore/internal/math"
)

type marketSeed struct {
	Symbol      string
	MaxLeverage uint64
	MinSize     uint64
	MaxSize     uint64
}

// defaultMarkets are registered at startup. Sizes are in base-asset units
// scaled by fpmath.PricePrecision.
var defaultMarkets = []marketSeed{
	{Symbol: "BTC-USD", MaxLeverage: 100, MinSize: fpmath.PricePrecision / 1000, MaxSize: 1000 * fpmath.PricePrecision},
	{Symbol: "ETH-USD", MaxLeverage: 50, MinSize: fpmath.PricePrecision / 100, MaxSize: 10000 * fpmath.PricePrecision},
	{Symbol: "SOL-USD", MaxLeverage: 20, MinSize: fpmath.PricePrecision / 10, MaxSize: 100000 * fpmath.PricePrecision},
}

func seedMarkets(eng *engine.Engine, admin uuid.UUID) error {
	now := time.Now()
	for _, m := range defaultMarkets {
		if err := eng.AddMarket(admin, m.Symbol, m.MaxLeverage, m.MinSize, m.MaxSize, now); err != nil {
			return err
		}
	}
	return nil
}
