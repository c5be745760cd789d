package feed

import (
	"errors"
	"time"
)

var (
	// ErrStalePrice means the latest update is older than the caller's
	// freshness bound. Callers propagate it; retries belong to the caller.
	ErrStalePrice = errors.New("stale price")

	// ErrInvalidPrice means the symbol has no configured or active feed.
	ErrInvalidPrice = errors.New("invalid price")
)

// Quote is a price observation, scaled by fpmath.PricePrecision, with the
// feed's reported confidence interval.
type Quote struct {
	Price      uint64
	Confidence uint64
	Time       time.Time
}

// Feed supplies the current price for a symbol. Implementations must answer
// from memory — the trading engine calls Quote under its lock and never
// blocks on I/O.
type Feed interface {
	Quote(symbol string, maxAge time.Duration) (Quote, error)
}

// WithFallback tries the primary feed and substitutes the fallback when the
// primary is unavailable or stale.
type WithFallback struct {
	Primary  Feed
	Fallback Feed
}

func (f *WithFallback) Quote(symbol string, maxAge time.Duration) (Quote, error) {
	quote, err := f.Primary.Quote(symbol, maxAge)
	if err == nil {
		return quote, nil
	}
	return f.Fallback.Quote(symbol, maxAge)
}
