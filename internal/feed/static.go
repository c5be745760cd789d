package feed

import (
	"fmt"
	"sync"
	"time"
)

// Static is an admin-maintained price table, used as the fallback path when
// the primary feed is down. Prices are set explicitly and go stale like any
// other observation.
type Static struct {
	mu     sync.RWMutex
	quotes map[string]Quote
}

func NewStatic() *Static {
	return &Static{
		quotes: make(map[string]Quote),
	}
}

// Set records an admin-supplied price for a symbol.
func (s *Static) Set(symbol string, price, confidence uint64, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[symbol] = Quote{Price: price, Confidence: confidence, Time: now}
}

func (s *Static) Quote(symbol string, maxAge time.Duration) (Quote, error) {
	s.mu.RLock()
	quote, ok := s.quotes[symbol]
	s.mu.RUnlock()

	if !ok {
		return Quote{}, fmt.Errorf("%w: no static price for %s", ErrInvalidPrice, symbol)
	}
	if maxAge > 0 && time.Since(quote.Time) > maxAge {
		return Quote{}, fmt.Errorf("%w: static price for %s is %s old", ErrStalePrice, symbol, time.Since(quote.Time).Round(time.Millisecond))
	}
	return quote, nil
}
