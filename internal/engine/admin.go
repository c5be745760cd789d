package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"MarginCore/internal/custody"
	fpmath "MarginCore/internal/math"
	"MarginCore/internal/position"
)

// AddMarket registers a new market. Beyond the registry's admin check, the
// leverage ceiling must leave room above the maintenance margin rate —
// otherwise positions could be created whose liquidation price does not
// exist.
func (e *Engine) AddMarket(caller uuid.UUID, symbol string, maxLeverage, minSize, maxSize uint64, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if maxLeverage < MinLeverage {
		return fmt.Errorf("%w: max leverage %d below minimum %d", fpmath.ErrInvalidLeverage, maxLeverage, MinLeverage)
	}
	if fpmath.BpsPrecision/maxLeverage <= fpmath.MaintenanceMarginRateBps {
		return fmt.Errorf("%w: max leverage %d leaves no room above maintenance margin", fpmath.ErrInvalidLeverage, maxLeverage)
	}
	if minSize > maxSize {
		return fmt.Errorf("min size %d exceeds max size %d", minSize, maxSize)
	}

	if err := e.registry.AddMarket(caller, symbol, maxLeverage, minSize, maxSize, now); err != nil {
		return err
	}

	e.log.Info().
		Str("market", symbol).
		Uint64("max_leverage", maxLeverage).
		Msg("market registered")
	return nil
}

// SetMarketActive deactivates or reactivates a market. Markets are never
// deleted.
func (e *Engine) SetMarketActive(caller uuid.UUID, symbol string, active bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry.SetMarketActive(caller, symbol, active)
}

// EmergencyStop halts all trading. While stopped, every position-mutating
// entry point — liquidation included — fails with ErrMarketClosed.
func (e *Engine) EmergencyStop(caller uuid.UUID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.registry.EmergencyStop(caller); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.EmergencyStopped.Set(1)
	}
	e.log.Warn().Msg("trading emergency-stopped")
	return nil
}

// ResumeTrading lifts the global halt.
func (e *Engine) ResumeTrading(caller uuid.UUID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.registry.ResumeTrading(caller); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.EmergencyStopped.Set(0)
	}
	e.log.Info().Msg("trading resumed")
	return nil
}

// SetTradingFee updates the trading fee parameter.
func (e *Engine) SetTradingFee(caller uuid.UUID, feeBps uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry.SetTradingFee(caller, feeBps)
}

// SetFundingRate updates a market's signed daily funding rate.
func (e *Engine) SetFundingRate(caller uuid.UUID, symbol string, rateBps int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry.SetFundingRate(caller, symbol, rateBps)
}

// SetFundingRateMultiplier updates the global funding multiplier.
func (e *Engine) SetFundingRateMultiplier(caller uuid.UUID, multiplier uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry.SetFundingRateMultiplier(caller, multiplier)
}

// SetStopLoss configures the stop-loss trigger on the caller's position.
func (e *Engine) SetStopLoss(caller uuid.UUID, symbol string, price uint64, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos := e.book.Get(caller, symbol)
	if pos == nil {
		return fmt.Errorf("%w: trader %s has no %s position", ErrPositionNotFound, caller, symbol)
	}
	return pos.SetStopLoss(price, now)
}

// SetTakeProfit configures the take-profit trigger on the caller's position.
func (e *Engine) SetTakeProfit(caller uuid.UUID, symbol string, price uint64, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos := e.book.Get(caller, symbol)
	if pos == nil {
		return fmt.Errorf("%w: trader %s has no %s position", ErrPositionNotFound, caller, symbol)
	}
	return pos.SetTakeProfit(price, now)
}

// --- Read-only query surface ---

// Position returns a copy of the caller's live position, or false.
func (e *Engine) Position(trader uuid.UUID, symbol string) (position.Position, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos := e.book.Get(trader, symbol)
	if pos == nil {
		return position.Position{}, false
	}
	return *pos, true
}

// MarginRatio computes the current margin ratio of a position for display.
func (e *Engine) MarginRatio(trader uuid.UUID, symbol string) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos := e.book.Get(trader, symbol)
	if pos == nil {
		return 0, fmt.Errorf("%w: trader %s has no %s position", ErrPositionNotFound, trader, symbol)
	}
	quote, err := e.feed.Quote(symbol, e.maxPriceAge)
	if err != nil {
		return 0, err
	}
	return pos.CalculateMarginRatio(quote.Price)
}

// Market returns a copy of a market's configuration.
func (e *Engine) Market(symbol string) (MarketInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, err := e.registry.Market(symbol)
	if err != nil {
		return MarketInfo{}, err
	}
	return MarketInfo{
		Symbol:            cfg.Symbol,
		IsActive:          cfg.IsActive,
		MaxLeverage:       cfg.MaxLeverage,
		MinPositionSize:   cfg.MinPositionSize,
		MaxPositionSize:   cfg.MaxPositionSize,
		FundingRateBps:    cfg.FundingRateBps,
		OpenInterestLong:  cfg.OpenInterestLong,
		OpenInterestShort: cfg.OpenInterestShort,
	}, nil
}

// MarketInfo is the read-only view of a market configuration.
type MarketInfo struct {
	Symbol            string
	IsActive          bool
	MaxLeverage       uint64
	MinPositionSize   uint64
	MaxPositionSize   uint64
	FundingRateBps    int64
	OpenInterestLong  uint64
	OpenInterestShort uint64
}

// Stats returns the registry's aggregate counters.
func (e *Engine) Stats() (totalVolume, totalFees uint64, emergencyStopped bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry.TotalVolume(), e.registry.TotalFeesCollected(), e.registry.IsEmergencyStopped()
}

// PoolBalances returns the custody pool, insurance fund, and fee balances.
func (e *Engine) PoolBalances() (pool, insurance, fees int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vault.Balance(custody.AccountPool),
		e.vault.Balance(custody.AccountInsurance),
		e.vault.Balance(custody.AccountFees)
}
