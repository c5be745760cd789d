package position

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	fpmath "MarginCore/internal/math"
)

// ErrInvalidPrice is returned when a stop-loss or take-profit level sits on
// the wrong side of the entry price for the position's direction.
var ErrInvalidPrice = errors.New("invalid price")

// Position is one trader's open leveraged exposure to a market. All price and
// size fields are fixed-point integers scaled by fpmath.PricePrecision.
type Position struct {
	Trader     uuid.UUID
	Market     string
	Size       uint64
	Collateral uint64
	EntryPrice uint64
	IsLong     bool
	Leverage   uint64

	// LiquidationPrice is derived from entry price and leverage; it is
	// recomputed whenever collateral or leverage changes.
	LiquidationPrice uint64

	OpenTime   time.Time
	LastUpdate time.Time

	// StopLoss and TakeProfit are optional trigger levels; zero means unset.
	StopLoss   uint64
	TakeProfit uint64

	// PendingFunding is funding accrued but not yet settled. Positive means
	// the position owes the pool; negative means the pool owes the position.
	PendingFunding int64
}

// New creates a position with its liquidation price derived from entry price
// and leverage. Stop-loss and take-profit start unset, pending funding at zero.
func New(trader uuid.UUID, market string, size, collateral, entryPrice uint64, isLong bool, leverage uint64, now time.Time) (*Position, error) {
	liqPrice, err := fpmath.CalculateLiquidationPrice(entryPrice, leverage, isLong)
	if err != nil {
		return nil, err
	}

	return &Position{
		Trader:           trader,
		Market:           market,
		Size:             size,
		Collateral:       collateral,
		EntryPrice:       entryPrice,
		IsLong:           isLong,
		Leverage:         leverage,
		LiquidationPrice: liqPrice,
		OpenTime:         now,
		LastUpdate:       now,
	}, nil
}

// Value returns the notional position value at currentPrice.
func (p *Position) Value(currentPrice uint64) (uint64, error) {
	return fpmath.MulDiv(p.Size, currentPrice, fpmath.PricePrecision)
}

// CalculateMarginRatio returns the effective margin over position value in
// basis points. Effective margin is collateral plus profit (or minus loss)
// minus pending funding, clamped at zero. A zero position value reports
// BpsPrecision: a position with no notional is fully safe by convention.
func (p *Position) CalculateMarginRatio(currentPrice uint64) (uint64, error) {
	value, err := p.Value(currentPrice)
	if err != nil {
		return 0, err
	}
	if value == 0 {
		return fpmath.BpsPrecision, nil
	}

	isProfit, pnl, err := fpmath.CalculatePnL(p.EntryPrice, currentPrice, p.Size, p.IsLong)
	if err != nil {
		return 0, err
	}

	margin := p.Collateral
	if isProfit {
		margin += pnl
	} else if pnl >= margin {
		margin = 0
	} else {
		margin -= pnl
	}

	if owed := p.PendingFunding; owed > 0 {
		if uint64(owed) >= margin {
			margin = 0
		} else {
			margin -= uint64(owed)
		}
	} else if owed < 0 {
		margin += uint64(-owed)
	}

	return fpmath.MulDiv(margin, fpmath.BpsPrecision, value)
}

// IsLiquidatable reports whether the margin ratio has fallen to or below the
// maintenance margin rate.
func (p *Position) IsLiquidatable(currentPrice uint64) (bool, error) {
	ratio, err := p.CalculateMarginRatio(currentPrice)
	if err != nil {
		return false, err
	}
	return ratio <= fpmath.MaintenanceMarginRateBps, nil
}

// UpdateCollateral sets a new collateral amount and re-derives the implied
// leverage and liquidation price. Changing collateral deliberately re-levers
// the position; it is not a plain balance update.
func (p *Position) UpdateCollateral(newCollateral uint64, now time.Time) error {
	if newCollateral == 0 {
		return fmt.Errorf("%w: collateral cannot be zero on an open position", fpmath.ErrInvalidLeverage)
	}

	notional, err := fpmath.MulDiv(p.Size, p.EntryPrice, fpmath.PricePrecision)
	if err != nil {
		return err
	}

	leverage := notional / newCollateral
	if leverage == 0 {
		leverage = 1
	}

	liqPrice, err := fpmath.CalculateLiquidationPrice(p.EntryPrice, leverage, p.IsLong)
	if err != nil {
		return err
	}

	p.Collateral = newCollateral
	p.Leverage = leverage
	p.LiquidationPrice = liqPrice
	p.LastUpdate = now
	return nil
}

// SetStopLoss configures the stop-loss trigger. Longs require a level
// strictly below entry, shorts strictly above. Zero clears the trigger.
func (p *Position) SetStopLoss(price uint64, now time.Time) error {
	if price != 0 {
		if p.IsLong && price >= p.EntryPrice {
			return fmt.Errorf("%w: long stop-loss %d must be below entry %d", ErrInvalidPrice, price, p.EntryPrice)
		}
		if !p.IsLong && price <= p.EntryPrice {
			return fmt.Errorf("%w: short stop-loss %d must be above entry %d", ErrInvalidPrice, price, p.EntryPrice)
		}
	}
	p.StopLoss = price
	p.LastUpdate = now
	return nil
}

// SetTakeProfit configures the take-profit trigger. Longs require a level
// strictly above entry, shorts strictly below. Zero clears the trigger.
func (p *Position) SetTakeProfit(price uint64, now time.Time) error {
	if price != 0 {
		if p.IsLong && price <= p.EntryPrice {
			return fmt.Errorf("%w: long take-profit %d must be above entry %d", ErrInvalidPrice, price, p.EntryPrice)
		}
		if !p.IsLong && price >= p.EntryPrice {
			return fmt.Errorf("%w: short take-profit %d must be below entry %d", ErrInvalidPrice, price, p.EntryPrice)
		}
	}
	p.TakeProfit = price
	p.LastUpdate = now
	return nil
}

// ShouldTriggerStopLoss reports whether the current price has crossed the
// stop-loss level. An unset trigger never fires.
func (p *Position) ShouldTriggerStopLoss(currentPrice uint64) bool {
	if p.StopLoss == 0 {
		return false
	}
	if p.IsLong {
		return currentPrice <= p.StopLoss
	}
	return currentPrice >= p.StopLoss
}

// ShouldTriggerTakeProfit reports whether the current price has crossed the
// take-profit level. An unset trigger never fires.
func (p *Position) ShouldTriggerTakeProfit(currentPrice uint64) bool {
	if p.TakeProfit == 0 {
		return false
	}
	if p.IsLong {
		return currentPrice >= p.TakeProfit
	}
	return currentPrice <= p.TakeProfit
}

// AccrueFunding adds a signed funding amount to the position's unsettled
// balance.
func (p *Position) AccrueFunding(amount int64, now time.Time) {
	p.PendingFunding += amount
	p.LastUpdate = now
}

// ClearFunding resets pending funding after settlement. Idempotent.
func (p *Position) ClearFunding(now time.Time) {
	p.PendingFunding = 0
	p.LastUpdate = now
}
