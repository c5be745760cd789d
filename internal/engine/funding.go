package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	fpmath "MarginCore/internal/math"
)

// AccrueFunding charges funding to every live position in a market, prorated
// over the time since the market's last funding update and scaled by the
// registry multiplier. With a positive rate longs pay and shorts receive;
// a negative rate reverses the flow. Amounts accrue on the position and are
// settled against the payout at close time.
func (e *Engine) AccrueFunding(symbol string, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := time.Now()

	cfg, err := e.registry.CheckOpen(symbol)
	if err != nil {
		return e.reject("accrue_funding", err)
	}

	rate := cfg.FundingRateBps * int64(e.registry.FundingRateMultiplier())
	elapsed := now.Sub(cfg.LastFundingUpdate)
	if elapsed <= 0 {
		return nil
	}
	elapsedMs := uint64(elapsed.Milliseconds())

	if rate != 0 {
		magnitude := uint64(rate)
		if rate < 0 {
			magnitude = uint64(-rate)
		}

		var totalAccrued uint64
		for _, pos := range e.book.ByMarket(symbol) {
			payment, err := fpmath.CalculateFundingPayment(pos.Size, magnitude, elapsedMs)
			if err != nil {
				return err
			}
			if payment == 0 {
				continue
			}

			// Longs pay a positive rate, shorts receive it; mirrored for a
			// negative rate.
			if pos.IsLong == (rate > 0) {
				pos.AccrueFunding(int64(payment), now)
			} else {
				pos.AccrueFunding(-int64(payment), now)
			}
			totalAccrued += payment
		}

		if e.metrics != nil {
			e.metrics.FundingAccrued.WithLabelValues(symbol).Add(float64(totalAccrued))
		}
	}

	if err := e.registry.MarkFundingApplied(symbol, now); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.FundingSettlement.WithLabelValues(symbol).Observe(time.Since(start).Seconds())
	}
	return nil
}

// ExecuteTriggers closes every position in a market whose stop-loss or
// take-profit has fired at the current price. Any keeper may call it; payouts
// settle to the position owner exactly as an owner-initiated close would.
func (e *Engine) ExecuteTriggers(symbol string, now time.Time) ([]uuid.UUID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.observe("execute_triggers", time.Now())

	if _, err := e.registry.CheckOpen(symbol); err != nil {
		return nil, e.reject("execute_triggers", err)
	}
	quote, err := e.feed.Quote(symbol, e.maxPriceAge)
	if err != nil {
		return nil, e.reject("execute_triggers", err)
	}

	var closed []uuid.UUID
	for _, pos := range e.book.ByMarket(symbol) {
		if !pos.ShouldTriggerStopLoss(quote.Price) && !pos.ShouldTriggerTakeProfit(quote.Price) {
			continue
		}
		trader := pos.Trader
		if _, err := e.closeLocked(trader, symbol, now, RecordClose); err != nil {
			return closed, fmt.Errorf("trigger close for %s: %w", trader, err)
		}
		closed = append(closed, trader)
	}
	return closed, nil
}
