package math

import "fmt"

// CalculatePnL returns the sign and magnitude of a position's PnL at
// currentPrice. Longs profit when the price is at or above entry; shorts
// profit when it is at or below. The magnitude is |priceDelta|*size scaled
// back down by PricePrecision.
func CalculatePnL(entryPrice, currentPrice, size uint64, isLong bool) (isProfit bool, amount uint64, err error) {
	if isLong {
		isProfit = currentPrice >= entryPrice
	} else {
		isProfit = entryPrice >= currentPrice
	}

	amount, err = MulDiv(absDiff(currentPrice, entryPrice), size, PricePrecision)
	if err != nil {
		return false, 0, err
	}

	return isProfit, amount, nil
}

// CalculateLiquidationPrice derives the price at which the margin ratio hits
// the maintenance threshold. The tolerable adverse move in basis points is
// BpsPrecision/leverage minus the maintenance rate; leverage high enough to
// make that non-positive has no valid liquidation price and is rejected.
func CalculateLiquidationPrice(entryPrice, leverage uint64, isLong bool) (uint64, error) {
	if leverage == 0 {
		return 0, fmt.Errorf("%w: leverage is zero", ErrInvalidLeverage)
	}

	maxLossBps := BpsPrecision / leverage
	if maxLossBps <= MaintenanceMarginRateBps {
		return 0, fmt.Errorf("%w: leverage %d leaves no room above maintenance margin", ErrInvalidLeverage, leverage)
	}
	maxLossBps -= MaintenanceMarginRateBps

	move, err := MulDiv(entryPrice, maxLossBps, BpsPrecision)
	if err != nil {
		return 0, err
	}

	if isLong {
		return entryPrice - move, nil
	}
	return entryPrice + move, nil
}

// CalculateRequiredCollateral returns the minimum collateral backing a
// position of the given size and price at the given leverage.
func CalculateRequiredCollateral(size, price, leverage uint64) (uint64, error) {
	if leverage == 0 {
		return 0, fmt.Errorf("%w: leverage is zero", ErrInvalidLeverage)
	}
	return MulDiv(size, price, leverage*PricePrecision)
}

// CalculateFundingPayment prorates a daily funding rate (in bps, magnitude
// only — the caller applies the side sign) over elapsed milliseconds.
func CalculateFundingPayment(size, fundingRateBps, elapsedMs uint64) (uint64, error) {
	prorated, err := MulDiv(fundingRateBps, elapsedMs, MsPerDay)
	if err != nil {
		return 0, err
	}
	return MulDiv(size, prorated, BpsPrecision)
}

// IsWithinThreshold reports whether current sits inside a symmetric
// percentage band of thresholdBps around target.
func IsWithinThreshold(current, target, thresholdBps uint64) (bool, error) {
	band, err := MulDiv(target, thresholdBps, BpsPrecision)
	if err != nil {
		return false, err
	}
	return absDiff(current, target) <= band, nil
}
