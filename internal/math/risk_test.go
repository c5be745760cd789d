package math_test

import (
	"errors"
	"testing"

	fpmath "MarginCore/internal/math"
)

// ============================================================================
// Test: CalculatePnL
// ============================================================================

func TestCalculatePnL_LongProfit(t *testing.T) {
	// Long 0.1 @ 50000, price rises to 55000 -> +500.
	isProfit, amount, err := fpmath.CalculatePnL(
		50_000*fpmath.PricePrecision,
		55_000*fpmath.PricePrecision,
		fpmath.PricePrecision/10,
		true,
	)
	if err != nil {
		t.Fatalf("CalculatePnL failed: %v", err)
	}
	if !isProfit {
		t.Error("long position should profit from price rise")
	}
	if amount != 500*fpmath.PricePrecision {
		t.Errorf("got %d, want %d", amount, 500*fpmath.PricePrecision)
	}
}

func TestCalculatePnL_LongLoss(t *testing.T) {
	isProfit, amount, err := fpmath.CalculatePnL(
		50_000*fpmath.PricePrecision,
		45_000*fpmath.PricePrecision,
		fpmath.PricePrecision/10,
		true,
	)
	if err != nil {
		t.Fatalf("CalculatePnL failed: %v", err)
	}
	if isProfit {
		t.Error("long position should lose from price drop")
	}
	if amount != 500*fpmath.PricePrecision {
		t.Errorf("got %d, want %d", amount, 500*fpmath.PricePrecision)
	}
}

func TestCalculatePnL_ShortMirrorsLong(t *testing.T) {
	entry := uint64(3_000 * fpmath.PricePrecision)
	current := uint64(2_700 * fpmath.PricePrecision)
	size := uint64(2 * fpmath.PricePrecision)

	longProfit, longAmount, err := fpmath.CalculatePnL(entry, current, size, true)
	if err != nil {
		t.Fatalf("long PnL failed: %v", err)
	}
	shortProfit, shortAmount, err := fpmath.CalculatePnL(entry, current, size, false)
	if err != nil {
		t.Fatalf("short PnL failed: %v", err)
	}

	if longProfit == shortProfit {
		t.Error("long and short must disagree on direction for a moved price")
	}
	if longAmount != shortAmount {
		t.Errorf("magnitudes differ: long %d, short %d", longAmount, shortAmount)
	}
}

func TestCalculatePnL_UnchangedPrice(t *testing.T) {
	isProfit, amount, err := fpmath.CalculatePnL(100, 100, 1_000_000, true)
	if err != nil {
		t.Fatalf("CalculatePnL failed: %v", err)
	}
	if !isProfit || amount != 0 {
		t.Errorf("flat price: got profit=%v amount=%d, want profit=true amount=0", isProfit, amount)
	}
}

// ============================================================================
// Test: CalculateLiquidationPrice
// ============================================================================

func TestCalculateLiquidationPrice_Long(t *testing.T) {
	// 10x leverage: 1000 bps gross, minus 50 bps maintenance = 950 bps move.
	entry := uint64(50_000 * fpmath.PricePrecision)
	got, err := fpmath.CalculateLiquidationPrice(entry, 10, true)
	if err != nil {
		t.Fatalf("CalculateLiquidationPrice failed: %v", err)
	}

	want := entry - entry*950/10_000
	if got != want {
		t.Errorf("got %d, want %d", got, want)
	}
	if got >= entry {
		t.Error("long liquidation price must sit below entry")
	}
}

func TestCalculateLiquidationPrice_Short(t *testing.T) {
	entry := uint64(50_000 * fpmath.PricePrecision)
	got, err := fpmath.CalculateLiquidationPrice(entry, 10, false)
	if err != nil {
		t.Fatalf("CalculateLiquidationPrice failed: %v", err)
	}
	if got <= entry {
		t.Error("short liquidation price must sit above entry")
	}

	longPrice, _ := fpmath.CalculateLiquidationPrice(entry, 10, true)
	if entry-longPrice != got-entry {
		t.Errorf("long and short distances differ: %d vs %d", entry-longPrice, got-entry)
	}
}

func TestCalculateLiquidationPrice_HigherLeverageIsCloser(t *testing.T) {
	entry := uint64(50_000 * fpmath.PricePrecision)
	at5x, _ := fpmath.CalculateLiquidationPrice(entry, 5, true)
	at50x, _ := fpmath.CalculateLiquidationPrice(entry, 50, true)

	if at50x <= at5x {
		t.Errorf("50x liquidation (%d) should be closer to entry than 5x (%d)", at50x, at5x)
	}
}

func TestCalculateLiquidationPrice_ZeroLeverage(t *testing.T) {
	_, err := fpmath.CalculateLiquidationPrice(100, 0, true)
	if !errors.Is(err, fpmath.ErrInvalidLeverage) {
		t.Errorf("expected ErrInvalidLeverage, got %v", err)
	}
}

func TestCalculateLiquidationPrice_LeverageAtMaintenanceBound(t *testing.T) {
	// 200x gives 50 bps gross, exactly the maintenance rate: no room left.
	_, err := fpmath.CalculateLiquidationPrice(100_000, 200, true)
	if !errors.Is(err, fpmath.ErrInvalidLeverage) {
		t.Errorf("expected ErrInvalidLeverage at 200x, got %v", err)
	}

	// 100x gives 100 bps gross, 50 bps usable: still valid.
	if _, err := fpmath.CalculateLiquidationPrice(100_000, 100, true); err != nil {
		t.Errorf("100x should be valid: %v", err)
	}
}

// ============================================================================
// Test: CalculateRequiredCollateral
// ============================================================================

func TestCalculateRequiredCollateral_Basic(t *testing.T) {
	// 0.1 @ 50000, 5x -> notional 5000, collateral 1000.
	got, err := fpmath.CalculateRequiredCollateral(
		fpmath.PricePrecision/10,
		50_000*fpmath.PricePrecision,
		5,
	)
	if err != nil {
		t.Fatalf("CalculateRequiredCollateral failed: %v", err)
	}
	if got != 1_000*fpmath.PricePrecision {
		t.Errorf("got %d, want %d", got, 1_000*fpmath.PricePrecision)
	}
}

func TestCalculateRequiredCollateral_ZeroLeverage(t *testing.T) {
	_, err := fpmath.CalculateRequiredCollateral(1, 1, 0)
	if !errors.Is(err, fpmath.ErrInvalidLeverage) {
		t.Errorf("expected ErrInvalidLeverage, got %v", err)
	}
}

// ============================================================================
// Test: CalculateFundingPayment
// ============================================================================

func TestCalculateFundingPayment_FullDay(t *testing.T) {
	// 10 units at 100 bps over a full day -> 1% of size.
	size := uint64(10 * fpmath.PricePrecision)
	got, err := fpmath.CalculateFundingPayment(size, 100, fpmath.MsPerDay)
	if err != nil {
		t.Fatalf("CalculateFundingPayment failed: %v", err)
	}
	if got != size/100 {
		t.Errorf("got %d, want %d", got, size/100)
	}
}

func TestCalculateFundingPayment_HalfDay(t *testing.T) {
	size := uint64(10 * fpmath.PricePrecision)
	full, _ := fpmath.CalculateFundingPayment(size, 100, fpmath.MsPerDay)
	half, err := fpmath.CalculateFundingPayment(size, 100, fpmath.MsPerDay/2)
	if err != nil {
		t.Fatalf("CalculateFundingPayment failed: %v", err)
	}
	if half != full/2 {
		t.Errorf("half day: got %d, want %d", half, full/2)
	}
}

func TestCalculateFundingPayment_ZeroElapsed(t *testing.T) {
	got, err := fpmath.CalculateFundingPayment(1_000_000, 100, 0)
	if err != nil {
		t.Fatalf("CalculateFundingPayment failed: %v", err)
	}
	if got != 0 {
		t.Errorf("got %d, want 0", got)
	}
}

// ============================================================================
// Test: IsWithinThreshold
// ============================================================================

func TestIsWithinThreshold(t *testing.T) {
	// 1% band around 10000 is [9900, 10100].
	cases := []struct {
		current uint64
		want    bool
	}{
		{10_000, true},
		{9_900, true},
		{10_100, true},
		{9_899, false},
		{10_101, false},
	}
	for _, c := range cases {
		got, err := fpmath.IsWithinThreshold(c.current, 10_000, 100)
		if err != nil {
			t.Fatalf("IsWithinThreshold(%d) failed: %v", c.current, err)
		}
		if got != c.want {
			t.Errorf("IsWithinThreshold(%d): got %v, want %v", c.current, got, c.want)
		}
	}
}
