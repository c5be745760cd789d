package position_test

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	fpmath "MarginCore/internal/math"
	"MarginCore/internal/position"
)

const (
	btcPrice = 50_000 * fpmath.PricePrecision
	btcSize  = fpmath.PricePrecision / 10 // 0.1
)

func newLong(t *testing.T, leverage uint64) *position.Position {
	t.Helper()
	pos, err := position.New(uuid.New(), "BTC-USD", btcSize, 1_000*fpmath.PricePrecision, btcPrice, true, leverage, time.Now())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return pos
}

func newShort(t *testing.T, leverage uint64) *position.Position {
	t.Helper()
	pos, err := position.New(uuid.New(), "BTC-USD", btcSize, 1_000*fpmath.PricePrecision, btcPrice, false, leverage, time.Now())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return pos
}

// ============================================================================
// Test: New
// ============================================================================

func TestNew_DerivesLiquidationPrice(t *testing.T) {
	pos := newLong(t, 5)
	if pos.LiquidationPrice == 0 || pos.LiquidationPrice >= pos.EntryPrice {
		t.Errorf("long liquidation price %d should be non-zero and below entry %d", pos.LiquidationPrice, pos.EntryPrice)
	}
	if pos.StopLoss != 0 || pos.TakeProfit != 0 {
		t.Error("triggers should start unset")
	}
	if pos.PendingFunding != 0 {
		t.Error("pending funding should start at zero")
	}
}

func TestNew_RejectsExcessiveLeverage(t *testing.T) {
	_, err := position.New(uuid.New(), "BTC-USD", btcSize, 100, btcPrice, true, 500, time.Now())
	if !errors.Is(err, fpmath.ErrInvalidLeverage) {
		t.Errorf("expected ErrInvalidLeverage, got %v", err)
	}
}

// ============================================================================
// Test: CalculateMarginRatio / IsLiquidatable
// ============================================================================

func TestCalculateMarginRatio_AtEntry(t *testing.T) {
	pos := newLong(t, 5)

	ratio, err := pos.CalculateMarginRatio(btcPrice)
	if err != nil {
		t.Fatalf("CalculateMarginRatio failed: %v", err)
	}
	// collateral 1000 over notional 5000 = 20% = 2000 bps.
	if ratio != 2_000 {
		t.Errorf("got %d bps, want 2000", ratio)
	}
}

func TestCalculateMarginRatio_ProfitRaisesRatio(t *testing.T) {
	pos := newLong(t, 5)

	atEntry, _ := pos.CalculateMarginRatio(btcPrice)
	inProfit, err := pos.CalculateMarginRatio(55_000 * fpmath.PricePrecision)
	if err != nil {
		t.Fatalf("CalculateMarginRatio failed: %v", err)
	}
	if inProfit <= atEntry {
		t.Errorf("profit should raise margin ratio: %d vs %d at entry", inProfit, atEntry)
	}
}

func TestCalculateMarginRatio_LossWipesMargin(t *testing.T) {
	pos := newLong(t, 5)

	// Loss far beyond collateral: margin clamps at zero, ratio is zero.
	ratio, err := pos.CalculateMarginRatio(30_000 * fpmath.PricePrecision)
	if err != nil {
		t.Fatalf("CalculateMarginRatio failed: %v", err)
	}
	if ratio != 0 {
		t.Errorf("got %d bps, want 0", ratio)
	}
}

func TestCalculateMarginRatio_PendingFundingReducesMargin(t *testing.T) {
	pos := newLong(t, 5)

	before, _ := pos.CalculateMarginRatio(btcPrice)
	pos.AccrueFunding(int64(100*fpmath.PricePrecision), time.Now())
	after, err := pos.CalculateMarginRatio(btcPrice)
	if err != nil {
		t.Fatalf("CalculateMarginRatio failed: %v", err)
	}
	if after >= before {
		t.Errorf("owed funding should reduce margin ratio: %d vs %d", after, before)
	}

	pos.ClearFunding(time.Now())
	cleared, _ := pos.CalculateMarginRatio(btcPrice)
	if cleared != before {
		t.Errorf("clearing funding should restore ratio: got %d, want %d", cleared, before)
	}
}

func TestIsLiquidatable_LongOnPriceDrop(t *testing.T) {
	pos := newLong(t, 5)

	liq, err := pos.IsLiquidatable(btcPrice)
	if err != nil {
		t.Fatalf("IsLiquidatable failed: %v", err)
	}
	if liq {
		t.Error("position should not be liquidatable at entry")
	}

	// Drop past the liquidation price: the entire collateral is consumed.
	liq, err = pos.IsLiquidatable(40_000 * fpmath.PricePrecision)
	if err != nil {
		t.Fatalf("IsLiquidatable failed: %v", err)
	}
	if !liq {
		t.Error("position should be liquidatable after a 20% adverse move at 5x")
	}
}

func TestIsLiquidatable_ShortOnPriceRise(t *testing.T) {
	pos := newShort(t, 5)

	if pos.LiquidationPrice <= pos.EntryPrice {
		t.Error("short liquidation price must sit above entry")
	}

	liq, err := pos.IsLiquidatable(60_000 * fpmath.PricePrecision)
	if err != nil {
		t.Fatalf("IsLiquidatable failed: %v", err)
	}
	if !liq {
		t.Error("short should be liquidatable after a 20% adverse move at 5x")
	}
}

// ============================================================================
// Test: UpdateCollateral
// ============================================================================

func TestUpdateCollateral_ReleveragesPosition(t *testing.T) {
	pos := newLong(t, 5)
	oldLiq := pos.LiquidationPrice

	// Doubling collateral halves implied leverage and moves liquidation away.
	if err := pos.UpdateCollateral(2_000*fpmath.PricePrecision, time.Now()); err != nil {
		t.Fatalf("UpdateCollateral failed: %v", err)
	}
	if pos.Leverage != 2 {
		t.Errorf("implied leverage: got %d, want 2", pos.Leverage)
	}
	if pos.LiquidationPrice >= oldLiq {
		t.Errorf("more collateral should lower long liquidation price: %d vs %d", pos.LiquidationPrice, oldLiq)
	}
}

func TestUpdateCollateral_FloorsLeverageAtOne(t *testing.T) {
	pos := newLong(t, 5)

	// Collateral above notional: implied leverage would be zero.
	if err := pos.UpdateCollateral(10_000*fpmath.PricePrecision, time.Now()); err != nil {
		t.Fatalf("UpdateCollateral failed: %v", err)
	}
	if pos.Leverage != 1 {
		t.Errorf("leverage should floor at 1, got %d", pos.Leverage)
	}
}

func TestUpdateCollateral_RejectsZero(t *testing.T) {
	pos := newLong(t, 5)
	if err := pos.UpdateCollateral(0, time.Now()); err == nil {
		t.Error("zero collateral should be rejected")
	}
}

func TestUpdateCollateral_RejectsExcessiveImpliedLeverage(t *testing.T) {
	pos := newLong(t, 5)

	// Tiny collateral implies leverage past the maintenance bound.
	err := pos.UpdateCollateral(10*fpmath.PricePrecision, time.Now())
	if !errors.Is(err, fpmath.ErrInvalidLeverage) {
		t.Errorf("expected ErrInvalidLeverage, got %v", err)
	}
	// Failure must not dirty the position.
	if pos.Collateral != 1_000*fpmath.PricePrecision || pos.Leverage != 5 {
		t.Error("failed update must leave the position unchanged")
	}
}

// ============================================================================
// Test: Stop-loss / take-profit
// ============================================================================

func TestSetStopLoss_SideValidation(t *testing.T) {
	long := newLong(t, 5)
	if err := long.SetStopLoss(48_000*fpmath.PricePrecision, time.Now()); err != nil {
		t.Errorf("long stop below entry should be valid: %v", err)
	}
	if err := long.SetStopLoss(btcPrice, time.Now()); !errors.Is(err, position.ErrInvalidPrice) {
		t.Errorf("long stop at entry should be rejected, got %v", err)
	}

	short := newShort(t, 5)
	if err := short.SetStopLoss(52_000*fpmath.PricePrecision, time.Now()); err != nil {
		t.Errorf("short stop above entry should be valid: %v", err)
	}
	if err := short.SetStopLoss(48_000*fpmath.PricePrecision, time.Now()); !errors.Is(err, position.ErrInvalidPrice) {
		t.Errorf("short stop below entry should be rejected, got %v", err)
	}
}

func TestSetTakeProfit_SideValidation(t *testing.T) {
	long := newLong(t, 5)
	if err := long.SetTakeProfit(55_000*fpmath.PricePrecision, time.Now()); err != nil {
		t.Errorf("long take-profit above entry should be valid: %v", err)
	}
	if err := long.SetTakeProfit(45_000*fpmath.PricePrecision, time.Now()); !errors.Is(err, position.ErrInvalidPrice) {
		t.Errorf("long take-profit below entry should be rejected, got %v", err)
	}
}

func TestSetStopLoss_ZeroClears(t *testing.T) {
	pos := newLong(t, 5)
	if err := pos.SetStopLoss(48_000*fpmath.PricePrecision, time.Now()); err != nil {
		t.Fatalf("SetStopLoss failed: %v", err)
	}
	if err := pos.SetStopLoss(0, time.Now()); err != nil {
		t.Fatalf("clearing stop-loss failed: %v", err)
	}
	if pos.StopLoss != 0 {
		t.Error("stop-loss should be cleared")
	}
	if pos.ShouldTriggerStopLoss(1) {
		t.Error("cleared stop-loss must never fire")
	}
}

func TestShouldTriggerStopLoss(t *testing.T) {
	long := newLong(t, 5)
	long.SetStopLoss(48_000*fpmath.PricePrecision, time.Now())

	if long.ShouldTriggerStopLoss(48_500 * fpmath.PricePrecision) {
		t.Error("long stop should not fire above the level")
	}
	if !long.ShouldTriggerStopLoss(48_000 * fpmath.PricePrecision) {
		t.Error("long stop should fire at the level")
	}
	if !long.ShouldTriggerStopLoss(47_000 * fpmath.PricePrecision) {
		t.Error("long stop should fire below the level")
	}

	short := newShort(t, 5)
	short.SetStopLoss(52_000*fpmath.PricePrecision, time.Now())
	if !short.ShouldTriggerStopLoss(52_000 * fpmath.PricePrecision) {
		t.Error("short stop should fire at the level")
	}
	if short.ShouldTriggerStopLoss(51_000 * fpmath.PricePrecision) {
		t.Error("short stop should not fire below the level")
	}
}

func TestShouldTriggerTakeProfit(t *testing.T) {
	long := newLong(t, 5)
	long.SetTakeProfit(55_000*fpmath.PricePrecision, time.Now())

	if long.ShouldTriggerTakeProfit(54_000 * fpmath.PricePrecision) {
		t.Error("long take-profit should not fire below the level")
	}
	if !long.ShouldTriggerTakeProfit(55_000 * fpmath.PricePrecision) {
		t.Error("long take-profit should fire at the level")
	}
}

// ============================================================================
// Test: Book
// ============================================================================

func TestBook_PutGetRemove(t *testing.T) {
	book := position.NewBook()
	pos := newLong(t, 5)

	if book.Get(pos.Trader, pos.Market) != nil {
		t.Error("empty book should return nil")
	}

	book.Put(pos)
	got := book.Get(pos.Trader, pos.Market)
	if got != pos {
		t.Error("Get should return the stored position")
	}
	if book.Len() != 1 {
		t.Errorf("Len: got %d, want 1", book.Len())
	}

	book.Remove(pos)
	if book.Get(pos.Trader, pos.Market) != nil {
		t.Error("removed position should be gone")
	}
}

func TestBook_ByMarket(t *testing.T) {
	book := position.NewBook()
	btc1 := newLong(t, 5)
	btc2 := newShort(t, 5)
	eth, err := position.New(uuid.New(), "ETH-USD", fpmath.PricePrecision, 600*fpmath.PricePrecision, 3_000*fpmath.PricePrecision, true, 5, time.Now())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	book.Put(btc1)
	book.Put(btc2)
	book.Put(eth)

	if got := len(book.ByMarket("BTC-USD")); got != 2 {
		t.Errorf("BTC-USD positions: got %d, want 2", got)
	}
	if got := len(book.ByMarket("ETH-USD")); got != 1 {
		t.Errorf("ETH-USD positions: got %d, want 1", got)
	}
	if got := len(book.All()); got != 3 {
		t.Errorf("All: got %d, want 3", got)
	}
}
