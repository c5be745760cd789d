package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"MarginCore/internal/custody"
	"MarginCore/internal/feed"
	"MarginCore/internal/market"
	fpmath "MarginCore/internal/math"
	"MarginCore/internal/observability"
	"MarginCore/internal/position"
)

var (
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrPositionTooSmall       = errors.New("position too small")
	ErrPositionTooLarge       = errors.New("position too large")
	ErrPositionExists         = errors.New("position already exists")
	ErrPositionNotFound       = errors.New("position not found")

	// ErrLiquidationThreshold covers both directions: a position that is not
	// yet liquidatable, and an operation that would make one liquidatable.
	ErrLiquidationThreshold = errors.New("liquidation threshold")
)

const (
	// MinLeverage is the lower leverage bound for every market.
	MinLeverage uint64 = 1

	// LiquidationFeeRateBps is taken from a liquidated position's collateral;
	// half rewards the liquidator, half goes to protocol fees.
	LiquidationFeeRateBps uint64 = 500

	// DefaultMaxPriceAge bounds feed staleness for every operation.
	DefaultMaxPriceAge = 5 * time.Second
)

// RecordKind discriminates settlement records emitted by the engine.
type RecordKind int32

const (
	RecordOpen RecordKind = iota
	RecordClose
	RecordPartialClose
	RecordLiquidation
)

func (k RecordKind) String() string {
	switch k {
	case RecordOpen:
		return "Open"
	case RecordClose:
		return "Close"
	case RecordPartialClose:
		return "PartialClose"
	case RecordLiquidation:
		return "Liquidation"
	default:
		return "Unknown"
	}
}

// Record is one settled operation, emitted to the history writer (blocking)
// and the outbound publisher (best-effort).
type Record struct {
	RecordID   uuid.UUID
	Kind       RecordKind
	Trader     uuid.UUID
	Liquidator uuid.UUID // zero unless Kind == RecordLiquidation
	Market     string
	IsLong     bool
	Size       uint64
	Price      uint64
	Payout     uint64
	Fee        uint64
	Time       time.Time
}

// Engine orchestrates every position-mutating operation against the registry,
// the position book, the custody vault, and the price feed. A single mutex
// serializes all operations: each one validates fully before mutating, so a
// failed call leaves registry, book, and vault exactly as they were.
type Engine struct {
	mu sync.Mutex

	registry *market.Registry
	book     *position.Book
	vault    *custody.Vault
	feed     feed.Feed

	maxPriceAge time.Duration
	metrics     *observability.Metrics
	log         zerolog.Logger

	historyChan chan<- Record
	publishChan chan<- Record
}

// New creates an engine. Either channel may be nil when history persistence
// or outbound publishing is not wired (tests, tooling).
func New(
	registry *market.Registry,
	priceFeed feed.Feed,
	metrics *observability.Metrics,
	log zerolog.Logger,
	historyChan, publishChan chan<- Record,
) *Engine {
	return &Engine{
		registry:    registry,
		book:        position.NewBook(),
		vault:       custody.NewVault(),
		feed:        priceFeed,
		maxPriceAge: DefaultMaxPriceAge,
		metrics:     metrics,
		log:         log,
		historyChan: historyChan,
		publishChan: publishChan,
	}
}

// SetMaxPriceAge overrides the feed staleness bound.
func (e *Engine) SetMaxPriceAge(maxAge time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maxPriceAge = maxAge
}

// emit sends a record downstream: blocking to history (no record may be
// lost), non-blocking to publish (consumers can rebuild from history).
func (e *Engine) emit(rec Record) {
	if e.historyChan != nil {
		e.historyChan <- rec
	}
	if e.publishChan != nil {
		select {
		case e.publishChan <- rec:
		default:
			if e.metrics != nil {
				e.metrics.PublishDrops.Inc()
			}
		}
	}
}

func (e *Engine) observe(operation string, start time.Time) {
	if e.metrics != nil {
		e.metrics.OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}

func (e *Engine) reject(operation string, err error) error {
	if e.metrics != nil {
		e.metrics.OperationsRejected.WithLabelValues(operation, rejectReason(err)).Inc()
	}
	return err
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, market.ErrMarketClosed):
		return "market_closed"
	case errors.Is(err, market.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, fpmath.ErrInvalidLeverage):
		return "invalid_leverage"
	case errors.Is(err, ErrInsufficientCollateral):
		return "insufficient_collateral"
	case errors.Is(err, ErrPositionTooSmall), errors.Is(err, ErrPositionTooLarge):
		return "size_bounds"
	case errors.Is(err, ErrLiquidationThreshold):
		return "liquidation_threshold"
	case errors.Is(err, feed.ErrStalePrice), errors.Is(err, feed.ErrInvalidPrice):
		return "price_feed"
	case errors.Is(err, custody.ErrInsolvent):
		return "insolvent"
	default:
		return "other"
	}
}

// updateMarketGauges refreshes registry-level metrics after a mutation.
func (e *Engine) updateMarketGauges(symbol string) {
	if e.metrics == nil {
		return
	}
	if cfg, err := e.registry.Market(symbol); err == nil {
		e.metrics.OpenInterestLong.WithLabelValues(symbol).Set(float64(cfg.OpenInterestLong))
		e.metrics.OpenInterestShort.WithLabelValues(symbol).Set(float64(cfg.OpenInterestShort))
	}
	e.metrics.TotalVolume.Set(float64(e.registry.TotalVolume()))
	e.metrics.TotalFees.Set(float64(e.registry.TotalFeesCollected()))
	e.metrics.LivePositions.Set(float64(e.book.Len()))
	e.metrics.PoolBalance.Set(float64(e.vault.Balance(custody.AccountPool)))
	e.metrics.InsuranceBalance.Set(float64(e.vault.Balance(custody.AccountInsurance)))
}

// OpenPosition validates leverage and size against the market, prices the
// position off the feed, charges the trading fee, moves the full supplied
// collateral into custody, and books the position. Counters, custody, and the
// position mutate together or not at all.
func (e *Engine) OpenPosition(trader uuid.UUID, symbol string, collateral, size uint64, isLong bool, leverage uint64, now time.Time) (*position.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.observe("open", time.Now())

	cfg, err := e.registry.CheckOpen(symbol)
	if err != nil {
		return nil, e.reject("open", err)
	}
	if leverage < MinLeverage || leverage > cfg.MaxLeverage {
		return nil, e.reject("open", fmt.Errorf("%w: %d outside [%d, %d]", fpmath.ErrInvalidLeverage, leverage, MinLeverage, cfg.MaxLeverage))
	}
	if size < cfg.MinPositionSize {
		return nil, e.reject("open", fmt.Errorf("%w: %d below market minimum %d", ErrPositionTooSmall, size, cfg.MinPositionSize))
	}
	if size > cfg.MaxPositionSize {
		return nil, e.reject("open", fmt.Errorf("%w: %d above market maximum %d", ErrPositionTooLarge, size, cfg.MaxPositionSize))
	}
	if e.book.Get(trader, symbol) != nil {
		return nil, e.reject("open", fmt.Errorf("%w: trader %s already has a %s position", ErrPositionExists, trader, symbol))
	}

	quote, err := e.feed.Quote(symbol, e.maxPriceAge)
	if err != nil {
		return nil, e.reject("open", err)
	}

	required, err := fpmath.CalculateRequiredCollateral(size, quote.Price, leverage)
	if err != nil {
		return nil, e.reject("open", err)
	}
	notional, err := fpmath.MulDiv(size, quote.Price, fpmath.PricePrecision)
	if err != nil {
		return nil, e.reject("open", err)
	}
	tradingFee, err := fpmath.MulDiv(notional, e.registry.TradingFeeBps(), fpmath.BpsPrecision)
	if err != nil {
		return nil, e.reject("open", err)
	}
	if collateral < required+tradingFee {
		return nil, e.reject("open", fmt.Errorf("%w: supplied %d, need %d collateral plus %d fee", ErrInsufficientCollateral, collateral, required, tradingFee))
	}

	pos, err := position.New(trader, symbol, size, collateral-tradingFee, quote.Price, isLong, leverage, now)
	if err != nil {
		return nil, e.reject("open", err)
	}

	// Validation complete; mutate atomically from here.
	e.vault.Deposit(collateral, now)
	if err := e.vault.CollectFee(tradingFee, now); err != nil {
		panic(fmt.Sprintf("FATAL: fee collection after deposit cannot fail: %v", err))
	}
	if err := e.registry.AddOpenInterest(symbol, isLong, size); err != nil {
		panic(fmt.Sprintf("FATAL: open interest update for validated market: %v", err))
	}
	e.registry.RecordVolume(notional, tradingFee)
	e.book.Put(pos)

	if e.metrics != nil {
		e.metrics.PositionsOpened.WithLabelValues(symbol, sideLabel(isLong)).Inc()
	}
	e.updateMarketGauges(symbol)

	e.emit(Record{
		RecordID: uuid.New(),
		Kind:     RecordOpen,
		Trader:   trader,
		Market:   symbol,
		IsLong:   isLong,
		Size:     size,
		Price:    quote.Price,
		Fee:      tradingFee,
		Time:     now,
	})

	return pos, nil
}

// ClosePosition settles the caller's position in full: collateral plus profit
// or minus loss, minus pending funding, minus the closing fee — each
// subtraction floored at zero, so a close can pay nothing but never goes
// negative. The position is destroyed.
func (e *Engine) ClosePosition(caller uuid.UUID, symbol string, now time.Time) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.observe("close", time.Now())

	payout, err := e.closeLocked(caller, symbol, now, RecordClose)
	if err != nil {
		return 0, e.reject("close", err)
	}
	return payout, nil
}

// closeLocked is the shared full-close path. Callers hold e.mu.
func (e *Engine) closeLocked(trader uuid.UUID, symbol string, now time.Time, kind RecordKind) (uint64, error) {
	if _, err := e.registry.CheckOpen(symbol); err != nil {
		return 0, err
	}
	pos := e.book.Get(trader, symbol)
	if pos == nil {
		return 0, fmt.Errorf("%w: trader %s has no %s position", ErrPositionNotFound, trader, symbol)
	}

	quote, err := e.feed.Quote(symbol, e.maxPriceAge)
	if err != nil {
		return 0, err
	}

	payout, closingFee, notional, err := e.settlementAmounts(pos, pos.Size, pos.Collateral, pos.PendingFunding, quote.Price)
	if err != nil {
		return 0, err
	}
	if err := e.payOut(payout, closingFee, now); err != nil {
		return 0, err
	}

	if err := e.registry.ReduceOpenInterest(symbol, pos.IsLong, pos.Size); err != nil {
		panic(fmt.Sprintf("FATAL: open interest reduce on close: %v", err))
	}
	e.registry.RecordVolume(notional, closingFee)

	rec := Record{
		RecordID: uuid.New(),
		Kind:     kind,
		Trader:   trader,
		Market:   symbol,
		IsLong:   pos.IsLong,
		Size:     pos.Size,
		Price:    quote.Price,
		Payout:   payout,
		Fee:      closingFee,
		Time:     now,
	}
	e.book.Remove(pos)

	if e.metrics != nil {
		e.metrics.PositionsClosed.WithLabelValues(symbol, "full").Inc()
		e.metrics.SettlementsPaid.Inc()
	}
	e.updateMarketGauges(symbol)
	e.emit(rec)

	return payout, nil
}

// settlementAmounts computes the floored payout for closing closedSize of a
// position backed by closedCollateral, plus the closing fee and the closed
// notional.
func (e *Engine) settlementAmounts(pos *position.Position, closedSize, closedCollateral uint64, closedFunding int64, price uint64) (payout, closingFee, notional uint64, err error) {
	isProfit, pnl, err := fpmath.CalculatePnL(pos.EntryPrice, price, closedSize, pos.IsLong)
	if err != nil {
		return 0, 0, 0, err
	}

	payout = closedCollateral
	if isProfit {
		payout += pnl
	} else if pnl >= payout {
		payout = 0
	} else {
		payout -= pnl
	}

	if closedFunding > 0 {
		if uint64(closedFunding) >= payout {
			payout = 0
		} else {
			payout -= uint64(closedFunding)
		}
	} else if closedFunding < 0 {
		payout += uint64(-closedFunding)
	}

	notional, err = fpmath.MulDiv(closedSize, price, fpmath.PricePrecision)
	if err != nil {
		return 0, 0, 0, err
	}
	closingFee, err = fpmath.MulDiv(notional, e.registry.TradingFeeBps(), fpmath.BpsPrecision)
	if err != nil {
		return 0, 0, 0, err
	}
	if closingFee >= payout {
		closingFee = payout
		payout = 0
	} else {
		payout -= closingFee
	}

	return payout, closingFee, notional, nil
}

// payOut settles payout to the trader and moves the closing fee to the
// protocol, after checking the pool covers both. Under-funding here means the
// protocol is insolvent and is surfaced, never absorbed into a reduced payout.
func (e *Engine) payOut(payout, closingFee uint64, now time.Time) error {
	if int64(payout+closingFee) > e.vault.Balance(custody.AccountPool) {
		return fmt.Errorf("%w: pool holds %d, settlement needs %d", custody.ErrInsolvent, e.vault.Balance(custody.AccountPool), payout+closingFee)
	}
	if err := e.vault.Settle(payout, now); err != nil {
		return err
	}
	if err := e.vault.CollectFee(closingFee, now); err != nil {
		panic(fmt.Sprintf("FATAL: fee collection after balance check: %v", err))
	}
	return nil
}

// PartialClosePosition closes percentage (1..100) of the caller's position,
// scaling size, collateral, PnL, and pending funding proportionally. At 100%
// it degenerates to a full close; otherwise the position shrinks in place.
func (e *Engine) PartialClosePosition(caller uuid.UUID, symbol string, percentage uint64, now time.Time) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.observe("partial_close", time.Now())

	if percentage < 1 || percentage > 100 {
		return 0, e.reject("partial_close", fmt.Errorf("percentage %d outside [1, 100]", percentage))
	}
	if percentage == 100 {
		payout, err := e.closeLocked(caller, symbol, now, RecordClose)
		if err != nil {
			return 0, e.reject("partial_close", err)
		}
		return payout, nil
	}

	if _, err := e.registry.CheckOpen(symbol); err != nil {
		return 0, e.reject("partial_close", err)
	}
	pos := e.book.Get(caller, symbol)
	if pos == nil {
		return 0, e.reject("partial_close", fmt.Errorf("%w: trader %s has no %s position", ErrPositionNotFound, caller, symbol))
	}

	quote, err := e.feed.Quote(symbol, e.maxPriceAge)
	if err != nil {
		return 0, e.reject("partial_close", err)
	}

	closedSize := pos.Size * percentage / 100
	closedCollateral := pos.Collateral * percentage / 100
	closedFunding := pos.PendingFunding * int64(percentage) / 100

	payout, closingFee, notional, err := e.settlementAmounts(pos, closedSize, closedCollateral, closedFunding, quote.Price)
	if err != nil {
		return 0, e.reject("partial_close", err)
	}
	if err := e.payOut(payout, closingFee, now); err != nil {
		return 0, e.reject("partial_close", err)
	}

	if err := e.registry.ReduceOpenInterest(symbol, pos.IsLong, closedSize); err != nil {
		panic(fmt.Sprintf("FATAL: open interest reduce on partial close: %v", err))
	}
	e.registry.RecordVolume(notional, closingFee)

	pos.Size -= closedSize
	pos.Collateral -= closedCollateral
	pos.PendingFunding -= closedFunding
	pos.LastUpdate = now

	if e.metrics != nil {
		e.metrics.PositionsClosed.WithLabelValues(symbol, "partial").Inc()
		e.metrics.SettlementsPaid.Inc()
	}
	e.updateMarketGauges(symbol)

	e.emit(Record{
		RecordID: uuid.New(),
		Kind:     RecordPartialClose,
		Trader:   caller,
		Market:   symbol,
		IsLong:   pos.IsLong,
		Size:     closedSize,
		Price:    quote.Price,
		Payout:   payout,
		Fee:      closingFee,
		Time:     now,
	})

	return payout, nil
}

// LiquidatePosition may be called by any identity once the position's margin
// ratio is at or below maintenance — that openness is the liquidation
// incentive. The liquidator earns half the liquidation fee; the rest of the
// collateral is forfeited to the insurance fund, none returned to the trader.
func (e *Engine) LiquidatePosition(liquidator, trader uuid.UUID, symbol string, now time.Time) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.observe("liquidate", time.Now())

	// Liquidation is deliberately blocked while trading is halted; the halt
	// is a full freeze and admins resume before liquidators act.
	if _, err := e.registry.CheckOpen(symbol); err != nil {
		return 0, e.reject("liquidate", err)
	}
	pos := e.book.Get(trader, symbol)
	if pos == nil {
		return 0, e.reject("liquidate", fmt.Errorf("%w: trader %s has no %s position", ErrPositionNotFound, trader, symbol))
	}

	quote, err := e.feed.Quote(symbol, e.maxPriceAge)
	if err != nil {
		return 0, e.reject("liquidate", err)
	}

	liquidatable, err := pos.IsLiquidatable(quote.Price)
	if err != nil {
		return 0, e.reject("liquidate", err)
	}
	if !liquidatable {
		ratio, _ := pos.CalculateMarginRatio(quote.Price)
		return 0, e.reject("liquidate", fmt.Errorf("%w: margin ratio %d bps above maintenance %d bps", ErrLiquidationThreshold, ratio, fpmath.MaintenanceMarginRateBps))
	}

	liquidationFee, err := fpmath.MulDiv(pos.Collateral, LiquidationFeeRateBps, fpmath.BpsPrecision)
	if err != nil {
		return 0, e.reject("liquidate", err)
	}
	reward := liquidationFee / 2
	protocolFee := liquidationFee - reward

	var forfeited uint64
	if pos.Collateral > liquidationFee {
		forfeited = pos.Collateral - liquidationFee
	}

	if err := e.vault.Settle(reward, now); err != nil {
		return 0, e.reject("liquidate", err)
	}
	if err := e.vault.CollectFee(protocolFee, now); err != nil {
		panic(fmt.Sprintf("FATAL: liquidation fee collection: %v", err))
	}
	if err := e.vault.Forfeit(forfeited, now); err != nil {
		panic(fmt.Sprintf("FATAL: collateral forfeiture: %v", err))
	}

	if err := e.registry.ReduceOpenInterest(symbol, pos.IsLong, pos.Size); err != nil {
		panic(fmt.Sprintf("FATAL: open interest reduce on liquidation: %v", err))
	}

	rec := Record{
		RecordID:   uuid.New(),
		Kind:       RecordLiquidation,
		Trader:     trader,
		Liquidator: liquidator,
		Market:     symbol,
		IsLong:     pos.IsLong,
		Size:       pos.Size,
		Price:      quote.Price,
		Payout:     reward,
		Fee:        liquidationFee,
		Time:       now,
	}
	e.book.Remove(pos)

	e.log.Info().
		Str("market", symbol).
		Str("trader", trader.String()).
		Str("liquidator", liquidator.String()).
		Uint64("price", quote.Price).
		Uint64("reward", reward).
		Uint64("forfeited", forfeited).
		Msg("position liquidated")

	if e.metrics != nil {
		e.metrics.PositionsLiquidated.WithLabelValues(symbol).Inc()
		e.metrics.LiquidatorReward.Inc()
	}
	e.updateMarketGauges(symbol)
	e.emit(rec)

	return reward, nil
}

// AddCollateral deposits additional margin into the caller's position.
// Unconditional apart from the halt check; adding collateral re-levers the
// position downward and moves its liquidation price away from the market.
func (e *Engine) AddCollateral(caller uuid.UUID, symbol string, amount uint64, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.observe("add_collateral", time.Now())

	if _, err := e.registry.CheckOpen(symbol); err != nil {
		return e.reject("add_collateral", err)
	}
	pos := e.book.Get(caller, symbol)
	if pos == nil {
		return e.reject("add_collateral", fmt.Errorf("%w: trader %s has no %s position", ErrPositionNotFound, caller, symbol))
	}

	// Validate the re-leverage before touching the vault.
	updated := *pos
	if err := updated.UpdateCollateral(pos.Collateral+amount, now); err != nil {
		return e.reject("add_collateral", err)
	}

	e.vault.Deposit(amount, now)
	*pos = updated
	e.updateMarketGauges(symbol)
	return nil
}

// RemoveCollateral withdraws margin from the caller's position. The amount
// must leave a strictly positive balance, and the resulting margin ratio must
// stay above twice the maintenance rate — a safety buffer, not merely "not
// yet liquidatable".
func (e *Engine) RemoveCollateral(caller uuid.UUID, symbol string, amount uint64, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.observe("remove_collateral", time.Now())

	if _, err := e.registry.CheckOpen(symbol); err != nil {
		return e.reject("remove_collateral", err)
	}
	pos := e.book.Get(caller, symbol)
	if pos == nil {
		return e.reject("remove_collateral", fmt.Errorf("%w: trader %s has no %s position", ErrPositionNotFound, caller, symbol))
	}
	if amount >= pos.Collateral {
		return e.reject("remove_collateral", fmt.Errorf("%w: removing %d of %d collateral", ErrInsufficientCollateral, amount, pos.Collateral))
	}

	quote, err := e.feed.Quote(symbol, e.maxPriceAge)
	if err != nil {
		return e.reject("remove_collateral", err)
	}

	updated := *pos
	if err := updated.UpdateCollateral(pos.Collateral-amount, now); err != nil {
		return e.reject("remove_collateral", err)
	}
	ratio, err := updated.CalculateMarginRatio(quote.Price)
	if err != nil {
		return e.reject("remove_collateral", err)
	}
	if ratio <= 2*fpmath.MaintenanceMarginRateBps {
		return e.reject("remove_collateral", fmt.Errorf("%w: resulting margin ratio %d bps inside the 2x maintenance buffer", ErrLiquidationThreshold, ratio))
	}

	if err := e.vault.Settle(amount, now); err != nil {
		return e.reject("remove_collateral", err)
	}
	*pos = updated
	e.updateMarketGauges(symbol)
	return nil
}

func sideLabel(isLong bool) string {
	if isLong {
		return "long"
	}
	return "short"
}
