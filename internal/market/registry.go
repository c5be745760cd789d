package market

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrMarketClosed covers both a deactivated market and the global
	// emergency halt.
	ErrMarketClosed = errors.New("market closed")

	ErrMarketAlreadyExists = errors.New("market already exists")
	ErrMarketNotFound      = errors.New("market not found")
	ErrUnauthorized        = errors.New("unauthorized")
)

// OrderType tags instrument order variants for the (external) matching book.
// Matching itself is out of scope here; the tag exists so callers exchange a
// typed variant instead of an integer code.
type OrderType int32

const (
	OrderTypeMarket OrderType = iota
	OrderTypeLimit
	OrderTypeStop
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeMarket:
		return "Market"
	case OrderTypeLimit:
		return "Limit"
	case OrderTypeStop:
		return "Stop"
	default:
		return "Unknown"
	}
}

// Config is the per-symbol market configuration. Open-interest counters are
// mutated only through Registry methods, always in matched add/subtract pairs
// driven by the trading engine.
type Config struct {
	Symbol            string
	IsActive          bool
	MaxLeverage       uint64
	MinPositionSize   uint64
	MaxPositionSize   uint64
	FundingRateBps    int64 // signed: positive means longs pay shorts
	OpenInterestLong  uint64
	OpenInterestShort uint64
	LastFundingUpdate time.Time
}

// Registry is the process-wide market registry: symbol configuration,
// protocol counters, fee parameters, and the emergency-halt flag. Markets are
// never deleted; deactivation flips IsActive instead. All mutation goes
// through methods — callers never touch fields directly.
type Registry struct {
	admin   uuid.UUID
	markets map[string]*Config

	totalVolume        uint64
	totalFeesCollected uint64

	tradingFeeBps         uint64
	fundingRateMultiplier uint64

	emergencyStopped bool
}

// DefaultTradingFeeBps is the opening/closing fee applied to notional value
// (0.1%).
const DefaultTradingFeeBps uint64 = 10

// NewRegistry creates the registry singleton with the given admin identity.
func NewRegistry(admin uuid.UUID) *Registry {
	return &Registry{
		admin:                 admin,
		markets:               make(map[string]*Config),
		tradingFeeBps:         DefaultTradingFeeBps,
		fundingRateMultiplier: 1,
	}
}

// requireAdmin checks the caller against the stored admin identity.
// Possession of the identity is necessary and sufficient.
func (r *Registry) requireAdmin(caller uuid.UUID) error {
	if caller != r.admin {
		return fmt.Errorf("%w: caller %s is not the registry admin", ErrUnauthorized, caller)
	}
	return nil
}

// AddMarket registers a new symbol with zeroed funding and open interest.
// Admin only.
func (r *Registry) AddMarket(caller uuid.UUID, symbol string, maxLeverage, minSize, maxSize uint64, now time.Time) error {
	if err := r.requireAdmin(caller); err != nil {
		return err
	}
	if _, ok := r.markets[symbol]; ok {
		return fmt.Errorf("%w: %s", ErrMarketAlreadyExists, symbol)
	}

	r.markets[symbol] = &Config{
		Symbol:            symbol,
		IsActive:          true,
		MaxLeverage:       maxLeverage,
		MinPositionSize:   minSize,
		MaxPositionSize:   maxSize,
		LastFundingUpdate: now,
	}
	return nil
}

// Market returns the configuration for a symbol.
func (r *Registry) Market(symbol string) (*Config, error) {
	cfg, ok := r.markets[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, symbol)
	}
	return cfg, nil
}

// Symbols returns all registered symbols.
func (r *Registry) Symbols() []string {
	result := make([]string, 0, len(r.markets))
	for symbol := range r.markets {
		result = append(result, symbol)
	}
	return result
}

// CheckOpen fails with ErrMarketClosed if trading is globally halted or the
// symbol is inactive or unknown.
func (r *Registry) CheckOpen(symbol string) (*Config, error) {
	if r.emergencyStopped {
		return nil, fmt.Errorf("%w: trading is emergency-stopped", ErrMarketClosed)
	}
	cfg, ok := r.markets[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not registered", ErrMarketClosed, symbol)
	}
	if !cfg.IsActive {
		return nil, fmt.Errorf("%w: %s is deactivated", ErrMarketClosed, symbol)
	}
	return cfg, nil
}

// SetMarketActive flips a market's active flag. Admin only.
func (r *Registry) SetMarketActive(caller uuid.UUID, symbol string, active bool) error {
	if err := r.requireAdmin(caller); err != nil {
		return err
	}
	cfg, ok := r.markets[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMarketNotFound, symbol)
	}
	cfg.IsActive = active
	return nil
}

// EmergencyStop transitions Active -> Stopped. Admin only. While stopped,
// every position-mutating entry point fails with ErrMarketClosed.
func (r *Registry) EmergencyStop(caller uuid.UUID) error {
	if err := r.requireAdmin(caller); err != nil {
		return err
	}
	r.emergencyStopped = true
	return nil
}

// ResumeTrading transitions Stopped -> Active. Admin only.
func (r *Registry) ResumeTrading(caller uuid.UUID) error {
	if err := r.requireAdmin(caller); err != nil {
		return err
	}
	r.emergencyStopped = false
	return nil
}

// IsEmergencyStopped reports the halt flag.
func (r *Registry) IsEmergencyStopped() bool {
	return r.emergencyStopped
}

// SetTradingFee updates the trading fee in basis points. Admin only.
func (r *Registry) SetTradingFee(caller uuid.UUID, feeBps uint64) error {
	if err := r.requireAdmin(caller); err != nil {
		return err
	}
	r.tradingFeeBps = feeBps
	return nil
}

// SetFundingRate sets a market's signed daily funding rate. Admin only.
func (r *Registry) SetFundingRate(caller uuid.UUID, symbol string, rateBps int64) error {
	if err := r.requireAdmin(caller); err != nil {
		return err
	}
	cfg, ok := r.markets[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMarketNotFound, symbol)
	}
	cfg.FundingRateBps = rateBps
	return nil
}

// MarkFundingApplied records the timestamp funding was last accrued for a
// market.
func (r *Registry) MarkFundingApplied(symbol string, now time.Time) error {
	cfg, ok := r.markets[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMarketNotFound, symbol)
	}
	cfg.LastFundingUpdate = now
	return nil
}

// SetFundingRateMultiplier scales all funding accrual. Admin only.
func (r *Registry) SetFundingRateMultiplier(caller uuid.UUID, multiplier uint64) error {
	if err := r.requireAdmin(caller); err != nil {
		return err
	}
	r.fundingRateMultiplier = multiplier
	return nil
}

// TradingFeeBps returns the current trading fee.
func (r *Registry) TradingFeeBps() uint64 {
	return r.tradingFeeBps
}

// FundingRateMultiplier returns the global funding multiplier.
func (r *Registry) FundingRateMultiplier() uint64 {
	return r.fundingRateMultiplier
}

// AddOpenInterest records size on one side as a position opens.
func (r *Registry) AddOpenInterest(symbol string, isLong bool, size uint64) error {
	cfg, ok := r.markets[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMarketNotFound, symbol)
	}
	if isLong {
		cfg.OpenInterestLong += size
	} else {
		cfg.OpenInterestShort += size
	}
	return nil
}

// ReduceOpenInterest removes size from one side as a position closes or is
// liquidated. Going below zero would mean the add/subtract pairing broke,
// which is fatal.
func (r *Registry) ReduceOpenInterest(symbol string, isLong bool, size uint64) error {
	cfg, ok := r.markets[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMarketNotFound, symbol)
	}
	if isLong {
		if cfg.OpenInterestLong < size {
			panic(fmt.Sprintf("FATAL: open interest underflow on %s long: have %d, removing %d", symbol, cfg.OpenInterestLong, size))
		}
		cfg.OpenInterestLong -= size
	} else {
		if cfg.OpenInterestShort < size {
			panic(fmt.Sprintf("FATAL: open interest underflow on %s short: have %d, removing %d", symbol, cfg.OpenInterestShort, size))
		}
		cfg.OpenInterestShort -= size
	}
	return nil
}

// RecordVolume adds to the monotonic volume and fee counters.
func (r *Registry) RecordVolume(notional, fee uint64) {
	r.totalVolume += notional
	r.totalFeesCollected += fee
}

// TotalVolume returns the cumulative notional traded.
func (r *Registry) TotalVolume() uint64 {
	return r.totalVolume
}

// TotalFeesCollected returns the cumulative fees taken.
func (r *Registry) TotalFeesCollected() uint64 {
	return r.totalFeesCollected
}
