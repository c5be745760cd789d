package custody

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInsolvent is returned when a settlement would draw more than the pool
// holds. Under-funding during settlement is an invariant violation in solvent
// operation and is surfaced, never papered over with a reduced payout.
var ErrInsolvent = errors.New("custody pool insolvent")

// Account identifies one of the vault's internal accounts.
type Account uint8

const (
	// AccountPool holds pooled trader collateral backing all payouts.
	AccountPool Account = iota

	// AccountFees accumulates protocol trading and closing fees.
	AccountFees

	// AccountInsurance holds collateral forfeited by liquidated positions.
	AccountInsurance

	// AccountExternal is the boundary account for funds entering or leaving
	// the vault. It runs negative by construction; the ledger stays zero-sum.
	AccountExternal
)

func (a Account) String() string {
	switch a {
	case AccountPool:
		return "pool"
	case AccountFees:
		return "fees"
	case AccountInsurance:
		return "insurance"
	case AccountExternal:
		return "external"
	default:
		return "unknown"
	}
}

// Entry is one double-entry journal line: Amount moves from Credit to Debit.
type Entry struct {
	EntryID uuid.UUID
	Debit   Account
	Credit  Account
	Amount  uint64
	Memo    string
	Time    time.Time
}

// Vault is the custody ledger collaborator: a zero-sum double-entry book over
// the protocol's pooled funds. Not safe for concurrent use; the trading
// engine serializes access.
type Vault struct {
	balances map[Account]int64
	journal  []Entry
}

func NewVault() *Vault {
	return &Vault{
		balances: make(map[Account]int64),
	}
}

func (v *Vault) post(debit, credit Account, amount uint64, memo string, now time.Time) {
	if amount == 0 {
		return
	}
	v.balances[debit] += int64(amount)
	v.balances[credit] -= int64(amount)
	v.journal = append(v.journal, Entry{
		EntryID: uuid.New(),
		Debit:   debit,
		Credit:  credit,
		Amount:  amount,
		Memo:    memo,
		Time:    now,
	})
}

// Deposit credits the pool unconditionally with funds arriving from outside.
func (v *Vault) Deposit(amount uint64, now time.Time) {
	v.post(AccountPool, AccountExternal, amount, "deposit", now)
}

// Settle pays amount out of the pool. It fails with ErrInsolvent — paying
// nothing — if the pool cannot cover the full amount.
func (v *Vault) Settle(amount uint64, now time.Time) error {
	if int64(amount) > v.balances[AccountPool] {
		return fmt.Errorf("%w: pool holds %d, settlement needs %d", ErrInsolvent, v.balances[AccountPool], amount)
	}
	v.post(AccountExternal, AccountPool, amount, "settle", now)
	return nil
}

// CollectFee moves a fee from the pool to the protocol fee account.
func (v *Vault) CollectFee(amount uint64, now time.Time) error {
	if int64(amount) > v.balances[AccountPool] {
		return fmt.Errorf("%w: pool holds %d, fee is %d", ErrInsolvent, v.balances[AccountPool], amount)
	}
	v.post(AccountFees, AccountPool, amount, "fee", now)
	return nil
}

// Forfeit moves liquidated collateral from the pool into the insurance fund.
func (v *Vault) Forfeit(amount uint64, now time.Time) error {
	if int64(amount) > v.balances[AccountPool] {
		return fmt.Errorf("%w: pool holds %d, forfeiture is %d", ErrInsolvent, v.balances[AccountPool], amount)
	}
	v.post(AccountInsurance, AccountPool, amount, "forfeit", now)
	return nil
}

// Balance returns the signed balance of an account.
func (v *Vault) Balance(account Account) int64 {
	return v.balances[account]
}

// GlobalBalance sums every account. A non-zero result means a journal posting
// broke the double-entry pairing.
func (v *Vault) GlobalBalance() int64 {
	var total int64
	for _, balance := range v.balances {
		total += balance
	}
	return total
}

// Journal returns the append-only entry log.
func (v *Vault) Journal() []Entry {
	return v.journal
}
