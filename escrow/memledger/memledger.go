// Package memledger provides an in-process asset ledger with spendable and
// held balance buckets per (asset, account). It backs the reference
// deployment and the engine tests; production installations substitute their
// own ledger adapter.
package memledger

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"escrowpay/escrow"
)

var (
	// ErrInsufficientSpendable is returned when an operation needs more
	// spendable funds than the account carries.
	ErrInsufficientSpendable = errors.New("memledger: insufficient spendable balance")
	// ErrInsufficientHeld is returned when a release or held transfer exceeds
	// the account's held funds.
	ErrInsufficientHeld = errors.New("memledger: insufficient held balance")
)

type balanceKey struct {
	asset   string
	account escrow.Address
}

type balance struct {
	spendable *big.Int
	held      *big.Int
}

// Ledger is an in-memory implementation of escrow.Ledger.
type Ledger struct {
	mu       sync.Mutex
	balances map[balanceKey]*balance
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{balances: make(map[balanceKey]*balance)}
}

func (l *Ledger) bucket(asset string, account escrow.Address) *balance {
	key := balanceKey{asset: asset, account: account}
	b, ok := l.balances[key]
	if !ok {
		b = &balance{spendable: big.NewInt(0), held: big.NewInt(0)}
		l.balances[key] = b
	}
	return b
}

func checkAmount(amount *big.Int) (*big.Int, error) {
	if amount == nil {
		return big.NewInt(0), nil
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("memledger: negative amount")
	}
	return new(big.Int).Set(amount), nil
}

// Mint credits spendable funds to an account. Tests and the reference daemon
// use it to seed balances; it is not part of the escrow.Ledger contract.
func (l *Ledger) Mint(asset string, account escrow.Address, amount *big.Int) error {
	amt, err := checkAmount(amount)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.bucket(asset, account)
	b.spendable.Add(b.spendable, amt)
	return nil
}

// Spendable returns the freely spendable balance of the account.
func (l *Ledger) Spendable(asset string, account escrow.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.bucket(asset, account).spendable)
}

// Held returns the reserved balance of the account.
func (l *Ledger) Held(asset string, account escrow.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.bucket(asset, account).held)
}

// Hold implements escrow.Ledger.
func (l *Ledger) Hold(asset string, account escrow.Address, amount *big.Int) error {
	amt, err := checkAmount(amount)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.bucket(asset, account)
	if b.spendable.Cmp(amt) < 0 {
		return ErrInsufficientSpendable
	}
	b.spendable.Sub(b.spendable, amt)
	b.held.Add(b.held, amt)
	return nil
}

// Release implements escrow.Ledger.
func (l *Ledger) Release(asset string, account escrow.Address, amount *big.Int) error {
	amt, err := checkAmount(amount)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.bucket(asset, account)
	if b.held.Cmp(amt) < 0 {
		return ErrInsufficientHeld
	}
	b.held.Sub(b.held, amt)
	b.spendable.Add(b.spendable, amt)
	return nil
}

// Transfer implements escrow.Ledger. TransferHeld draws from the source's
// held bucket; the funds always arrive spendable at the destination.
func (l *Ledger) Transfer(asset string, from, to escrow.Address, amount *big.Int, policy escrow.TransferPolicy) error {
	amt, err := checkAmount(amount)
	if err != nil {
		return err
	}
	if amt.Sign() == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	source := l.bucket(asset, from)
	dest := l.bucket(asset, to)
	switch policy {
	case escrow.TransferHeld:
		if source.held.Cmp(amt) < 0 {
			return ErrInsufficientHeld
		}
		source.held.Sub(source.held, amt)
	default:
		if source.spendable.Cmp(amt) < 0 {
			return ErrInsufficientSpendable
		}
		source.spendable.Sub(source.spendable, amt)
	}
	dest.spendable.Add(dest.spendable, amt)
	return nil
}

// TransferAndHold implements escrow.Ledger: the amount leaves the source
// spendable and arrives frozen at the destination in one step.
func (l *Ledger) TransferAndHold(asset string, from, to escrow.Address, amount *big.Int) error {
	amt, err := checkAmount(amount)
	if err != nil {
		return err
	}
	if amt.Sign() == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	source := l.bucket(asset, from)
	dest := l.bucket(asset, to)
	if source.spendable.Cmp(amt) < 0 {
		return ErrInsufficientSpendable
	}
	source.spendable.Sub(source.spendable, amt)
	dest.held.Add(dest.held, amt)
	return nil
}
