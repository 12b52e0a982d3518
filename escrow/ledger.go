package escrow

import "math/big"

// TransferPolicy selects which bucket of the source account a transfer draws
// from.
type TransferPolicy uint8

const (
	// TransferSpendable moves freely spendable funds.
	TransferSpendable TransferPolicy = iota
	// TransferHeld moves funds currently held at the source; they arrive
	// spendable at the destination. Used to reverse a still-frozen principal.
	TransferHeld
)

// Ledger is the external asset ledger the engine settles against. All
// operations either apply fully or return an error with no effect; the engine
// wraps every rejection in ErrLedgerOperation.
type Ledger interface {
	// Hold reserves amount on the account so it cannot be spent until
	// released or transferred with TransferHeld.
	Hold(asset string, account Address, amount *big.Int) error
	// Release returns a previously held amount to spendable.
	Release(asset string, account Address, amount *big.Int) error
	// Transfer moves amount between accounts according to policy.
	Transfer(asset string, from, to Address, amount *big.Int, policy TransferPolicy) error
	// TransferAndHold atomically moves amount to the destination and freezes
	// it there.
	TransferAndHold(asset string, from, to Address, amount *big.Int) error
}
