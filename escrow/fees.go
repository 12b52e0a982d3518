package escrow

import (
	"fmt"
	"math/big"
)

// FeeEngine computes the fee schedule applied to a new escrowed payment. The
// computation is pure: implementations must not retain state between calls.
type FeeEngine interface {
	ApplyFees(asset string, sender, beneficiary Address, amount *big.Int, remark string) (Fees, error)
}

// NopFeeEngine charges nothing.
type NopFeeEngine struct{}

// ApplyFees returns empty fee lists.
func (NopFeeEngine) ApplyFees(string, Address, Address, *big.Int, string) (Fees, error) {
	return Fees{}, nil
}

// FeeRule describes one configured fee: either a fixed amount or a share of
// the principal in basis points, rounded down.
type FeeRule struct {
	Recipient           Address
	FixedAmount         *big.Int
	Bps                 uint32
	ChargeableOnDispute bool
}

func (r FeeRule) amountFor(principal *big.Int) (*big.Int, error) {
	if r.FixedAmount != nil {
		if r.FixedAmount.Sign() < 0 {
			return nil, fmt.Errorf("%w: negative fixed fee", ErrArithmeticUnderflow)
		}
		return new(big.Int).Set(r.FixedAmount), nil
	}
	if r.Bps > bpsDenominator {
		return nil, fmt.Errorf("%w: fee bps %d out of range", ErrArithmeticOverflow, r.Bps)
	}
	amt := new(big.Int).Mul(cloneBigInt(principal), big.NewInt(int64(r.Bps)))
	return amt.Div(amt, big.NewInt(bpsDenominator)), nil
}

// ScheduleFeeEngine applies a static rule set to every payment.
type ScheduleFeeEngine struct {
	SenderRules      []FeeRule
	BeneficiaryRules []FeeRule
}

// ApplyFees evaluates both rule sets against the payment principal.
func (s ScheduleFeeEngine) ApplyFees(_ string, _, _ Address, amount *big.Int, _ string) (Fees, error) {
	fees := Fees{}
	for _, rule := range s.SenderRules {
		amt, err := rule.amountFor(amount)
		if err != nil {
			return Fees{}, err
		}
		fees.SenderPays = append(fees.SenderPays, Fee{Recipient: rule.Recipient, Amount: amt, ChargeableOnDispute: rule.ChargeableOnDispute})
	}
	for _, rule := range s.BeneficiaryRules {
		amt, err := rule.amountFor(amount)
		if err != nil {
			return Fees{}, err
		}
		fees.BeneficiaryPays = append(fees.BeneficiaryPays, Fee{Recipient: rule.Recipient, Amount: amt, ChargeableOnDispute: rule.ChargeableOnDispute})
	}
	return fees, nil
}

// FeeSummary aggregates one side's fee list for settlement. Charged entries
// are paid out to their recipients; Returned is the portion of the original
// reservation handed back unspent, which is only non-zero on disputes.
type FeeSummary struct {
	PerRecipient  map[Address]*big.Int
	TotalCharged  *big.Int
	TotalReturned *big.Int
}

// SummarizeFees aggregates the fee list owed by role. Outside a dispute every
// fee is charged. On a dispute only fees marked chargeable-on-dispute are
// charged; the remainder is returned to the paying party.
func SummarizeFees(fees Fees, role Role, isDispute bool) (FeeSummary, error) {
	summary := FeeSummary{
		PerRecipient:  make(map[Address]*big.Int),
		TotalCharged:  big.NewInt(0),
		TotalReturned: big.NewInt(0),
	}
	for _, fee := range fees.ForRole(role) {
		amt := cloneBigInt(fee.Amount)
		if amt.Sign() < 0 {
			return FeeSummary{}, fmt.Errorf("%w: negative fee amount", ErrArithmeticUnderflow)
		}
		if isDispute && !fee.ChargeableOnDispute {
			summary.TotalReturned.Add(summary.TotalReturned, amt)
			continue
		}
		if prev, ok := summary.PerRecipient[fee.Recipient]; ok {
			prev.Add(prev, amt)
		} else {
			summary.PerRecipient[fee.Recipient] = amt
		}
		summary.TotalCharged.Add(summary.TotalCharged, amt)
	}
	return summary, nil
}
