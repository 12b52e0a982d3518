package escrow

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// Address identifies a ledger account. Identity resolution happens upstream;
// the engine only compares addresses.
type Address [20]byte

// Hex returns the lowercase hex encoding of the address.
func (a Address) Hex() string { return hex.EncodeToString(a[:]) }

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) { return []byte(a.Hex()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(string(text)), "0x"))
	if err != nil {
		return fmt.Errorf("escrow: decode address: %w", err)
	}
	if len(raw) != len(a) {
		return fmt.Errorf("escrow: address must be %d bytes, got %d", len(a), len(raw))
	}
	copy(a[:], raw)
	return nil
}

// ParseAddress decodes a hex-encoded account address.
func ParseAddress(s string) (Address, error) {
	var addr Address
	if err := addr.UnmarshalText([]byte(s)); err != nil {
		return Address{}, err
	}
	return addr, nil
}

// PaymentID is the opaque identifier of a payment, derived from the sender,
// the beneficiary and a per-pair sequence nonce.
type PaymentID [32]byte

// Hex returns the lowercase hex encoding of the identifier.
func (id PaymentID) Hex() string { return hex.EncodeToString(id[:]) }

// MarshalText implements encoding.TextMarshaler.
func (id PaymentID) MarshalText() ([]byte, error) { return []byte(id.Hex()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *PaymentID) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("escrow: decode payment id: %w", err)
	}
	if len(raw) != len(id) {
		return fmt.Errorf("escrow: payment id must be %d bytes, got %d", len(id), len(raw))
	}
	copy(id[:], raw)
	return nil
}

// ParsePaymentID decodes a hex-encoded payment identifier.
func ParsePaymentID(s string) (PaymentID, error) {
	var id PaymentID
	if err := id.UnmarshalText([]byte(s)); err != nil {
		return PaymentID{}, err
	}
	return id, nil
}

// Role distinguishes the two parties of a payment.
type Role uint8

const (
	RoleSender Role = iota + 1
	RoleBeneficiary
)

// Valid reports whether the role is one of the two supported parties.
func (r Role) Valid() bool { return r == RoleSender || r == RoleBeneficiary }

func (r Role) String() string {
	switch r {
	case RoleSender:
		return "sender"
	case RoleBeneficiary:
		return "beneficiary"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// Status represents the lifecycle states of a payment. Cancellation is not a
// status: a cancelled payment is deleted from the registry outright.
type Status uint8

const (
	StatusCreated Status = iota + 1
	StatusPaymentRequested
	StatusRefundRequested
	StatusNeedsReview
	StatusFinished
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusPaymentRequested, StatusRefundRequested, StatusNeedsReview, StatusFinished:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusPaymentRequested:
		return "payment_requested"
	case StatusRefundRequested:
		return "refund_requested"
	case StatusNeedsReview:
		return "needs_review"
	case StatusFinished:
		return "finished"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Fee is a single obligation owed to a recipient. ChargeableOnDispute marks
// fees that are still collected when the payment settles through arbitration;
// all other fees are returned to the paying party on a dispute.
type Fee struct {
	Recipient           Address  `json:"recipient"`
	Amount              *big.Int `json:"amount"`
	ChargeableOnDispute bool     `json:"chargeableOnDispute"`
}

// Clone returns a deep copy of the fee.
func (f Fee) Clone() Fee {
	clone := f
	clone.Amount = cloneBigInt(f.Amount)
	return clone
}

// Fees carries the ordered fee lists of both sides of a payment.
type Fees struct {
	SenderPays      []Fee `json:"senderPays,omitempty"`
	BeneficiaryPays []Fee `json:"beneficiaryPays,omitempty"`
}

// Clone returns a deep copy of both fee lists.
func (f Fees) Clone() Fees {
	clone := Fees{}
	if len(f.SenderPays) > 0 {
		clone.SenderPays = make([]Fee, len(f.SenderPays))
		for i, fee := range f.SenderPays {
			clone.SenderPays[i] = fee.Clone()
		}
	}
	if len(f.BeneficiaryPays) > 0 {
		clone.BeneficiaryPays = make([]Fee, len(f.BeneficiaryPays))
		for i, fee := range f.BeneficiaryPays {
			clone.BeneficiaryPays[i] = fee.Clone()
		}
	}
	return clone
}

// ForRole returns the fee list owed by the supplied role.
func (f Fees) ForRole(role Role) []Fee {
	if role == RoleBeneficiary {
		return f.BeneficiaryPays
	}
	return f.SenderPays
}

// PaymentDetail is the stored record of a payment keyed by (sender, id).
// IncentiveAmount is fixed at creation and never recomputed.
type PaymentDetail struct {
	ID              PaymentID `json:"id"`
	Sender          Address   `json:"sender"`
	Beneficiary     Address   `json:"beneficiary"`
	Asset           string    `json:"asset"`
	Amount          *big.Int  `json:"amount"`
	IncentiveAmount *big.Int  `json:"incentiveAmount"`
	Remark          string    `json:"remark,omitempty"`
	Status          Status    `json:"status"`
	RefundDeadline  int64     `json:"refundDeadline,omitempty"`
	Fees            Fees      `json:"fees"`
	CreatedAt       int64     `json:"createdAt"`
}

// Clone returns a deep copy so callers can mutate freely without touching the
// stored instance.
func (d *PaymentDetail) Clone() *PaymentDetail {
	if d == nil {
		return nil
	}
	clone := *d
	clone.Amount = cloneBigInt(d.Amount)
	clone.IncentiveAmount = cloneBigInt(d.IncentiveAmount)
	clone.Fees = d.Fees.Clone()
	return &clone
}

// PaymentParties is the reverse-index entry resolving a PaymentID to its
// owning sender and beneficiary. Beneficiary-initiated operations carry only
// the identifier and recover the primary key through this entry.
type PaymentParties struct {
	Sender      Address `json:"sender"`
	Beneficiary Address `json:"beneficiary"`
}

// DisputeResult is the arbitrated outcome of a payment under review. The
// split is expressed in basis points of the principal awarded to the
// beneficiary; the party not named in InFavorOf forfeits its incentive to the
// resolver.
type DisputeResult struct {
	PercentToBeneficiaryBps uint32 `json:"percentToBeneficiaryBps"`
	InFavorOf               Role   `json:"inFavorOf"`
}

const bpsDenominator = 10_000

// Validate checks the split fraction and the favoured role.
func (r DisputeResult) Validate() error {
	if r.PercentToBeneficiaryBps > bpsDenominator {
		return fmt.Errorf("%w: percent to beneficiary %d bps out of range", ErrArithmeticOverflow, r.PercentToBeneficiaryBps)
	}
	if !r.InFavorOf.Valid() {
		return fmt.Errorf("escrow: invalid favoured role %d", r.InFavorOf)
	}
	return nil
}

// NormalizeAsset canonicalises an asset symbol to uppercase and validates the
// character set.
func NormalizeAsset(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if trimmed == "" {
		return "", fmt.Errorf("escrow: empty asset symbol")
	}
	if len(trimmed) > 16 {
		return "", fmt.Errorf("escrow: asset symbol too long: %s", trimmed)
	}
	for _, c := range trimmed {
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return "", fmt.Errorf("escrow: unsupported asset symbol: %s", symbol)
		}
	}
	return trimmed, nil
}

// SanitizePayment validates and normalises a payment record, returning a
// cloned instance with canonical asset casing and non-nil amounts.
func SanitizePayment(d *PaymentDetail) (*PaymentDetail, error) {
	if d == nil {
		return nil, fmt.Errorf("escrow: nil payment")
	}
	clone := d.Clone()
	asset, err := NormalizeAsset(clone.Asset)
	if err != nil {
		return nil, err
	}
	clone.Asset = asset
	if clone.Amount.Sign() < 0 {
		return nil, fmt.Errorf("escrow: payment amount must be non-negative")
	}
	if clone.IncentiveAmount.Sign() < 0 {
		return nil, fmt.Errorf("escrow: incentive amount must be non-negative")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("escrow: invalid payment status: %d", clone.Status)
	}
	if clone.Status == StatusRefundRequested && clone.RefundDeadline == 0 {
		return nil, fmt.Errorf("escrow: refund requested without deadline")
	}
	for _, fee := range append(clone.Fees.SenderPays, clone.Fees.BeneficiaryPays...) {
		if fee.Amount.Sign() < 0 {
			return nil, fmt.Errorf("escrow: fee amount must be non-negative")
		}
	}
	return clone, nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
