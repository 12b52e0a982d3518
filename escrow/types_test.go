package escrow

import (
	"math/big"
	"testing"
)

func TestNormalizeAsset(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "nhb", want: "NHB"},
		{in: "  usd1 ", want: "USD1"},
		{in: "", wantErr: true},
		{in: "to-ken", wantErr: true},
		{in: "VERYLONGASSETSYMBOL99", wantErr: true},
	}
	for _, tc := range cases {
		got, err := NormalizeAsset(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("expected error for %q", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("normalize %q: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("normalize %q: expected %q, got %q", tc.in, tc.want, got)
		}
	}
}

func TestPaymentDetailCloneIsDeep(t *testing.T) {
	detail := &PaymentDetail{
		Asset:           "NHB",
		Amount:          big.NewInt(100),
		IncentiveAmount: big.NewInt(10),
		Status:          StatusCreated,
		Fees: Fees{
			SenderPays: []Fee{{Recipient: feeTestAddress(0x01), Amount: big.NewInt(5)}},
		},
	}
	clone := detail.Clone()
	clone.Amount.SetInt64(999)
	clone.Fees.SenderPays[0].Amount.SetInt64(999)
	if detail.Amount.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("clone aliased the amount")
	}
	if detail.Fees.SenderPays[0].Amount.Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("clone aliased the fee amount")
	}
}

func TestSanitizePaymentRejectsBadRecords(t *testing.T) {
	base := func() *PaymentDetail {
		return &PaymentDetail{
			Asset:           "NHB",
			Amount:          big.NewInt(100),
			IncentiveAmount: big.NewInt(10),
			Status:          StatusCreated,
		}
	}

	if _, err := SanitizePayment(nil); err == nil {
		t.Fatalf("expected error for nil payment")
	}

	negative := base()
	negative.Amount = big.NewInt(-1)
	if _, err := SanitizePayment(negative); err == nil {
		t.Fatalf("expected error for negative amount")
	}

	badStatus := base()
	badStatus.Status = Status(99)
	if _, err := SanitizePayment(badStatus); err == nil {
		t.Fatalf("expected error for invalid status")
	}

	noDeadline := base()
	noDeadline.Status = StatusRefundRequested
	if _, err := SanitizePayment(noDeadline); err == nil {
		t.Fatalf("expected error for refund request without deadline")
	}

	lowercase := base()
	lowercase.Asset = "nhb"
	sanitized, err := SanitizePayment(lowercase)
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	if sanitized.Asset != "NHB" {
		t.Fatalf("expected canonical asset, got %q", sanitized.Asset)
	}
}

func TestDisputeResultValidate(t *testing.T) {
	ok := DisputeResult{PercentToBeneficiaryBps: 9000, InFavorOf: RoleBeneficiary}
	if err := ok.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	outOfRange := DisputeResult{PercentToBeneficiaryBps: 10_001, InFavorOf: RoleSender}
	if err := outOfRange.Validate(); err == nil {
		t.Fatalf("expected error for out-of-range split")
	}
	badRole := DisputeResult{PercentToBeneficiaryBps: 100, InFavorOf: Role(9)}
	if err := badRole.Validate(); err == nil {
		t.Fatalf("expected error for invalid role")
	}
}

func TestAddressRoundTrip(t *testing.T) {
	addr := feeTestAddress(0x5C)
	parsed, err := ParseAddress(addr.Hex())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != addr {
		t.Fatalf("round trip mismatch")
	}
	if _, err := ParseAddress("zz"); err == nil {
		t.Fatalf("expected error for malformed address")
	}
}
