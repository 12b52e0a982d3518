package escrow_test

import (
	"bytes"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"escrowpay/escrow"
	"escrowpay/escrow/memledger"
	"escrowpay/scheduler"
)

const testAsset = "NHB"

var (
	alice    = testAddress(0xA1)
	bob      = testAddress(0xB2)
	resolver = testAddress(0xC3)
	feeBankA = testAddress(0x01)
	feeBankB = testAddress(0x02)
)

func testAddress(fill byte) escrow.Address {
	var addr escrow.Address
	copy(addr[:], bytes.Repeat([]byte{fill}, len(addr)))
	return addr
}

type fixture struct {
	registry *escrow.Registry
	ledger   *memledger.Ledger
	sched    *scheduler.Manual
	events   *escrow.EventLog
	engine   *escrow.Engine
	now      time.Time
}

// newFixture wires an engine with a 10% incentive, a one-hour refund window
// and, unless disabled, a sender fee of 2 (kept on dispute) and a beneficiary
// fee of 3 (returned on dispute).
func newFixture(t *testing.T, withFees bool) *fixture {
	t.Helper()
	start := time.Unix(1_700_000_000, 0)
	f := &fixture{
		registry: escrow.NewRegistry(),
		ledger:   memledger.New(),
		sched:    scheduler.NewManual(start),
		events:   escrow.NewEventLog(64),
		now:      start,
	}
	f.engine = escrow.NewEngine(f.registry, f.ledger)
	f.engine.SetParams(escrow.Params{
		IncentiveBps:    1000,
		MaxRemarkLength: 64,
		MaxFeesPerSide:  4,
		CancelBuffer:    time.Hour,
	})
	f.engine.SetScheduler(f.sched)
	f.engine.SetNotifier(f.events)
	f.engine.SetResolver(resolver)
	f.engine.SetNowFunc(func() time.Time { return f.now })
	if withFees {
		f.engine.SetFeeEngine(escrow.ScheduleFeeEngine{
			SenderRules: []escrow.FeeRule{
				{Recipient: feeBankA, FixedAmount: big.NewInt(2), ChargeableOnDispute: true},
			},
			BeneficiaryRules: []escrow.FeeRule{
				{Recipient: feeBankB, FixedAmount: big.NewInt(3)},
			},
		})
	}
	return f
}

func (f *fixture) mint(t *testing.T, account escrow.Address, amount int64) {
	t.Helper()
	require.NoError(t, f.ledger.Mint(testAsset, account, big.NewInt(amount)))
}

func (f *fixture) spendable(account escrow.Address) *big.Int {
	return f.ledger.Spendable(testAsset, account)
}

func (f *fixture) held(account escrow.Address) *big.Int {
	return f.ledger.Held(testAsset, account)
}

func requireBalance(t *testing.T, got *big.Int, want int64) {
	t.Helper()
	require.Zero(t, got.Cmp(big.NewInt(want)), "expected %d, got %s", want, got)
}

func (f *fixture) eventTypes() []string {
	events := f.events.Events("", 0)
	types := make([]string, 0, len(events))
	for _, evt := range events {
		types = append(types, evt.Type)
	}
	return types
}

func TestPayReservesAndFreezes(t *testing.T) {
	f := newFixture(t, true)
	f.mint(t, alice, 200)

	id, err := f.engine.Pay(alice, bob, testAsset, big.NewInt(100), "order 42")
	require.NoError(t, err)

	// 100 principal moved frozen to Bob; 10 incentive + 2 sender fee held at Alice.
	requireBalance(t, f.spendable(alice), 88)
	requireBalance(t, f.held(alice), 12)
	requireBalance(t, f.spendable(bob), 0)
	requireBalance(t, f.held(bob), 100)

	detail, err := f.engine.Payment(id)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusCreated, detail.Status)
	requireBalance(t, detail.IncentiveAmount, 10)
	require.Equal(t, []string{escrow.EventTypePaymentCreated, escrow.EventTypePaymentChargeSuccess}, f.eventTypes())
}

func TestPayInsufficientBalanceLeavesNoTrace(t *testing.T) {
	f := newFixture(t, true)
	f.mint(t, alice, 12) // covers the hold but not the principal

	_, err := f.engine.Pay(alice, bob, testAsset, big.NewInt(100), "")
	require.ErrorIs(t, err, escrow.ErrLedgerOperation)

	require.Zero(t, f.registry.Len())
	requireBalance(t, f.spendable(alice), 12)
	requireBalance(t, f.held(alice), 0)
	requireBalance(t, f.held(bob), 0)
	require.Empty(t, f.events.Events("", 0))
}

func TestPayRemarkTooLong(t *testing.T) {
	f := newFixture(t, false)
	f.mint(t, alice, 200)
	long := make([]byte, 65)
	_, err := f.engine.Pay(alice, bob, testAsset, big.NewInt(100), string(long))
	require.ErrorIs(t, err, escrow.ErrRemarkTooLong)
}

func TestReleaseSettlesToBeneficiary(t *testing.T) {
	f := newFixture(t, true)
	f.mint(t, alice, 200)

	id, err := f.engine.Pay(alice, bob, testAsset, big.NewInt(100), "")
	require.NoError(t, err)
	require.NoError(t, f.engine.Release(alice, id))

	// Alice keeps her incentive back and pays her fee; Bob nets 100 - 3.
	requireBalance(t, f.spendable(alice), 98)
	requireBalance(t, f.held(alice), 0)
	requireBalance(t, f.spendable(bob), 97)
	requireBalance(t, f.held(bob), 0)
	requireBalance(t, f.spendable(feeBankA), 2)
	requireBalance(t, f.spendable(feeBankB), 3)

	// The record is retained, unlike cancellation.
	detail, err := f.engine.Payment(id)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusFinished, detail.Status)

	types := f.eventTypes()
	require.Equal(t, escrow.EventTypePaymentCreated, types[0])
	require.Equal(t, escrow.EventTypePaymentReleased, types[len(types)-1])
	released := f.events.Events(escrow.EventTypePaymentReleased, 1)
	require.Len(t, released, 1)
	require.Equal(t, "97", released[0].Attributes["netAmount"])
	require.Equal(t, "5", released[0].Attributes["feesCharged"])
}

func TestReleaseGuards(t *testing.T) {
	f := newFixture(t, false)
	f.mint(t, alice, 200)
	id, err := f.engine.Pay(alice, bob, testAsset, big.NewInt(100), "")
	require.NoError(t, err)

	require.ErrorIs(t, f.engine.Release(bob, id), escrow.ErrCallerMismatch)
	require.NoError(t, f.engine.Release(alice, id))
	require.ErrorIs(t, f.engine.Release(alice, id), escrow.ErrInvalidState)
	require.ErrorIs(t, f.engine.Release(alice, escrow.PaymentID{}), escrow.ErrUnknownPayment)
}

func TestCancelRoundTrip(t *testing.T) {
	f := newFixture(t, true)
	f.mint(t, alice, 200)

	id, err := f.engine.Pay(alice, bob, testAsset, big.NewInt(100), "")
	require.NoError(t, err)
	require.ErrorIs(t, f.engine.Cancel(alice, id), escrow.ErrCallerMismatch)
	require.NoError(t, f.engine.Cancel(bob, id))

	// Alice's pre-pay balance is restored exactly and the record is gone.
	requireBalance(t, f.spendable(alice), 200)
	requireBalance(t, f.held(alice), 0)
	requireBalance(t, f.spendable(bob), 0)
	requireBalance(t, f.held(bob), 0)
	require.Zero(t, f.registry.Len())
	_, err = f.engine.Payment(id)
	require.ErrorIs(t, err, escrow.ErrUnknownPayment)

	types := f.eventTypes()
	require.Equal(t, escrow.EventTypePaymentCancelled, types[len(types)-1])
}

func TestRequestRefundSchedulesAutoCancel(t *testing.T) {
	f := newFixture(t, true)
	f.mint(t, alice, 200)

	id, err := f.engine.Pay(alice, bob, testAsset, big.NewInt(100), "")
	require.NoError(t, err)
	require.ErrorIs(t, f.engine.RequestRefund(bob, id), escrow.ErrCallerMismatch)
	require.NoError(t, f.engine.RequestRefund(alice, id))

	detail, err := f.engine.Payment(id)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusRefundRequested, detail.Status)
	require.Equal(t, f.now.Add(time.Hour).Unix(), detail.RefundDeadline)
	require.Equal(t, 1, f.sched.Len())

	// Letting the deadline pass fires the auto-cancel with Bob's authority.
	deadline := f.now.Add(time.Hour)
	f.now = deadline
	f.sched.Advance(deadline)

	require.Zero(t, f.registry.Len())
	requireBalance(t, f.spendable(alice), 200)
	requireBalance(t, f.held(alice), 0)
	requireBalance(t, f.held(bob), 0)
	types := f.eventTypes()
	require.Equal(t, escrow.EventTypePaymentCancelled, types[len(types)-1])
}

func TestDisputeRefundDeadlineBoundary(t *testing.T) {
	f := newFixture(t, false)
	f.mint(t, alice, 200)
	f.mint(t, bob, 50)

	id, err := f.engine.Pay(alice, bob, testAsset, big.NewInt(100), "")
	require.NoError(t, err)
	require.NoError(t, f.engine.RequestRefund(alice, id))
	deadline := f.now.Add(time.Hour)

	// Exactly at the deadline the window is closed, even though the
	// auto-cancel has not fired yet.
	f.now = deadline
	require.ErrorIs(t, f.engine.DisputeRefund(bob, id), escrow.ErrInvalidState)

	// One tick before the deadline the dispute is accepted.
	f.now = deadline.Add(-time.Second)
	require.NoError(t, f.engine.DisputeRefund(bob, id))

	detail, err := f.engine.Payment(id)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusNeedsReview, detail.Status)
	requireBalance(t, f.held(bob), 110) // principal plus Bob's collateral
	require.Zero(t, f.sched.Len(), "auto-cancel must be cancelled")

	// Disputing twice fails.
	require.ErrorIs(t, f.engine.DisputeRefund(bob, id), escrow.ErrInvalidState)
}

func TestDisputeRefundGuards(t *testing.T) {
	f := newFixture(t, false)
	f.mint(t, alice, 200)
	f.mint(t, bob, 50)

	id, err := f.engine.Pay(alice, bob, testAsset, big.NewInt(100), "")
	require.NoError(t, err)
	// Not yet refund-requested.
	require.ErrorIs(t, f.engine.DisputeRefund(bob, id), escrow.ErrInvalidState)
	require.NoError(t, f.engine.RequestRefund(alice, id))
	require.ErrorIs(t, f.engine.DisputeRefund(alice, id), escrow.ErrCallerMismatch)
}

func TestResolveDisputeInFavorOfBeneficiary(t *testing.T) {
	f := newFixture(t, true)
	f.mint(t, alice, 200)
	f.mint(t, bob, 50)

	id, err := f.engine.Pay(alice, bob, testAsset, big.NewInt(100), "")
	require.NoError(t, err)
	require.NoError(t, f.engine.RequestRefund(alice, id))
	f.now = f.now.Add(30 * time.Minute)
	require.NoError(t, f.engine.DisputeRefund(bob, id))

	require.ErrorIs(t, f.engine.ResolveDispute(alice, id, escrow.DisputeResult{
		PercentToBeneficiaryBps: 9000,
		InFavorOf:               escrow.RoleBeneficiary,
	}), escrow.ErrCallerMismatch)

	require.NoError(t, f.engine.ResolveDispute(resolver, id, escrow.DisputeResult{
		PercentToBeneficiaryBps: 9000,
		InFavorOf:               escrow.RoleBeneficiary,
	}))

	// Bob nets 90 and keeps his collateral; Alice gets 10 back but forfeits
	// her incentive to the resolver; the dispute-waived beneficiary fee is
	// returned while the sender fee is still charged.
	requireBalance(t, f.spendable(bob), 140)
	requireBalance(t, f.held(bob), 0)
	requireBalance(t, f.spendable(alice), 98)
	requireBalance(t, f.held(alice), 0)
	requireBalance(t, f.spendable(resolver), 10)
	requireBalance(t, f.spendable(feeBankA), 2)
	requireBalance(t, f.spendable(feeBankB), 0)

	detail, err := f.engine.Payment(id)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusFinished, detail.Status)

	released := f.events.Events(escrow.EventTypePaymentReleased, 1)
	require.Len(t, released, 1)
	require.Equal(t, "90", released[0].Attributes["netAmount"])
	require.Equal(t, "2", released[0].Attributes["feesCharged"])

	// Terminal states are final.
	require.ErrorIs(t, f.engine.ResolveDispute(resolver, id, escrow.DisputeResult{
		PercentToBeneficiaryBps: 1,
		InFavorOf:               escrow.RoleSender,
	}), escrow.ErrInvalidState)
}

func TestResolveDisputeInFavorOfSender(t *testing.T) {
	f := newFixture(t, false)
	f.mint(t, alice, 200)
	f.mint(t, bob, 50)

	id, err := f.engine.Pay(alice, bob, testAsset, big.NewInt(100), "")
	require.NoError(t, err)
	require.NoError(t, f.engine.RequestRefund(alice, id))
	require.NoError(t, f.engine.DisputeRefund(bob, id))

	require.NoError(t, f.engine.ResolveDispute(resolver, id, escrow.DisputeResult{
		PercentToBeneficiaryBps: 0,
		InFavorOf:               escrow.RoleSender,
	}))

	// Alice recovers the full principal and her incentive; Bob forfeits his
	// collateral to the resolver.
	requireBalance(t, f.spendable(alice), 200)
	requireBalance(t, f.held(alice), 0)
	requireBalance(t, f.spendable(bob), 40)
	requireBalance(t, f.held(bob), 0)
	requireBalance(t, f.spendable(resolver), 10)
}

func TestResolveDisputeValidatesSplit(t *testing.T) {
	f := newFixture(t, false)
	f.mint(t, alice, 200)
	f.mint(t, bob, 50)
	id, err := f.engine.Pay(alice, bob, testAsset, big.NewInt(100), "")
	require.NoError(t, err)
	require.NoError(t, f.engine.RequestRefund(alice, id))
	require.NoError(t, f.engine.DisputeRefund(bob, id))

	err = f.engine.ResolveDispute(resolver, id, escrow.DisputeResult{
		PercentToBeneficiaryBps: 10_001,
		InFavorOf:               escrow.RoleBeneficiary,
	})
	require.ErrorIs(t, err, escrow.ErrArithmeticOverflow)
}

func TestRequestPaymentAndAcceptAndPay(t *testing.T) {
	f := newFixture(t, true)
	f.mint(t, alice, 200)

	id, err := f.engine.RequestPayment(bob, alice, testAsset, big.NewInt(50))
	require.NoError(t, err)

	detail, err := f.engine.Payment(id)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusPaymentRequested, detail.Status)
	// Nothing is reserved before the sender agrees.
	requireBalance(t, f.spendable(alice), 200)
	requireBalance(t, f.held(alice), 0)
	requireBalance(t, f.held(bob), 0)

	require.ErrorIs(t, f.engine.AcceptAndPay(bob, id), escrow.ErrCallerMismatch)
	require.NoError(t, f.engine.AcceptAndPay(alice, id))

	// Immediate unescrowed transfer: 50 minus both sides' fees, no holds.
	requireBalance(t, f.spendable(alice), 148)
	requireBalance(t, f.held(alice), 0)
	requireBalance(t, f.spendable(bob), 47)
	requireBalance(t, f.held(bob), 0)
	requireBalance(t, f.spendable(feeBankA), 2)
	requireBalance(t, f.spendable(feeBankB), 3)

	detail, err = f.engine.Payment(id)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusFinished, detail.Status)

	types := f.eventTypes()
	require.Equal(t, []string{
		escrow.EventTypePaymentCreated,
		escrow.EventTypePaymentChargeSuccess,
		escrow.EventTypePaymentReleased,
	}, types)

	require.ErrorIs(t, f.engine.AcceptAndPay(alice, id), escrow.ErrInvalidState)
}

func TestAcceptAndPayRequiresRequestedState(t *testing.T) {
	f := newFixture(t, false)
	f.mint(t, alice, 200)
	id, err := f.engine.Pay(alice, bob, testAsset, big.NewInt(100), "")
	require.NoError(t, err)
	require.ErrorIs(t, f.engine.AcceptAndPay(alice, id), escrow.ErrInvalidState)
}

func TestCancelFromRefundRequested(t *testing.T) {
	f := newFixture(t, true)
	f.mint(t, alice, 200)
	id, err := f.engine.Pay(alice, bob, testAsset, big.NewInt(100), "")
	require.NoError(t, err)
	require.NoError(t, f.engine.RequestRefund(alice, id))

	// Manual cancel before the deadline also removes the schedule.
	require.NoError(t, f.engine.Cancel(bob, id))
	require.Zero(t, f.sched.Len())
	require.Zero(t, f.registry.Len())
	requireBalance(t, f.spendable(alice), 200)
}

func TestFinishedPaymentsHoldNoBalance(t *testing.T) {
	f := newFixture(t, true)
	f.mint(t, alice, 200)
	f.mint(t, bob, 50)

	// Release path.
	id, err := f.engine.Pay(alice, bob, testAsset, big.NewInt(60), "")
	require.NoError(t, err)
	require.NoError(t, f.engine.Release(alice, id))
	// Dispute path.
	id2, err := f.engine.Pay(alice, bob, testAsset, big.NewInt(40), "")
	require.NoError(t, err)
	require.NoError(t, f.engine.RequestRefund(alice, id2))
	require.NoError(t, f.engine.DisputeRefund(bob, id2))
	require.NoError(t, f.engine.ResolveDispute(resolver, id2, escrow.DisputeResult{
		PercentToBeneficiaryBps: 5000,
		InFavorOf:               escrow.RoleSender,
	}))

	// No residual holds anywhere once every payment is terminal.
	for _, account := range []escrow.Address{alice, bob, resolver, feeBankA, feeBankB} {
		requireBalance(t, f.held(account), 0)
	}
}

func TestScheduledAutoCancelAfterManualCancelIsHarmless(t *testing.T) {
	f := newFixture(t, false)
	f.mint(t, alice, 200)
	id, err := f.engine.Pay(alice, bob, testAsset, big.NewInt(100), "")
	require.NoError(t, err)
	require.NoError(t, f.engine.RequestRefund(alice, id))

	// Simulate a schedule that survives manual cancellation: firing it after
	// the record is gone must not disturb anything.
	require.NoError(t, f.engine.Cancel(bob, id))
	require.ErrorIs(t, f.engine.Cancel(bob, id), escrow.ErrUnknownPayment)
	requireBalance(t, f.spendable(alice), 200)
}

func TestPayRejectsUnknownAssetAndAmounts(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.engine.Pay(alice, bob, "to ken", big.NewInt(10), "")
	require.Error(t, err)
	_, err = f.engine.Pay(alice, bob, testAsset, big.NewInt(0), "")
	require.Error(t, err)
	_, err = f.engine.Pay(alice, alice, testAsset, big.NewInt(10), "")
	require.Error(t, err)
	_, err = f.engine.RequestPayment(bob, bob, testAsset, big.NewInt(10))
	require.Error(t, err)
}

type failingScheduler struct{}

func (failingScheduler) ScheduleNamed(string, time.Time, int, func()) error {
	return errSchedulerDown
}

func (failingScheduler) CancelNamed(string) {}

var errSchedulerDown = fmt.Errorf("scheduler down")

func TestRequestRefundSchedulerFailureLeavesRecordUntouched(t *testing.T) {
	f := newFixture(t, false)
	f.mint(t, alice, 200)
	id, err := f.engine.Pay(alice, bob, testAsset, big.NewInt(100), "")
	require.NoError(t, err)

	f.engine.SetScheduler(failingScheduler{})
	err = f.engine.RequestRefund(alice, id)
	require.ErrorIs(t, err, escrow.ErrSchedulerOperation)

	detail, err := f.engine.Payment(id)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusCreated, detail.Status)
	require.Zero(t, detail.RefundDeadline)
}
