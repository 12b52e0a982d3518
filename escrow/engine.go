package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"time"
)

var (
	errNilRegistry    = errors.New("escrow engine: registry not configured")
	errNilLedger      = errors.New("escrow engine: ledger not configured")
	errNilResolver    = errors.New("escrow engine: dispute resolver not configured")
	errSelfPayment    = errors.New("escrow engine: sender and beneficiary must differ")
	errNonPositiveAmt = errors.New("escrow engine: amount must be positive")
)

// Params carries the tunable limits of the engine.
type Params struct {
	// IncentiveBps is the fraction of the principal, in basis points, set
	// aside at creation as dispute collateral.
	IncentiveBps uint32
	// MaxRemarkLength caps the free-form remark attached to a payment.
	MaxRemarkLength int
	// MaxFeesPerSide caps the length of each side's fee list.
	MaxFeesPerSide int
	// CancelBuffer is the duration of the voluntary-refund window.
	CancelBuffer time.Duration
}

// DefaultParams returns the engine defaults.
func DefaultParams() Params {
	return Params{
		IncentiveBps:    500,
		MaxRemarkLength: 256,
		MaxFeesPerSide:  4,
		CancelBuffer:    24 * time.Hour,
	}
}

// Engine orchestrates the payment operations against the registry, the asset
// ledger, the deferred-action scheduler and the notification hook. The
// hosting environment serializes calls; the engine performs no locking.
type Engine struct {
	registry  *Registry
	ledger    Ledger
	feeEngine FeeEngine
	scheduler Scheduler
	notifier  Notifier
	resolver  Address
	params    Params
	nowFn     func() time.Time
}

// NewEngine wires an engine with no-op fee, scheduler and notifier defaults.
func NewEngine(registry *Registry, ledger Ledger) *Engine {
	return &Engine{
		registry:  registry,
		ledger:    ledger,
		feeEngine: NopFeeEngine{},
		scheduler: NopScheduler{},
		notifier:  NopNotifier{},
		params:    DefaultParams(),
		nowFn:     time.Now,
	}
}

// SetFeeEngine configures the fee strategy. Passing nil resets to no fees.
func (e *Engine) SetFeeEngine(engine FeeEngine) {
	if engine == nil {
		e.feeEngine = NopFeeEngine{}
		return
	}
	e.feeEngine = engine
}

// SetScheduler configures the deferred-action scheduler.
func (e *Engine) SetScheduler(s Scheduler) {
	if s == nil {
		e.scheduler = NopScheduler{}
		return
	}
	e.scheduler = s
}

// SetNotifier configures the settlement observer. Passing nil resets the
// notifier to a no-op implementation.
func (e *Engine) SetNotifier(n Notifier) {
	if n == nil {
		e.notifier = NopNotifier{}
		return
	}
	e.notifier = n
}

// SetResolver designates the caller allowed to settle disputed payments.
func (e *Engine) SetResolver(addr Address) { e.resolver = addr }

// SetParams replaces the engine limits, filling zero fields with defaults.
func (e *Engine) SetParams(p Params) {
	defaults := DefaultParams()
	if p.IncentiveBps > bpsDenominator {
		p.IncentiveBps = defaults.IncentiveBps
	}
	if p.MaxRemarkLength <= 0 {
		p.MaxRemarkLength = defaults.MaxRemarkLength
	}
	if p.MaxFeesPerSide <= 0 {
		p.MaxFeesPerSide = defaults.MaxFeesPerSide
	}
	if p.CancelBuffer <= 0 {
		p.CancelBuffer = defaults.CancelBuffer
	}
	e.params = p
}

// SetNowFunc overrides the time source, primarily for deterministic tests.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = time.Now
		return
	}
	e.nowFn = now
}

func (e *Engine) now() time.Time {
	if e.nowFn == nil {
		return time.Now()
	}
	return e.nowFn()
}

func (e *Engine) ready() error {
	if e == nil || e.registry == nil {
		return errNilRegistry
	}
	if e.ledger == nil {
		return errNilLedger
	}
	return nil
}

// Payment returns a copy of the record for the supplied identifier.
func (e *Engine) Payment(id PaymentID) (*PaymentDetail, error) {
	if e == nil || e.registry == nil {
		return nil, errNilRegistry
	}
	parties, err := e.registry.LookupOwner(id)
	if err != nil {
		return nil, err
	}
	detail, ok := e.registry.Get(parties.Sender, id)
	if !ok {
		return nil, ErrUnknownPayment
	}
	return detail, nil
}

func wrapLedger(err error) error {
	return fmt.Errorf("%w: %v", ErrLedgerOperation, err)
}

// undoStack collects compensation actions for ledger calls already applied
// inside an operation. When a later step fails the stack runs in reverse so
// no partial effect remains visible.
type undoStack []func()

func (u *undoStack) push(fn func()) { *u = append(*u, fn) }

func (u *undoStack) run() {
	for i := len(*u) - 1; i >= 0; i-- {
		(*u)[i]()
	}
	*u = (*u)[:0]
}

func bpsShare(amount *big.Int, bps uint32) *big.Int {
	share := new(big.Int).Mul(cloneBigInt(amount), big.NewInt(int64(bps)))
	return share.Div(share, big.NewInt(bpsDenominator))
}

func autoCancelName(id PaymentID) string { return "escrow.autocancel." + id.Hex() }

func (e *Engine) checkFees(fees Fees) error {
	if len(fees.SenderPays) > e.params.MaxFeesPerSide || len(fees.BeneficiaryPays) > e.params.MaxFeesPerSide {
		return ErrTooManyFees
	}
	for _, list := range [][]Fee{fees.SenderPays, fees.BeneficiaryPays} {
		for _, fee := range list {
			if fee.Amount != nil && fee.Amount.Sign() < 0 {
				return fmt.Errorf("%w: negative fee amount", ErrArithmeticUnderflow)
			}
		}
	}
	return nil
}

// hold reserves amount and pushes the matching release onto the undo stack.
func (e *Engine) hold(asset string, account Address, amount *big.Int, undo *undoStack) error {
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if err := e.ledger.Hold(asset, account, amt); err != nil {
		return wrapLedger(err)
	}
	undo.push(func() { _ = e.ledger.Release(asset, account, amt) })
	return nil
}

// releaseHold frees a reservation and pushes the matching re-hold.
func (e *Engine) releaseHold(asset string, account Address, amount *big.Int, undo *undoStack) error {
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if err := e.ledger.Release(asset, account, amt); err != nil {
		return wrapLedger(err)
	}
	undo.push(func() { _ = e.ledger.Hold(asset, account, amt) })
	return nil
}

// transfer moves funds and pushes the reverse movement.
func (e *Engine) transfer(asset string, from, to Address, amount *big.Int, policy TransferPolicy, undo *undoStack) error {
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if err := e.ledger.Transfer(asset, from, to, amt, policy); err != nil {
		return wrapLedger(err)
	}
	undo.push(func() {
		if policy == TransferHeld {
			_ = e.ledger.Transfer(asset, to, from, amt, TransferSpendable)
			_ = e.ledger.Hold(asset, from, amt)
			return
		}
		_ = e.ledger.Transfer(asset, to, from, amt, TransferSpendable)
	})
	return nil
}

// payFees settles one side's fee list from the payer's spendable balance,
// skipping dispute-waived entries when isDispute is set.
func (e *Engine) payFees(asset string, payer Address, fees []Fee, isDispute bool, undo *undoStack) error {
	for _, fee := range fees {
		if isDispute && !fee.ChargeableOnDispute {
			continue
		}
		if err := e.transfer(asset, payer, fee.Recipient, fee.Amount, TransferSpendable, undo); err != nil {
			return err
		}
	}
	return nil
}

// Pay creates a fully escrowed payment. The engine reserves the incentive and
// the sender-side fees at the sender and moves the principal to the
// beneficiary frozen, so a later release is a same-account unfreeze and a
// refund is a reverse transfer of still-frozen funds.
func (e *Engine) Pay(sender, beneficiary Address, asset string, amount *big.Int, remark string) (PaymentID, error) {
	if err := e.ready(); err != nil {
		return PaymentID{}, err
	}
	normalized, err := NormalizeAsset(asset)
	if err != nil {
		return PaymentID{}, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return PaymentID{}, errNonPositiveAmt
	}
	if sender == beneficiary {
		return PaymentID{}, errSelfPayment
	}
	if len(remark) > e.params.MaxRemarkLength {
		return PaymentID{}, ErrRemarkTooLong
	}
	fees, err := e.feeEngine.ApplyFees(normalized, sender, beneficiary, amount, remark)
	if err != nil {
		return PaymentID{}, err
	}
	if err := e.checkFees(fees); err != nil {
		return PaymentID{}, err
	}
	senderSummary, err := SummarizeFees(fees, RoleSender, false)
	if err != nil {
		return PaymentID{}, err
	}
	incentive := bpsShare(amount, e.params.IncentiveBps)
	detail := &PaymentDetail{
		Sender:          sender,
		Beneficiary:     beneficiary,
		Asset:           normalized,
		Amount:          cloneBigInt(amount),
		IncentiveAmount: incentive,
		Remark:          remark,
		Status:          StatusCreated,
		Fees:            fees,
		CreatedAt:       e.now().Unix(),
	}
	id, err := e.registry.Create(detail)
	if err != nil {
		return PaymentID{}, err
	}
	senderHold := new(big.Int).Add(incentive, senderSummary.TotalCharged)
	var undo undoStack
	if err := e.hold(normalized, sender, senderHold, &undo); err != nil {
		_ = e.registry.Remove(sender, id)
		return PaymentID{}, err
	}
	if err := e.ledger.TransferAndHold(normalized, sender, beneficiary, cloneBigInt(amount)); err != nil {
		undo.run()
		_ = e.registry.Remove(sender, id)
		return PaymentID{}, wrapLedger(err)
	}
	e.notifier.PaymentCreated(id)
	e.notifier.PaymentChargeSuccess(id, cloneBigInt(senderSummary.TotalCharged), cloneBigInt(amount))
	return id, nil
}

// Release settles the payment in favour of the beneficiary. Both sides'
// reservations are unfrozen, every fee is paid out and the record is retained
// in the Finished state.
func (e *Engine) Release(caller Address, id PaymentID) error {
	if err := e.ready(); err != nil {
		return err
	}
	parties, err := e.registry.LookupOwner(id)
	if err != nil {
		return err
	}
	if caller != parties.Sender {
		return ErrCallerMismatch
	}
	var totalCharged, net *big.Int
	// The undo stack outlives the transaction so a commit failure unwinds
	// applied ledger effects too.
	var undo undoStack
	err = e.registry.Transact(parties.Sender, id, func(d *PaymentDetail) error {
		if d.Status != StatusCreated {
			return ErrInvalidState
		}
		senderSummary, err := SummarizeFees(d.Fees, RoleSender, false)
		if err != nil {
			return err
		}
		benSummary, err := SummarizeFees(d.Fees, RoleBeneficiary, false)
		if err != nil {
			return err
		}
		net = new(big.Int).Sub(d.Amount, benSummary.TotalCharged)
		if net.Sign() < 0 {
			return fmt.Errorf("%w: beneficiary fees exceed principal", ErrArithmeticUnderflow)
		}
		senderHold := new(big.Int).Add(d.IncentiveAmount, senderSummary.TotalCharged)
		if err := e.releaseHold(d.Asset, d.Sender, senderHold, &undo); err != nil {
			return err
		}
		if err := e.releaseHold(d.Asset, d.Beneficiary, d.Amount, &undo); err != nil {
			return err
		}
		if err := e.payFees(d.Asset, d.Sender, d.Fees.SenderPays, false, &undo); err != nil {
			return err
		}
		if err := e.payFees(d.Asset, d.Beneficiary, d.Fees.BeneficiaryPays, false, &undo); err != nil {
			return err
		}
		totalCharged = new(big.Int).Add(senderSummary.TotalCharged, benSummary.TotalCharged)
		d.Status = StatusFinished
		d.RefundDeadline = 0
		return nil
	})
	if err != nil {
		undo.run()
		return err
	}
	e.notifier.PaymentReleased(id, totalCharged, net)
	return nil
}

// RequestRefund opens the voluntary-refund window and schedules the named
// auto-cancel at its deadline. The deferred action runs with the
// beneficiary's authority, exactly as if the beneficiary had called Cancel.
func (e *Engine) RequestRefund(caller Address, id PaymentID) error {
	if err := e.ready(); err != nil {
		return err
	}
	parties, err := e.registry.LookupOwner(id)
	if err != nil {
		return err
	}
	if caller != parties.Sender {
		return ErrCallerMismatch
	}
	var undo undoStack
	err = e.registry.Transact(parties.Sender, id, func(d *PaymentDetail) error {
		if d.Status != StatusCreated {
			return ErrInvalidState
		}
		deadline := e.now().Add(e.params.CancelBuffer)
		beneficiary := parties.Beneficiary
		err := e.scheduler.ScheduleNamed(autoCancelName(id), deadline, 0, func() {
			_ = e.Cancel(beneficiary, id)
		})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSchedulerOperation, err)
		}
		undo.push(func() { e.scheduler.CancelNamed(autoCancelName(id)) })
		d.Status = StatusRefundRequested
		d.RefundDeadline = deadline.Unix()
		return nil
	})
	if err != nil {
		undo.run()
	}
	return err
}

// DisputeRefund contests a pending refund before its deadline. The deadline
// is checked against the current clock at call time, not at scheduling time,
// which closes the race with a just-firing auto-cancel. The beneficiary's own
// incentive amount is held as collateral.
func (e *Engine) DisputeRefund(caller Address, id PaymentID) error {
	if err := e.ready(); err != nil {
		return err
	}
	parties, err := e.registry.LookupOwner(id)
	if err != nil {
		return err
	}
	if caller != parties.Beneficiary {
		return ErrCallerMismatch
	}
	var undo undoStack
	err = e.registry.Transact(parties.Sender, id, func(d *PaymentDetail) error {
		if d.Status != StatusRefundRequested {
			return ErrInvalidState
		}
		if e.now().Unix() >= d.RefundDeadline {
			return fmt.Errorf("%w: refund window closed", ErrInvalidState)
		}
		if err := e.hold(d.Asset, d.Beneficiary, d.IncentiveAmount, &undo); err != nil {
			return err
		}
		e.scheduler.CancelNamed(autoCancelName(id))
		d.Status = StatusNeedsReview
		d.RefundDeadline = 0
		return nil
	})
	if err != nil {
		undo.run()
	}
	return err
}

// Cancel unwinds the payment completely: sender reservations are released,
// the still-frozen principal returns to the sender and the record is removed
// from the registry. Only the beneficiary, or the scheduler acting with the
// beneficiary's authority, may cancel.
func (e *Engine) Cancel(caller Address, id PaymentID) error {
	if err := e.ready(); err != nil {
		return err
	}
	parties, err := e.registry.LookupOwner(id)
	if err != nil {
		return err
	}
	if caller != parties.Beneficiary {
		return ErrCallerMismatch
	}
	wasRefundRequested := false
	var undo undoStack
	err = e.registry.Transact(parties.Sender, id, func(d *PaymentDetail) error {
		if d.Status != StatusCreated && d.Status != StatusRefundRequested {
			return ErrInvalidState
		}
		wasRefundRequested = d.Status == StatusRefundRequested
		senderSummary, err := SummarizeFees(d.Fees, RoleSender, false)
		if err != nil {
			return err
		}
		senderHold := new(big.Int).Add(d.IncentiveAmount, senderSummary.TotalCharged)
		if err := e.releaseHold(d.Asset, d.Sender, senderHold, &undo); err != nil {
			return err
		}
		if err := e.transfer(d.Asset, d.Beneficiary, d.Sender, d.Amount, TransferHeld, &undo); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		undo.run()
		return err
	}
	if wasRefundRequested {
		e.scheduler.CancelNamed(autoCancelName(id))
	}
	if err := e.registry.Remove(parties.Sender, id); err != nil {
		return err
	}
	e.notifier.PaymentCancelled(id)
	return nil
}

// ResolveDispute settles a payment under review according to the arbitrated
// outcome. The principal is split by the awarded fraction, the losing party
// forfeits its incentive to the resolver, dispute-chargeable fees are still
// paid out and the rest of each side's reservation returns unspent. The
// record is retained in the Finished state.
func (e *Engine) ResolveDispute(caller Address, id PaymentID, result DisputeResult) error {
	if err := e.ready(); err != nil {
		return err
	}
	if e.resolver == (Address{}) {
		return errNilResolver
	}
	if caller != e.resolver {
		return ErrCallerMismatch
	}
	if err := result.Validate(); err != nil {
		return err
	}
	parties, err := e.registry.LookupOwner(id)
	if err != nil {
		return err
	}
	var totalCharged, net *big.Int
	var undo undoStack
	err = e.registry.Transact(parties.Sender, id, func(d *PaymentDetail) error {
		if d.Status != StatusNeedsReview {
			return ErrInvalidState
		}
		senderDispute, err := SummarizeFees(d.Fees, RoleSender, true)
		if err != nil {
			return err
		}
		benDispute, err := SummarizeFees(d.Fees, RoleBeneficiary, true)
		if err != nil {
			return err
		}
		senderUpfront, err := SummarizeFees(d.Fees, RoleSender, false)
		if err != nil {
			return err
		}
		toBeneficiary := bpsShare(d.Amount, result.PercentToBeneficiaryBps)
		toSender := new(big.Int).Sub(cloneBigInt(d.Amount), toBeneficiary)
		net = new(big.Int).Sub(toBeneficiary, benDispute.TotalCharged)
		if net.Sign() < 0 {
			return fmt.Errorf("%w: dispute fees exceed award", ErrArithmeticUnderflow)
		}
		senderHold := new(big.Int).Add(d.IncentiveAmount, senderUpfront.TotalCharged)
		if err := e.releaseHold(d.Asset, d.Sender, senderHold, &undo); err != nil {
			return err
		}
		if err := e.releaseHold(d.Asset, d.Beneficiary, d.Amount, &undo); err != nil {
			return err
		}
		if err := e.releaseHold(d.Asset, d.Beneficiary, d.IncentiveAmount, &undo); err != nil {
			return err
		}
		if err := e.transfer(d.Asset, d.Beneficiary, d.Sender, toSender, TransferSpendable, &undo); err != nil {
			return err
		}
		loser := d.Sender
		if result.InFavorOf == RoleSender {
			loser = d.Beneficiary
		}
		if err := e.transfer(d.Asset, loser, e.resolver, d.IncentiveAmount, TransferSpendable, &undo); err != nil {
			return err
		}
		if err := e.payFees(d.Asset, d.Sender, d.Fees.SenderPays, true, &undo); err != nil {
			return err
		}
		if err := e.payFees(d.Asset, d.Beneficiary, d.Fees.BeneficiaryPays, true, &undo); err != nil {
			return err
		}
		totalCharged = new(big.Int).Add(senderDispute.TotalCharged, benDispute.TotalCharged)
		d.Status = StatusFinished
		d.RefundDeadline = 0
		return nil
	})
	if err != nil {
		undo.run()
		return err
	}
	e.notifier.PaymentReleased(id, totalCharged, net)
	return nil
}

// RequestPayment records an unescrowed payment request from the beneficiary.
// No fee is computed and nothing is reserved because the sender has not yet
// agreed.
func (e *Engine) RequestPayment(caller, sender Address, asset string, amount *big.Int) (PaymentID, error) {
	if err := e.ready(); err != nil {
		return PaymentID{}, err
	}
	normalized, err := NormalizeAsset(asset)
	if err != nil {
		return PaymentID{}, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return PaymentID{}, errNonPositiveAmt
	}
	if caller == sender {
		return PaymentID{}, errSelfPayment
	}
	detail := &PaymentDetail{
		Sender:          sender,
		Beneficiary:     caller,
		Asset:           normalized,
		Amount:          cloneBigInt(amount),
		IncentiveAmount: big.NewInt(0),
		Status:          StatusPaymentRequested,
		CreatedAt:       e.now().Unix(),
	}
	id, err := e.registry.Create(detail)
	if err != nil {
		return PaymentID{}, err
	}
	e.notifier.PaymentCreated(id)
	return id, nil
}

// AcceptAndPay settles a requested payment immediately: fees are computed at
// acceptance time and the principal moves unescrowed from sender to
// beneficiary net of both sides' fees. The record is retained Finished.
func (e *Engine) AcceptAndPay(caller Address, id PaymentID) error {
	if err := e.ready(); err != nil {
		return err
	}
	parties, err := e.registry.LookupOwner(id)
	if err != nil {
		return err
	}
	if caller != parties.Sender {
		return ErrCallerMismatch
	}
	var senderCharged, totalCharged, gross, net *big.Int
	var undo undoStack
	err = e.registry.Transact(parties.Sender, id, func(d *PaymentDetail) error {
		if d.Status != StatusPaymentRequested {
			return ErrInvalidState
		}
		fees, err := e.feeEngine.ApplyFees(d.Asset, d.Sender, d.Beneficiary, d.Amount, d.Remark)
		if err != nil {
			return err
		}
		if err := e.checkFees(fees); err != nil {
			return err
		}
		senderSummary, err := SummarizeFees(fees, RoleSender, false)
		if err != nil {
			return err
		}
		benSummary, err := SummarizeFees(fees, RoleBeneficiary, false)
		if err != nil {
			return err
		}
		net = new(big.Int).Sub(d.Amount, benSummary.TotalCharged)
		if net.Sign() < 0 {
			return fmt.Errorf("%w: beneficiary fees exceed principal", ErrArithmeticUnderflow)
		}
		if err := e.transfer(d.Asset, d.Sender, d.Beneficiary, d.Amount, TransferSpendable, &undo); err != nil {
			return err
		}
		if err := e.payFees(d.Asset, d.Sender, fees.SenderPays, false, &undo); err != nil {
			return err
		}
		if err := e.payFees(d.Asset, d.Beneficiary, fees.BeneficiaryPays, false, &undo); err != nil {
			return err
		}
		senderCharged = cloneBigInt(senderSummary.TotalCharged)
		totalCharged = new(big.Int).Add(senderSummary.TotalCharged, benSummary.TotalCharged)
		gross = cloneBigInt(d.Amount)
		d.Fees = fees
		d.Status = StatusFinished
		return nil
	})
	if err != nil {
		undo.run()
		return err
	}
	e.notifier.PaymentChargeSuccess(id, senderCharged, gross)
	e.notifier.PaymentReleased(id, totalCharged, net)
	return nil
}
