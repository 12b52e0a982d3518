package escrow

import "math/big"

// Notifier observes settlement milestones. Upstream consumers (for example an
// order-fulfillment component) react to these callbacks; the engine never
// depends on their outcome and invokes them only after the operation has
// committed.
type Notifier interface {
	PaymentCreated(id PaymentID)
	PaymentChargeSuccess(id PaymentID, feesCharged, netAmount *big.Int)
	PaymentReleased(id PaymentID, feesCharged, netAmount *big.Int)
	PaymentCancelled(id PaymentID)
}

// NopNotifier ignores every callback. It is the engine default.
type NopNotifier struct{}

func (NopNotifier) PaymentCreated(PaymentID)                           {}
func (NopNotifier) PaymentChargeSuccess(PaymentID, *big.Int, *big.Int) {}
func (NopNotifier) PaymentReleased(PaymentID, *big.Int, *big.Int)      {}
func (NopNotifier) PaymentCancelled(PaymentID)                         {}

// MultiNotifier fans callbacks out to several observers in order.
type MultiNotifier []Notifier

func (m MultiNotifier) PaymentCreated(id PaymentID) {
	for _, n := range m {
		n.PaymentCreated(id)
	}
}

func (m MultiNotifier) PaymentChargeSuccess(id PaymentID, fees, net *big.Int) {
	for _, n := range m {
		n.PaymentChargeSuccess(id, fees, net)
	}
}

func (m MultiNotifier) PaymentReleased(id PaymentID, fees, net *big.Int) {
	for _, n := range m {
		n.PaymentReleased(id, fees, net)
	}
}

func (m MultiNotifier) PaymentCancelled(id PaymentID) {
	for _, n := range m {
		n.PaymentCancelled(id)
	}
}
