package escrow

import (
	"math/big"
	"strings"
	"sync"
	"time"
)

const (
	EventTypePaymentCreated       = "payment.created"
	EventTypePaymentChargeSuccess = "payment.charge_success"
	EventTypePaymentReleased      = "payment.released"
	EventTypePaymentCancelled     = "payment.cancelled"
)

// Event is the canonical record of a settlement milestone kept for
// inspection by read APIs.
type Event struct {
	Sequence   int64             `json:"sequence"`
	Type       string            `json:"type"`
	PaymentID  PaymentID         `json:"paymentId"`
	Attributes map[string]string `json:"attributes,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

const defaultEventLogCapacity = 256

// EventLog is a bounded, sequence-numbered ring of settlement events. It
// implements Notifier so it can ride alongside an upstream consumer.
type EventLog struct {
	mu       sync.Mutex
	events   []Event
	capacity int
	sequence int64
	now      func() time.Time
}

// NewEventLog builds a ring retaining at most capacity events; a
// non-positive capacity selects the default.
func NewEventLog(capacity int) *EventLog {
	if capacity <= 0 {
		capacity = defaultEventLogCapacity
	}
	return &EventLog{capacity: capacity, now: time.Now}
}

// SetNowFunc overrides the clock, primarily for tests.
func (l *EventLog) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

func (l *EventLog) append(eventType string, id PaymentID, attrs map[string]string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sequence++
	evt := Event{
		Sequence:   l.sequence,
		Type:       eventType,
		PaymentID:  id,
		Attributes: attrs,
		CreatedAt:  l.now(),
	}
	l.events = append(l.events, evt)
	if len(l.events) > l.capacity {
		l.events = l.events[len(l.events)-l.capacity:]
	}
}

func settlementAttrs(fees, net *big.Int) map[string]string {
	return map[string]string{
		"feesCharged": cloneBigInt(fees).String(),
		"netAmount":   cloneBigInt(net).String(),
	}
}

// PaymentCreated implements Notifier.
func (l *EventLog) PaymentCreated(id PaymentID) {
	l.append(EventTypePaymentCreated, id, nil)
}

// PaymentChargeSuccess implements Notifier.
func (l *EventLog) PaymentChargeSuccess(id PaymentID, fees, net *big.Int) {
	l.append(EventTypePaymentChargeSuccess, id, settlementAttrs(fees, net))
}

// PaymentReleased implements Notifier.
func (l *EventLog) PaymentReleased(id PaymentID, fees, net *big.Int) {
	l.append(EventTypePaymentReleased, id, settlementAttrs(fees, net))
}

// PaymentCancelled implements Notifier.
func (l *EventLog) PaymentCancelled(id PaymentID) {
	l.append(EventTypePaymentCancelled, id, nil)
}

// Events returns retained events whose type carries the supplied prefix,
// oldest first, capped at limit when limit is positive.
func (l *EventLog) Events(prefix string, limit int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, 0, len(l.events))
	for _, evt := range l.events {
		if prefix != "" && !strings.HasPrefix(evt.Type, prefix) {
			continue
		}
		out = append(out, evt)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
