package escrow

import (
	"encoding/binary"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// defaultIDLimit bounds the per-pair identifier sequence. Once a
// sender/beneficiary pair has consumed the whole sequence, further creations
// fail with ErrIDUnavailable.
const defaultIDLimit = 1 << 20

type detailKey struct {
	sender Address
	id     PaymentID
}

type pairKey struct {
	sender      Address
	beneficiary Address
}

// Registry owns the payment records keyed by (sender, PaymentID) and the
// reverse index keyed by PaymentID alone. Both containers are created and
// destroyed atomically so a detail exists iff its parties entry exists.
//
// The registry performs no locking: the hosting environment serializes
// operations against it.
type Registry struct {
	details map[detailKey]*PaymentDetail
	parties map[PaymentID]PaymentParties
	seq     map[pairKey]uint64
	idLimit uint64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		details: make(map[detailKey]*PaymentDetail),
		parties: make(map[PaymentID]PaymentParties),
		seq:     make(map[pairKey]uint64),
		idLimit: defaultIDLimit,
	}
}

// NewPaymentID derives the identifier for the nth payment between a pair.
func NewPaymentID(sender, beneficiary Address, nonce uint64) PaymentID {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce)
	return PaymentID(ethcrypto.Keccak256Hash(sender[:], beneficiary[:], buf[:]))
}

// Create derives a fresh identifier for the record's pair, stores the detail
// and its reverse-index entry, and returns the identifier. A derived
// identifier already bound to a record fails with ErrAlreadyInProcess unless
// the existing record is a bare payment request, which a new creation
// replaces to start a new cycle.
func (r *Registry) Create(detail *PaymentDetail) (PaymentID, error) {
	sanitized, err := SanitizePayment(detail)
	if err != nil {
		return PaymentID{}, err
	}
	pair := pairKey{sender: sanitized.Sender, beneficiary: sanitized.Beneficiary}
	nonce := r.seq[pair]
	if nonce >= r.idLimit {
		return PaymentID{}, ErrIDUnavailable
	}
	id := NewPaymentID(sanitized.Sender, sanitized.Beneficiary, nonce)
	if existing, ok := r.details[detailKey{sender: sanitized.Sender, id: id}]; ok {
		if existing.Status != StatusPaymentRequested {
			return PaymentID{}, ErrAlreadyInProcess
		}
	}
	sanitized.ID = id
	r.details[detailKey{sender: sanitized.Sender, id: id}] = sanitized
	r.parties[id] = PaymentParties{Sender: sanitized.Sender, Beneficiary: sanitized.Beneficiary}
	r.seq[pair] = nonce + 1
	return id, nil
}

// Get returns a copy of the record stored under (sender, id).
func (r *Registry) Get(sender Address, id PaymentID) (*PaymentDetail, bool) {
	detail, ok := r.details[detailKey{sender: sender, id: id}]
	if !ok {
		return nil, false
	}
	return detail.Clone(), true
}

// Transact runs fn against a copy of the record under (sender, id). When fn
// succeeds the mutated copy is committed back; on failure every change is
// discarded and the error returned unchanged. Every state-changing operation
// goes through this helper so no partial update can ever be observed.
func (r *Registry) Transact(sender Address, id PaymentID, fn func(*PaymentDetail) error) error {
	key := detailKey{sender: sender, id: id}
	stored, ok := r.details[key]
	if !ok {
		return ErrUnknownPayment
	}
	working := stored.Clone()
	if err := fn(working); err != nil {
		return err
	}
	sanitized, err := SanitizePayment(working)
	if err != nil {
		return err
	}
	r.details[key] = sanitized
	return nil
}

// LookupOwner resolves a bare PaymentID to its sender and beneficiary.
func (r *Registry) LookupOwner(id PaymentID) (PaymentParties, error) {
	parties, ok := r.parties[id]
	if !ok {
		return PaymentParties{}, ErrUnknownPayment
	}
	return parties, nil
}

// Remove deletes the record and its reverse-index entry. Only cancellation
// uses this; every other terminal transition retains the record.
func (r *Registry) Remove(sender Address, id PaymentID) error {
	key := detailKey{sender: sender, id: id}
	if _, ok := r.details[key]; !ok {
		return ErrUnknownPayment
	}
	delete(r.details, key)
	delete(r.parties, id)
	return nil
}

// Len reports the number of stored payment records.
func (r *Registry) Len() int { return len(r.details) }

// Snapshot captures the registry contents for persistence.
type Snapshot struct {
	Details   []*PaymentDetail  `json:"details"`
	Sequences map[string]uint64 `json:"sequences,omitempty"`
}

func (k pairKey) String() string {
	return k.sender.Hex() + ":" + k.beneficiary.Hex()
}

func parsePairKey(s string) (pairKey, error) {
	if len(s) != 81 || s[40] != ':' {
		return pairKey{}, fmt.Errorf("escrow: malformed pair key %q", s)
	}
	sender, err := ParseAddress(s[:40])
	if err != nil {
		return pairKey{}, err
	}
	beneficiary, err := ParseAddress(s[41:])
	if err != nil {
		return pairKey{}, err
	}
	return pairKey{sender: sender, beneficiary: beneficiary}, nil
}

// Snapshot returns a deep copy of the registry state.
func (r *Registry) Snapshot() *Snapshot {
	snap := &Snapshot{Sequences: make(map[string]uint64, len(r.seq))}
	for _, detail := range r.details {
		snap.Details = append(snap.Details, detail.Clone())
	}
	for pair, nonce := range r.seq {
		snap.Sequences[pair.String()] = nonce
	}
	return snap
}

// Restore replaces the registry contents with the snapshot, rebuilding the
// reverse index from the stored details.
func (r *Registry) Restore(snap *Snapshot) error {
	if snap == nil {
		return fmt.Errorf("escrow: nil snapshot")
	}
	details := make(map[detailKey]*PaymentDetail, len(snap.Details))
	parties := make(map[PaymentID]PaymentParties, len(snap.Details))
	seq := make(map[pairKey]uint64, len(snap.Sequences))
	for _, detail := range snap.Details {
		sanitized, err := SanitizePayment(detail)
		if err != nil {
			return err
		}
		details[detailKey{sender: sanitized.Sender, id: sanitized.ID}] = sanitized
		parties[sanitized.ID] = PaymentParties{Sender: sanitized.Sender, Beneficiary: sanitized.Beneficiary}
	}
	for raw, nonce := range snap.Sequences {
		pair, err := parsePairKey(raw)
		if err != nil {
			return err
		}
		seq[pair] = nonce
	}
	r.details = details
	r.parties = parties
	r.seq = seq
	if r.idLimit == 0 {
		r.idLimit = defaultIDLimit
	}
	return nil
}
