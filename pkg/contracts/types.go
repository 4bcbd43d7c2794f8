// Package contracts holds the shared domain types of the veilmeter
// sealed-metrics service: identities, roles, sealed values, refund
// reasons, and the error kinds surfaced by every component.
package contracts

import (
	"crypto/sha256"
	"encoding/hex"
	"math/big"
)

// Identity names a caller. The empty identity is never a valid actor.
type Identity string

// Nobody is the null identity.
const Nobody Identity = ""

// Role is a named capability held by an identity.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleAuthority Role = "authority"
	RoleRequester Role = "requester"
)

// RoleChecker answers capability questions. Implemented by authz.Registry;
// components depend on this interface, never on the concrete registry.
type RoleChecker interface {
	Has(identity Identity, role Role) bool
}

// MaxKindLen bounds the metric kind label.
const MaxKindLen = 50

// MaxValue is the largest representable raw measurement, 2^128 - 1.
var MaxValue = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// CheckValue validates a raw measurement against the representable range.
// Nil or negative values are ErrInvalidInput; values past MaxValue are
// ErrValueOverflow.
func CheckValue(v *big.Int) error {
	if v == nil || v.Sign() < 0 {
		return ErrInvalidInput
	}
	if v.Cmp(MaxValue) > 0 {
		return ErrValueOverflow
	}
	return nil
}

// SealedValue is a measurement in its opaque stored form: the scaled
// blob plus the obfuscation multiplier that produced it. The multiplier
// is recorded but never divided back out; see pkg/privacy.
type SealedValue struct {
	Blob       []byte `json:"blob"`
	Multiplier uint64 `json:"multiplier"`
}

// Ref returns a stable opaque reference for the sealed blob, used as
// the sealedRef handed to the Disclosure Authority.
func (s SealedValue) Ref() string {
	h := sha256.Sum256(s.Blob)
	return "sealed:" + hex.EncodeToString(h[:])
}

// RefundReason records why a compensation was owed.
type RefundReason string

const (
	ReasonDisclosureFailed RefundReason = "DISCLOSURE_FAILED"
	ReasonTimeoutExceeded  RefundReason = "TIMEOUT_EXCEEDED"
	ReasonInvalidResponse  RefundReason = "INVALID_RESPONSE"
	ReasonAuthorityError   RefundReason = "AUTHORITY_ERROR"
)

// ValidReason reports whether r is one of the defined refund reasons.
func ValidReason(r RefundReason) bool {
	switch r {
	case ReasonDisclosureFailed, ReasonTimeoutExceeded, ReasonInvalidResponse, ReasonAuthorityError:
		return true
	}
	return false
}
