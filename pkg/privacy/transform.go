// Package privacy implements the transforms applied to a measurement
// before it is stored or aggregated: random-multiplier obfuscation and
// value discretization (blur), plus hash-based commitment primitives.
//
// Two documented limitations are preserved on purpose rather than
// fixed, because downstream consumers depend on the stored form:
//
//   - The obfuscation multiplier is recorded alongside the blob but is
//     never divided back out. Anything computed over sealed blobs
//     therefore operates on scaled values, not the original inputs.
//   - EqualCommitment and ChainDigest are commitment/equality
//     primitives over blob bytes. They carry no information about the
//     magnitude of the underlying values and are not invertible.
package privacy

import (
	"crypto/sha256"
	"fmt"
	"math/big"

	"github.com/obscura-systems/veilmeter/pkg/contracts"
)

// DefaultBlurFactor is the discretization granularity applied when no
// deployment profile overrides it.
const DefaultBlurFactor uint64 = 100

// Obfuscate seals a raw value as value * multiplier. The multiplier
// must be nonzero and fresh per metric; reuse across metrics enables
// ratio analysis of consecutive stored values.
func Obfuscate(value *big.Int, multiplier uint64) (contracts.SealedValue, error) {
	if multiplier == 0 {
		return contracts.SealedValue{}, fmt.Errorf("privacy: zero multiplier: %w", contracts.ErrInvalidInput)
	}
	if err := contracts.CheckValue(value); err != nil {
		return contracts.SealedValue{}, err
	}

	scaled := new(big.Int).Mul(value, new(big.Int).SetUint64(multiplier))
	return contracts.SealedValue{
		Blob:       scaled.Bytes(),
		Multiplier: multiplier,
	}, nil
}

// Blur discretizes a value: floor(value/factor) * factor. A larger
// factor hides more of the exact magnitude at the cost of precision.
func Blur(value *big.Int, factor uint64) (*big.Int, error) {
	if factor == 0 {
		return nil, fmt.Errorf("privacy: zero blur factor: %w", contracts.ErrInvalidInput)
	}
	if value == nil || value.Sign() < 0 {
		return nil, fmt.Errorf("privacy: blur input: %w", contracts.ErrInvalidInput)
	}

	f := new(big.Int).SetUint64(factor)
	q := new(big.Int).Quo(value, f)
	return q.Mul(q, f), nil
}

// EqualCommitment reports whether two sealed values commit to the same
// blob. Equal blobs hash equal; nothing about relative magnitude of the
// underlying cleartexts can be read from the result.
func EqualCommitment(a, b contracts.SealedValue) bool {
	ha := sha256.Sum256(a.Blob)
	hb := sha256.Sum256(b.Blob)
	return ha == hb
}

// ChainDigest folds an ordered list of sealed values into a single
// hash chain: digest_i = H(digest_{i-1} || blob_i). The result is a
// tamper-evident commitment to the set and its order. It is not a sum;
// no numeric extraction is possible later.
func ChainDigest(values []contracts.SealedValue) [sha256.Size]byte {
	digest := sha256.Sum256([]byte("genesis"))
	for _, v := range values {
		h := sha256.New()
		h.Write(digest[:])
		h.Write(v.Blob)
		copy(digest[:], h.Sum(nil))
	}
	return digest
}
