package privacy

import (
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/hkdf"

	"crypto/sha256"
)

// MultiplierSource yields obfuscation multipliers. Next never returns
// zero.
type MultiplierSource interface {
	Next() (uint64, error)
}

// CounterSource derives multipliers from coarse environmental data
// (start time, pid) plus a counter. This is the documented historical
// behavior: the stream is predictable to anyone who can observe or
// influence that data, and it is unsuitable wherever an adversary may
// do so. Deployments wanting unpredictability should wire SecureSource.
type CounterSource struct {
	base    uint64
	counter atomic.Uint64
}

// NewCounterSource seeds a source from wall-clock seconds and the
// process id.
func NewCounterSource() *CounterSource {
	base := uint64(time.Now().Unix())<<16 ^ uint64(os.Getpid())
	return &CounterSource{base: base}
}

// Next returns the next multiplier in the stream.
func (s *CounterSource) Next() (uint64, error) {
	n := s.counter.Add(1)
	// Knuth multiplicative spread keeps consecutive outputs far apart
	// without changing the predictability caveat above.
	m := (s.base + n) * 2654435761
	if m == 0 {
		m = 1
	}
	return m, nil
}

// SecureSource draws multipliers from an HKDF-SHA256 stream keyed by
// crypto/rand entropy. Behavior divergence from the historical source
// is deliberate and documented; see the package comment.
type SecureSource struct {
	reader io.Reader
}

// NewSecureSource creates a source with a fresh random key.
func NewSecureSource() (*SecureSource, error) {
	seed := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return nil, fmt.Errorf("privacy: seed source: %w", err)
	}
	return &SecureSource{
		reader: hkdf.New(sha256.New, seed, nil, []byte("veilmeter/multiplier/v1")),
	}, nil
}

// Next returns the next multiplier in the stream.
func (s *SecureSource) Next() (uint64, error) {
	var buf [8]byte
	for {
		if _, err := io.ReadFull(s.reader, buf[:]); err != nil {
			return 0, fmt.Errorf("privacy: read source: %w", err)
		}
		m := uint64(buf[0])<<56 | uint64(buf[1])<<48 | uint64(buf[2])<<40 | uint64(buf[3])<<32 |
			uint64(buf[4])<<24 | uint64(buf[5])<<16 | uint64(buf[6])<<8 | uint64(buf[7])
		if m != 0 {
			return m, nil
		}
	}
}
