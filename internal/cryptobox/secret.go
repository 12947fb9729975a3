package cryptobox

import "crypto/subtle"

// Secret owns a sensitive byte buffer and zeroizes it when released. It must
// never be stored in a structure that outlives the operation that created it.
type Secret struct {
	buf []byte
}

// NewSecret takes ownership of b. The caller must not retain b.
func NewSecret(b []byte) *Secret {
	return &Secret{buf: b}
}

// Bytes exposes the underlying buffer for the duration of an operation.
// Callers must not retain the slice past Zeroize.
func (s *Secret) Bytes() []byte {
	return s.buf
}

// Zeroize overwrites the buffer with zeros. Safe to call more than once.
func (s *Secret) Zeroize() {
	for i := range s.buf {
		s.buf[i] = 0
	}
	s.buf = s.buf[:0]
}

// Equal compares two buffers in constant time.
func Equal(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
