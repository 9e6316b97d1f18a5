// Package refcode generates short human-readable reference codes such as
// receipt numbers and patient card numbers.
package refcode

import (
	"crypto/rand"
	"math/big"
)

// Ambiguous characters (0/O, 1/I/L) are excluded so codes can be read back
// over the phone.
const alphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

// New returns a random code of length n.
func New(n int) string {
	out := make([]byte, n)
	max := big.NewInt(int64(len(alphabet)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails when the platform's entropy source is
			// broken; there is no reasonable fallback.
			panic(err)
		}
		out[i] = alphabet[idx.Int64()]
	}
	return string(out)
}

// Receipt returns a 12-character receipt number.
func Receipt() string {
	return New(12)
}
