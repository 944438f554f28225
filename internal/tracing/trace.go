// Package tracing generates the X-Trace-Id header propagated on every queue
// publish (spec §4.6) so a batch's whole fan-out can be grepped from one id.
package tracing

import (
	"crypto/rand"
	"math/big"
)

const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// NewTraceID returns a 12-character base62 identifier.
func NewTraceID() string {
	buf := make([]byte, 12)
	max := big.NewInt(int64(len(base62Alphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand failure is unrecoverable; fall back to a fixed
			// character rather than panic mid-publish.
			buf[i] = base62Alphabet[0]
			continue
		}
		buf[i] = base62Alphabet[n.Int64()]
	}
	return string(buf)
}

const HeaderName = "X-Trace-Id"
