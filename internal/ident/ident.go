// Package ident mints the opaque identifiers used across the store.
//
// An id is a short typed prefix, an underscore, and 12 random alphanumeric
// characters drawn from the 16 bytes of a v4 UUID. 62^12 ≈ 3.2e21 values keeps
// the collision probability across a million ids far below 1e-6.
package ident

import "github.com/google/uuid"

// Entity prefixes. The prefix makes ids self-describing in logs and lets
// callers resolve short prefixes back to rows.
const (
	PrefixTrace    = "trc"
	PrefixStep     = "stp"
	PrefixSnapshot = "snp"
	PrefixEval     = "evl"
	PrefixPolicy   = "pol"
)

const (
	alphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	suffixLen = 12
)

// New mints an id of the form prefix + "_" + 12 alphanumeric characters.
func New(prefix string) string {
	u := uuid.New()
	buf := make([]byte, 0, len(prefix)+1+suffixLen)
	buf = append(buf, prefix...)
	buf = append(buf, '_')
	// Two UUID bytes per output character: 16 bits folded into the 62-char
	// alphabet keeps the per-character bias below 0.1%.
	for i := 0; i < suffixLen; i++ {
		v := uint16(u[i])<<8 | uint16(u[(i+4)%16])
		buf = append(buf, alphabet[int(v)%len(alphabet)])
	}
	return string(buf)
}

// NewTrace, NewStep, NewSnapshot, NewEval, and NewPolicy mint ids for their
// respective entities.
func NewTrace() string    { return New(PrefixTrace) }
func NewStep() string     { return New(PrefixStep) }
func NewSnapshot() string { return New(PrefixSnapshot) }
func NewEval() string     { return New(PrefixEval) }
func NewPolicy() string   { return New(PrefixPolicy) }
