package editcap

import (
	"math/rand"
)

// Relative weights of the mutations applied to a picked byte.
const (
	weightBit   = 5 // flip one bit
	weightByte  = 5 // random byte
	weightAlnum = 5 // random [A-Za-z0-9]
	weightFmt   = 2 // "%s"
	weightFill  = 1 // 0xAA to the end of the record
	weightTotal = weightBit + weightByte + weightAlnum + weightFmt + weightFill
)

const alnum = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Corrupter mutates record bytes with a fixed per-byte probability.
type Corrupter struct {
	prob float64
	rng  *rand.Rand
}

// NewCorrupter creates a corrupter. The same seed yields the same damage.
func NewCorrupter(prob float64, seed int64) *Corrupter {
	return &Corrupter{prob: prob, rng: rand.New(rand.NewSource(seed))}
}

// Apply mutates buf in place and returns the number of bytes picked.
func (c *Corrupter) Apply(buf []byte) int {
	if c.prob <= 0 {
		return 0
	}
	picked := 0
	for i := 0; i < len(buf); i++ {
		if c.rng.Float64() >= c.prob {
			continue
		}
		picked++
		w := c.rng.Intn(weightTotal)
		switch {
		case w < weightBit:
			buf[i] ^= 1 << c.rng.Intn(8)
		case w < weightBit+weightByte:
			buf[i] = byte(c.rng.Intn(256))
		case w < weightBit+weightByte+weightAlnum:
			buf[i] = alnum[c.rng.Intn(len(alnum))]
		case w < weightTotal-weightFill:
			if i+2 < len(buf) {
				copy(buf[i:], "%s")
			}
		default:
			for j := i; j < len(buf); j++ {
				buf[j] = 0xAA
			}
			return picked
		}
	}
	return picked
}
