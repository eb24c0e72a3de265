package pipeline

import (
	"iter"
	"math/rand/v2"
)

// Shuffle yields pairs in a pseudo-random order using a reservoir of
// bufferSize elements: the reservoir is filled from the input, then every
// emitted element is replaced by the next input element. A buffer at least
// as large as the input gives a uniform shuffle. The order depends only on
// seed, bufferSize and the input, so every call with the same arguments
// yields the same sequence.
func Shuffle(pairs []Pair, bufferSize int, seed int64) iter.Seq[Pair] {
	return func(yield func(Pair) bool) {
		if bufferSize <= 1 {
			for _, p := range pairs {
				if !yield(p) {
					return
				}
			}
			return
		}

		rng := rand.New(rand.NewPCG(uint64(seed), 0x9e3779b97f4a7c15))
		buf := make([]Pair, 0, min(bufferSize, len(pairs)))
		next := 0
		for next < len(pairs) && len(buf) < bufferSize {
			buf = append(buf, pairs[next])
			next++
		}

		for len(buf) > 0 {
			j := rng.IntN(len(buf))
			out := buf[j]
			if next < len(pairs) {
				buf[j] = pairs[next]
				next++
			} else {
				last := len(buf) - 1
				buf[j] = buf[last]
				buf = buf[:last]
			}
			if !yield(out) {
				return
			}
		}
	}
}
