package pipeline

import "fmt"

// Pair is one video path with its target sentence, before any processing.
type Pair struct {
	// Index is the line number shared by the two input files.
	Index  int
	Source string
	Target string
}

// Zip pairs sources and targets line by line. Lists of different lengths
// are rejected rather than truncated.
func Zip(sources, targets []string) ([]Pair, error) {
	if len(sources) != len(targets) {
		return nil, fmt.Errorf("%w: %d source paths, %d target sentences",
			ErrShapeMismatch, len(sources), len(targets))
	}
	pairs := make([]Pair, len(sources))
	for i := range sources {
		pairs[i] = Pair{Index: i, Source: sources[i], Target: targets[i]}
	}
	return pairs, nil
}

// SourcesOnly wraps source paths as pairs without targets, for inference.
func SourcesOnly(sources []string) []Pair {
	pairs := make([]Pair, len(sources))
	for i, src := range sources {
		pairs[i] = Pair{Index: i, Source: src}
	}
	return pairs
}

// Skip drops the first n pairs. n <= 0 returns pairs unchanged.
func Skip(pairs []Pair, n int) []Pair {
	if n <= 0 {
		return pairs
	}
	if n >= len(pairs) {
		return nil
	}
	return pairs[n:]
}
