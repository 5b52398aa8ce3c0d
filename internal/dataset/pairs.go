// Package dataset pairs source and target face ids and loads crop batches
// for the attack.
package dataset

import (
	"bufio"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strings"
)

// ErrLengthMismatch is returned when source and target id lists cannot be
// zipped into pairs.
var ErrLengthMismatch = errors.New("source and target lists have different lengths")

// Pair drives one attack instance: SourceID is perturbed toward TargetID.
type Pair struct {
	SourceID string
	TargetID string
}

// NewPairing zips two id lists into pairs. A length mismatch fails
// immediately, before any work is done.
func NewPairing(sources, targets []string) ([]Pair, error) {
	if len(sources) != len(targets) {
		return nil, fmt.Errorf("%w: %d sources, %d targets", ErrLengthMismatch, len(sources), len(targets))
	}
	pairs := make([]Pair, len(sources))
	for i := range sources {
		pairs[i] = Pair{SourceID: sources[i], TargetID: targets[i]}
	}
	return pairs, nil
}

// SelfPairs pairs a randomly permuted copy of ids against ids itself, so
// each id is attacked toward a random member of the same set (possibly
// itself). The seed makes a run reproducible; the exact permutation is an
// implementation detail, only its distribution is guaranteed.
func SelfPairs(ids []string, seed int64) []Pair {
	rng := rand.New(rand.NewSource(seed))
	perm := rng.Perm(len(ids))
	pairs := make([]Pair, len(ids))
	for i, p := range perm {
		pairs[i] = Pair{SourceID: ids[p], TargetID: ids[i]}
	}
	return pairs
}

// PairsFromFile reads whitespace-separated "source target" lines. Blank
// lines are skipped; anything else malformed is an error.
func PairsFromFile(path string) ([]Pair, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pair file: %w", err)
	}
	defer f.Close()

	var pairs []Pair
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("pair file %s line %d: want 2 fields, got %d", path, lineNo, len(fields))
		}
		pairs = append(pairs, Pair{SourceID: fields[0], TargetID: fields[1]})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read pair file: %w", err)
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("pair file %s contains no pairs", path)
	}
	return pairs, nil
}
