package match

import (
	"errors"
	"fmt"
	"math"

	"github.com/andresmejia3/faceauth/internal/types"
)

// DefaultThreshold is the dlib face_recognition decision boundary.
const DefaultThreshold = 0.6

// ErrNoEnrolledUsers is returned when there is nothing to match against.
var ErrNoEnrolledUsers = errors.New("no enrolled users")

// Result is the decision for one probe embedding.
type Result struct {
	Accepted bool
	Identity string  // nearest identity, set even when rejected
	Distance float64 // Euclidean distance to the nearest identity
}

// Matcher finds the nearest enrolled identity and applies the accept threshold.
type Matcher struct {
	Threshold float64
}

// New returns a matcher with the given threshold, falling back to DefaultThreshold.
func New(threshold float64) *Matcher {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Matcher{Threshold: threshold}
}

// Match compares probe against every record. Records must be in insertion
// order: on an exact distance tie the earliest record wins. A distance equal
// to the threshold is rejected.
func (m *Matcher) Match(probe types.Embedding, records []types.EnrollmentRecord) (Result, error) {
	if len(records) == 0 {
		return Result{}, ErrNoEnrolledUsers
	}

	best := -1
	minDist := math.Inf(1)
	for i, rec := range records {
		d, err := EuclideanDist(probe, rec.Embedding)
		if err != nil {
			return Result{}, fmt.Errorf("record %q: %w", rec.Identity, err)
		}
		if d < minDist {
			minDist = d
			best = i
		}
	}
	if best == -1 {
		// Only reachable when every distance is NaN.
		return Result{}, fmt.Errorf("no comparable records for probe")
	}

	return Result{
		Accepted: minDist < m.Threshold,
		Identity: records[best].Identity,
		Distance: minDist,
	}, nil
}

// EuclideanDist returns the L2 distance between two embeddings of equal length.
func EuclideanDist(a, b types.Embedding) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("dimension mismatch: %d vs %d", len(a), len(b))
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum), nil
}
