// Package classifier defines the boundary to the ML inference routine.
// The actual model is treated as a black box; this package pins only
// the interface shape a Worker needs, plus a deterministic stub used
// by tests and local runs.
package classifier

import (
	"context"
	"hash/fnv"
)

// NumLabels is the width of the label vector the classifier returns.
// The control plane only acts on the argmax, but the full vector is
// retained on the Result for callers that want it.
const NumLabels = 6

// Result is the outcome of one classification call.
type Result struct {
	Labels [NumLabels]float64
	Argmax int
}

// Classifier scores a piece of text against the toxicity label set.
type Classifier interface {
	Classify(ctx context.Context, text string) (Result, error)
}

// Stub is a deterministic, dependency-free Classifier used by tests and
// local/demo runs in place of the real model server.
type Stub struct{}

// NewStub creates a Stub classifier.
func NewStub() *Stub {
	return &Stub{}
}

// Classify derives a pseudo-score per label from the text's hash, so
// repeated calls on the same text are stable without any real inference.
func (s *Stub) Classify(_ context.Context, text string) (Result, error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum32()

	var result Result
	best := -1.0
	for i := 0; i < NumLabels; i++ {
		v := float64((seed>>uint(i*4))&0xF) / 15.0
		result.Labels[i] = v
		if v > best {
			best = v
			result.Argmax = i
		}
	}
	return result, nil
}
