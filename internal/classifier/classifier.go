// Package classifier adapts image classification backends to the socket
// server: raw image bytes in, a label from a closed set and a confidence
// percentage out.
package classifier

import (
	"context"
	"errors"
	"fmt"
)

// ErrInference marks every failure of a classification backend, including
// payloads that cannot be decoded as images.
var ErrInference = errors.New("inference failed")

// Result is the outcome of classifying one image.
type Result struct {
	Label string
	// Confidence is a percentage in [0, 100].
	Confidence float64
}

// Classifier exposes the subset of functionality used by a session.
type Classifier interface {
	Classify(ctx context.Context, image []byte) (*Result, error)
}

// Func adapts a plain function to the Classifier interface.
type Func func(ctx context.Context, image []byte) (*Result, error)

// Classify calls f.
func (f Func) Classify(ctx context.Context, image []byte) (*Result, error) {
	return f(ctx, image)
}

// Inferencef builds an error that matches ErrInference.
func Inferencef(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInference, fmt.Sprintf(format, args...))
}

type validating struct {
	next   Classifier
	labels map[string]struct{}
}

// WithLabelCheck rejects results whose label is outside labels or whose
// confidence is not a percentage.
func WithLabelCheck(next Classifier, labels []string) Classifier {
	set := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		set[l] = struct{}{}
	}
	return &validating{next: next, labels: set}
}

func (v *validating) Classify(ctx context.Context, image []byte) (*Result, error) {
	res, err := v.next.Classify(ctx, image)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, Inferencef("backend returned no result")
	}
	if _, ok := v.labels[res.Label]; !ok {
		return nil, Inferencef("unknown label %q", res.Label)
	}
	if res.Confidence < 0 || res.Confidence > 100 || res.Confidence != res.Confidence {
		return nil, Inferencef("confidence %v outside [0,100]", res.Confidence)
	}
	return res, nil
}
