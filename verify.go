package waypoint

import (
	"context"
)

// VerificationResult is the outcome of checking a handler's output. On
// failure, Feedback is passed to the next invocation in the revision loop.
type VerificationResult struct {
	Passed   bool              `json:"passed"`
	Feedback *RevisionFeedback `json:"feedback,omitempty"`
}

// Verifier is the verification collaborator: given a handler's output, it
// decides pass/fail and produces structured revision feedback on failure.
type Verifier interface {
	Verify(ctx context.Context, wp *Waypoint, output any) (*VerificationResult, error)
}

// VerifierFunc is a function adapter for Verifier.
type VerifierFunc func(ctx context.Context, wp *Waypoint, output any) (*VerificationResult, error)

func (f VerifierFunc) Verify(ctx context.Context, wp *Waypoint, output any) (*VerificationResult, error) {
	return f(ctx, wp, output)
}

// AcceptAllVerifier passes every output. Used when a run has no verification
// collaborator configured.
type AcceptAllVerifier struct{}

func NewAcceptAllVerifier() *AcceptAllVerifier {
	return &AcceptAllVerifier{}
}

func (v *AcceptAllVerifier) Verify(ctx context.Context, wp *Waypoint, output any) (*VerificationResult, error) {
	return &VerificationResult{Passed: true}, nil
}
