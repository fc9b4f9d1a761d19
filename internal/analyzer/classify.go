package analyzer

import (
	"context"
	"errors"
	"os/exec"
	"strings"
)

// FailureClass partitions analyzer failures by retry policy.
type FailureClass string

const (
	// RetryableTransient covers timeouts, network faults, and rate limits.
	RetryableTransient FailureClass = "retryable-transient"
	// RetryableResource covers out-of-memory and out-of-disk conditions.
	RetryableResource FailureClass = "retryable-resource"
	// PermanentInput covers malformed transcripts and oversized segments.
	PermanentInput FailureClass = "permanent-input"
	// PermanentConfig covers missing prompts, skills, or credentials.
	PermanentConfig FailureClass = "permanent-config"
	// Unknown is everything else; treated as retryable.
	Unknown FailureClass = "unknown"
)

// Permanent reports whether the class exits the retry loop immediately.
func (c FailureClass) Permanent() bool {
	return c == PermanentInput || c == PermanentConfig
}

// Error is a classified analyzer failure.
type Error struct {
	Class  FailureClass
	Stage  string
	Err    error
	Stderr string
}

func (e *Error) Error() string {
	return "analyzer: " + e.Stage + " (" + string(e.Class) + "): " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// classified wraps err with a failure class and the stage it occurred in.
func classified(class FailureClass, stage string, err error, stderr string) *Error {
	return &Error{Class: class, Stage: stage, Err: err, Stderr: stderr}
}

// Exit codes with contractual meaning for the analyzer subprocess.
const (
	exitTransient = 75 // EX_TEMPFAIL
	exitInput     = 65 // EX_DATAERR
	exitConfig    = 78 // EX_CONFIG
	exitResource  = 70 // EX_SOFTWARE, used by the analyzer for OOM aborts
)

// stderr substrings mapped to classes when the exit code alone is ambiguous.
var stderrPatterns = []struct {
	needle string
	class  FailureClass
}{
	{"rate limit", RetryableTransient},
	{"rate_limit", RetryableTransient},
	{"429", RetryableTransient},
	{"timeout", RetryableTransient},
	{"connection refused", RetryableTransient},
	{"connection reset", RetryableTransient},
	{"temporarily unavailable", RetryableTransient},
	{"out of memory", RetryableResource},
	{"cannot allocate", RetryableResource},
	{"no space left", RetryableResource},
	{"context window", PermanentInput},
	{"segment too large", PermanentInput},
	{"invalid api key", PermanentConfig},
	{"authentication", PermanentConfig},
	{"prompt not found", PermanentConfig},
}

// classifyRun maps a subprocess failure to a failure class. Context expiry
// dominates; then the exit-code contract; then stderr patterns.
func classifyRun(ctx context.Context, runErr error, stderr string) FailureClass {
	if ctx.Err() != nil || errors.Is(runErr, context.DeadlineExceeded) {
		return RetryableTransient
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		switch exitErr.ExitCode() {
		case exitTransient:
			return RetryableTransient
		case exitInput:
			return PermanentInput
		case exitConfig:
			return PermanentConfig
		case exitResource:
			return RetryableResource
		}
	}

	lower := strings.ToLower(stderr)
	for _, p := range stderrPatterns {
		if strings.Contains(lower, p.needle) {
			return p.class
		}
	}

	return Unknown
}
