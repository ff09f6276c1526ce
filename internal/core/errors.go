package core

import (
	"errors"
	"fmt"
	"strings"
)

// ConfigurationError is fatal and raised before any stage executes:
// dependency cycles, unknown stages, missing or unavailable toolchains,
// invalid configuration.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Err)
	}
	return "configuration error: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// FailureKind classifies a GateFailure.
type FailureKind string

const (
	AnalyzerViolation      FailureKind = "AnalyzerViolation"
	FormatViolation        FailureKind = "FormatViolation"
	TestFailure            FailureKind = "TestFailure"
	CoverageBelowThreshold FailureKind = "CoverageBelowThreshold"
)

// GateFailure means a gate ran to completion and rejected the change.
type GateFailure struct {
	Kind       FailureKind
	Violations []Violation
}

func (e *GateFailure) Error() string {
	if len(e.Violations) == 1 {
		return fmt.Sprintf("%s: %s", e.Kind, e.Violations[0].Message)
	}
	return fmt.Sprintf("%s: %d violations", e.Kind, len(e.Violations))
}

// PackagingError is returned by the assembler when an input is missing or
// an archive cannot be written.
type PackagingError struct {
	Input string
	Err   error
}

func (e *PackagingError) Error() string {
	return fmt.Sprintf("packaging %s: %v", e.Input, e.Err)
}

func (e *PackagingError) Unwrap() error { return e.Err }

// PublishError carries the destination and the transport failure.
type PublishError struct {
	Destination string
	Err         error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s: %v", e.Destination, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// IsConfigurationError reports whether err is or wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}

// CycleError builds the ConfigurationError for a dependency cycle.
func CycleError(members []string) error {
	return &ConfigurationError{
		Reason: "dependency cycle between stages: " + strings.Join(members, " -> "),
	}
}
