// Package svcfields holds the canonical structured-log keys shared by every
// hellofn subsystem.
package svcfields

import (
	"context"
	"strings"

	"pkt.systems/pslog"
)

const (
	// SubsystemKey is the canonical key for subsystem tags.
	SubsystemKey = pslog.TrustedString("sys")
	// InvocationKey tags every entry produced while serving (or initialising for) an invocation.
	InvocationKey = pslog.TrustedString("invocation_id")
)

// Subsystem builds a dot-delimited subsystem path from the supplied parts while
// skipping empty fragments.
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part != "" {
			filtered = append(filtered, part)
		}
	}
	return strings.Join(filtered, ".")
}

// Ensure returns logger, or a disabled logger when logger is nil.
func Ensure(logger pslog.Logger) pslog.Logger {
	if logger == nil {
		return pslog.NoopLogger()
	}
	return logger
}

// WithSubsystem attaches a subsystem tag to every log entry.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	logger = Ensure(logger)
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// WithInvocation attaches the invocation identifier to every log entry.
func WithInvocation(logger pslog.Logger, id string) pslog.Logger {
	logger = Ensure(logger)
	if id == "" {
		return logger
	}
	return logger.With(InvocationKey, id)
}

// FromContext returns the logger carried by ctx, or a disabled logger.
func FromContext(ctx context.Context) pslog.Logger {
	return Ensure(pslog.LoggerFromContext(ctx))
}
