package model

import "fmt"

type NotFoundError struct{}

func (e NotFoundError) Error() string {
	return "not found"
}

// ConfigurationError is returned for invalid settings or metadata. It is
// fatal at session start, before any test runs.
type ConfigurationError struct {
	Field string
	Msg   string
	Err   error
}

func (e ConfigurationError) Error() string {
	msg := "invalid configuration"
	if e.Field != "" {
		msg += " of " + e.Field
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e ConfigurationError) Unwrap() error {
	return e.Err
}

// DeliveryError is returned when a delivery mode fails to hand off a run.
// It never affects the exit code of the test session.
type DeliveryError struct {
	Mode string
	Op   string
	Err  error
}

func (e DeliveryError) Error() string {
	return fmt.Sprintf("delivery %s: %s: %v", e.Mode, e.Op, e.Err)
}

func (e DeliveryError) Unwrap() error {
	return e.Err
}

// AuthError signals a rejected or expired token of the reporting service.
type AuthError struct {
	Msg string
}

func (e AuthError) Error() string {
	return "authentication failed: " + e.Msg
}

// ArchiveCorruptionError is returned when an existing archive cannot be read
// back. The archive builder treats it as a warning and starts over.
type ArchiveCorruptionError struct {
	Path string
	Err  error
}

func (e ArchiveCorruptionError) Error() string {
	return fmt.Sprintf("archive %s is corrupt: %v", e.Path, e.Err)
}

func (e ArchiveCorruptionError) Unwrap() error {
	return e.Err
}
