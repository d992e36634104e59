// Package inference - Tensor descriptors, network lifecycle and the shared error taxonomy.
package inference

import "github.com/pkg/errors"

// Error kinds shared by every stage of a pipeline. Callers match them with errors.Is; the
// wrapped message carries the detail.
var (
	// ErrNotReady is returned when a network is queried before its load completed.
	ErrNotReady = errors.New("network not ready")
	// ErrConfiguration is returned for malformed or unsupported configuration values.
	ErrConfiguration = errors.New("configuration error")
	// ErrBackend is returned when an inference engine fails to load or to run.
	ErrBackend = errors.New("backend error")
	// ErrDecode is returned when output tensors do not match the configured layout.
	ErrDecode = errors.New("decode error")
	// ErrFrozen is returned when a frozen parameter is modified.
	ErrFrozen = errors.New("parameter is frozen")
)

// Configurationf returns an ErrConfiguration carrying a formatted message.
func Configurationf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrConfiguration, format, args...)
}

// Decodef returns an ErrDecode carrying a formatted message.
func Decodef(format string, args ...interface{}) error {
	return errors.Wrapf(ErrDecode, format, args...)
}

// Backendf returns an ErrBackend carrying a formatted message.
func Backendf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrBackend, format, args...)
}
