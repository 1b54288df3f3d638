package errdefs

import (
	"errors"
	"fmt"
)

// Sentinel errors classifying every failure the orchestration core can
// surface. Callers classify with errors.Is rather than string matching.
var (
	// ErrConfiguration marks bad or missing inventory, workload, or node
	// fields. Fatal before any remote activity starts.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrConnection marks a transport-level failure to a node. Retried per
	// policy, then fatal for that node only.
	ErrConnection = errors.New("connection failed")

	// ErrAuthentication is a connection failure that will not recover by
	// retrying. errors.Is(err, ErrConnection) also holds for it.
	ErrAuthentication = fmt.Errorf("%w: authentication rejected", ErrConnection)

	// ErrTimeout marks a command or node exceeding its deadline. Fatal for
	// that node's current attempt only.
	ErrTimeout = errors.New("operation timed out")

	// ErrManifestNotFound marks a run phase invoked without a usable build
	// manifest. Fatal to the whole run phase.
	ErrManifestNotFound = errors.New("build manifest not found")

	// ErrRunner marks a backend-specific failure, such as a missing
	// pre-generated playbook or manifest directory.
	ErrRunner = errors.New("runner failed")
)

// Configuration wraps a formatted message as a configuration error.
func Configuration(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// Connection wraps a formatted message as a connection error.
func Connection(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConnection, fmt.Sprintf(format, args...))
}

// Authentication wraps a formatted message as an authentication error.
func Authentication(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrAuthentication, fmt.Sprintf(format, args...))
}

// Timeout wraps a formatted message as a timeout error.
func Timeout(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrTimeout, fmt.Sprintf(format, args...))
}

// Runner wraps a formatted message as a runner error.
func Runner(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrRunner, fmt.Sprintf(format, args...))
}

// IsConfiguration reports whether err is a configuration error.
func IsConfiguration(err error) bool { return errors.Is(err, ErrConfiguration) }

// IsConnection reports whether err is a connection error. Authentication
// errors are connection errors too.
func IsConnection(err error) bool { return errors.Is(err, ErrConnection) }

// IsAuthentication reports whether err is an authentication error.
func IsAuthentication(err error) bool { return errors.Is(err, ErrAuthentication) }

// IsTimeout reports whether err is a timeout error.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// IsManifestNotFound reports whether err marks a missing build manifest.
func IsManifestNotFound(err error) bool { return errors.Is(err, ErrManifestNotFound) }

// IsRunner reports whether err is a backend runner error.
func IsRunner(err error) bool { return errors.Is(err, ErrRunner) }
