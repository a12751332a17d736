package protect

import (
	"github.com/pkg/errors"

	"github.com/jdtait/nest-protect-gateway/internal/pkg/nestauth"
)

var (
	// ErrDeviceNotFound means the requested device is not in the cache
	ErrDeviceNotFound = errors.New("device not found")

	// ErrInvalidCommand means the command name failed enum validation
	ErrInvalidCommand = errors.New("invalid command")

	// ErrValidation means a command parameter was malformed
	ErrValidation = errors.New("invalid command parameters")

	// Re-exported so callers of the service only import one package
	// for error matching.
	ErrAuthentication   = nestauth.ErrAuthentication
	ErrConnection       = nestauth.ErrConnection
	ErrNotAuthenticated = nestauth.ErrNotAuthenticated
)
