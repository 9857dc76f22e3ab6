package authflow

import "errors"

var (
	// ErrResolution indicates the login hint could not be mapped to an account or service.
	ErrResolution = errors.New("authflow.resolution")
	// ErrProtocol indicates the remote service rejected the authorization protocol exchange.
	ErrProtocol = errors.New("authflow.protocol")
	// ErrCallback indicates the callback parameters were invalid, expired, or replayed.
	ErrCallback = errors.New("authflow.callback")
	// ErrRestore indicates the cached token set is missing, corrupt, or rejected remotely.
	ErrRestore = errors.New("authflow.restore")
)
