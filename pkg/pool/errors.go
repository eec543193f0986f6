package pool

import (
	"errors"
	"fmt"
)

var (
	// ErrNoAvailableConnection is returned when a replica is requested but none is available.
	ErrNoAvailableConnection = errors.New("no available connection")

	// ErrAdapterNotFound is returned when a server names an adapter kind the registry does not know.
	ErrAdapterNotFound = errors.New("adapter not found")

	// ErrNoServers is returned when a pool is configured without any server.
	ErrNoServers = errors.New("no servers configured")
)

// ConnectionError is a failure of a specific member: the operation raised a
// connection-level error or the member no longer reports itself active.
type ConnectionError struct {
	Conn string
	Role Role
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s connection %q failed: %v", e.Role, e.Conn, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ReconnectError is produced when a quarantined member could not be reinstated.
// It is only ever logged.
type ReconnectError struct {
	Conn string
	Err  error
}

func (e *ReconnectError) Error() string {
	return fmt.Sprintf("reconnect %q: %v", e.Conn, e.Err)
}

func (e *ReconnectError) Unwrap() error {
	return e.Err
}

var (
	errInactive      = errors.New("connection inactive")
	errStillInactive = errors.New("connection inactive after reconnect")
)
