package core

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned for lookups of unknown stacks, hosts or routes.
var ErrNotFound = errors.New("not found")

// ErrCanceled marks a deployment aborted between pipeline steps.
var ErrCanceled = errors.New("deployment canceled")

// ConnectivityError is a transient transport failure (timeout, reset,
// refused). The executor retries these with backoff before surfacing them.
type ConnectivityError struct {
	Host string
	Err  error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("connectivity to %s: %v", e.Host, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// AuthenticationError is fatal and never retried.
type AuthenticationError struct {
	Host string
	Err  error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication to %s: %v", e.Host, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// ValidationError is raised before any remote mutation happens.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

// RemoteCommandError captures a non-zero exit from a remote command.
type RemoteCommandError struct {
	Host     string
	Command  string
	ExitCode int
	Output   string
}

func (e *RemoteCommandError) Error() string {
	return fmt.Sprintf("remote command on %s exited %d: %s", e.Host, e.ExitCode, e.Command)
}

// CertificateIssuanceError records a failed issuance or renewal. It never
// aborts a deployment; the affected route is served degraded instead.
type CertificateIssuanceError struct {
	Domain string
	Err    error
}

func (e *CertificateIssuanceError) Error() string {
	return fmt.Sprintf("certificate issuance for %s: %v", e.Domain, e.Err)
}

func (e *CertificateIssuanceError) Unwrap() error { return e.Err }

// ConfigWriteError means the atomic replace of the routing document failed.
// The previously live document is still intact.
type ConfigWriteError struct {
	Path string
	Err  error
}

func (e *ConfigWriteError) Error() string {
	return fmt.Sprintf("config write to %s: %v", e.Path, e.Err)
}

func (e *ConfigWriteError) Unwrap() error { return e.Err }

// IsAuthentication reports whether err is (or wraps) an AuthenticationError.
func IsAuthentication(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}

// IsConnectivity reports whether err is (or wraps) a ConnectivityError.
func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}
