//go:build unix

package server

import (
	"errors"

	"golang.org/x/sys/unix"
)

func classifyBindError(err error) BindErrorKind {
	switch {
	case errors.Is(err, unix.EADDRINUSE):
		return BindAddrInUse
	case errors.Is(err, unix.EADDRNOTAVAIL):
		return BindAddrNotAvailable
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return BindPermissionDenied
	default:
		return BindFailed
	}
}
