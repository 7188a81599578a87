package server

import "fmt"

// BindErrorKind is the OS-level cause of a bind failure.
type BindErrorKind int

const (
	BindFailed BindErrorKind = iota
	BindAddrInUse
	BindAddrNotAvailable
	BindPermissionDenied
)

func (k BindErrorKind) String() string {
	switch k {
	case BindAddrInUse:
		return "address already in use"
	case BindAddrNotAvailable:
		return "address not available on this host"
	case BindPermissionDenied:
		return "permission denied"
	default:
		return "bind failed"
	}
}

// BindError reports that the management socket could not be claimed.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// Kind classifies the underlying OS error.
func (e *BindError) Kind() BindErrorKind { return classifyBindError(e.Err) }
