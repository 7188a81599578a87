//go:build !unix

package server

func classifyBindError(error) BindErrorKind { return BindFailed }
