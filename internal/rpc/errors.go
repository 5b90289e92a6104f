package rpc

import "errors"

var (
	// ErrAuthentication: el handshake de digest falló (mismatch, timeout,
	// respuesta malformada). La conexión nunca llega al pool.
	ErrAuthentication = errors.New("rpc: authentication failed")

	// ErrClosed: la conexión fue cerrada (local o remotamente).
	ErrClosed = errors.New("rpc: connection closed")
)
