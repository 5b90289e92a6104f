package pool

import "errors"

var (
	// ErrPoolExhausted: el endpoint ya está en max_conns. Es señal de
	// backpressure sincrónica; el pool no encola ni reintenta por su cuenta.
	ErrPoolExhausted = errors.New("pool: máximo de conexiones alcanzado")

	// ErrNoConnections: el endpoint no tiene ninguna conexión registrada.
	ErrNoConnections = errors.New("pool: sin conexiones para el endpoint")

	// ErrAllBusy: no hay ninguna conexión ociosa en todo el pool.
	ErrAllBusy = errors.New("pool: todas las conexiones están ocupadas")

	// ErrClosed: el pool ya fue cerrado.
	ErrClosed = errors.New("pool: cerrado")
)
