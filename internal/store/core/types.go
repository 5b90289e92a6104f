package core

import (
	"context"
	"errors"
)

// ErrNotFound: el rack no existe (o ya no existe) en la base.
var ErrNotFound = errors.New("store: rack no encontrado")

// Endpoint identifica un listener RPC remoto de un rack: nombre de instancia
// del proceso agente + dirección. Inmutable una vez observado. Un rack puede
// exponer más de uno (varios procesos agente).
type Endpoint struct {
	Name    string
	Address string
}

// Rack es la referencia resuelta contra persistencia; sólo trae lo necesario
// para actuar sobre el rack. No se cachea entre llamadas: se resuelve fresco
// cada vez.
type Rack struct {
	ID        int64
	Name      string
	Endpoints []Endpoint
}

// Repository es el contrato estrecho que este core le pide a la persistencia.
// La capa ORM/CRUD completa vive afuera.
type Repository interface {
	// RackByID resuelve un rack con sus endpoints; ErrNotFound si no existe.
	RackByID(ctx context.Context, id int64) (*Rack, error)

	// ListRacksManagedBy devuelve los IDs de racks cuyo managing process es
	// processID. Sólo se usa en el recovery de arranque.
	ListRacksManagedBy(ctx context.Context, processID string) ([]int64, error)

	// Ping verifica la conexión (readyz).
	Ping(ctx context.Context) error

	Close()
}
