package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/dropDatabas3/rackwatch/internal/store/core"
	"github.com/dropDatabas3/rackwatch/internal/store/pg"
)

type Config struct {
	Driver   string
	DSN      string
	Postgres pg.Tuning
}

// Open devuelve el core.Repository según el driver. Hoy el único driver real
// es postgres; el switch queda por el mismo motivo que en el resto de las
// factories del proyecto: enchufar drivers sin tocar a los callers.
func Open(ctx context.Context, cfg Config) (core.Repository, error) {
	switch strings.ToLower(cfg.Driver) {
	case "postgres", "pg", "postgresql":
		return pg.New(ctx, cfg.DSN, cfg.Postgres)
	default:
		return nil, fmt.Errorf("store: unsupported driver: %s", cfg.Driver)
	}
}

// OpenPG abre el driver postgres devolviendo el tipo concreto, para los
// componentes que necesitan el pgxpool subyacente (bus LISTEN/NOTIFY).
func OpenPG(ctx context.Context, cfg Config) (*pg.Store, error) {
	return pg.New(ctx, cfg.DSN, cfg.Postgres)
}
