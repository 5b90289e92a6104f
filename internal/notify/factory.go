package notify

import (
	"context"
	"fmt"
	"strings"
)

type Config struct {
	// Kind: pg | redis | memory
	Kind string
	// DSN de postgres (driver pg).
	DSN string
	// Redis (driver redis).
	RedisAddr string
	RedisDB   int
}

// Opener registra el constructor de un driver. Los drivers se anotan acá vía
// Register desde sus propios paquetes para evitar el ciclo notify ↔ driver.
type Opener func(ctx context.Context, cfg Config) (Bus, error)

var openers = map[string]Opener{}

// Register la llaman los drivers en init().
func Register(kind string, fn Opener) {
	openers[strings.ToLower(kind)] = fn
}

// Open instancia el driver configurado. El driver pg mantiene su propia
// conexión dedicada (LISTEN no puede compartir conexiones de un pool).
func Open(ctx context.Context, cfg Config) (Bus, error) {
	fn, ok := openers[strings.ToLower(cfg.Kind)]
	if !ok {
		return nil, fmt.Errorf("notify: unsupported kind: %s (¿falta importar el driver?)", cfg.Kind)
	}
	return fn(ctx, cfg)
}
