package logger

import (
	"time"

	"go.uber.org/zap"
)

// =================================================================================
// CAMPOS ESTÁNDAR - FLEET
// =================================================================================

// RackID crea un campo para el ID del rack controller.
func RackID(v int64) zap.Field {
	return zap.Int64("rack_id", v)
}

// Endpoint crea un campo para el nombre del endpoint RPC remoto.
func Endpoint(v string) zap.Field {
	return zap.String("endpoint", v)
}

// Address crea un campo para la dirección de red (host:port).
func Address(v string) zap.Field {
	return zap.String("address", v)
}

// ConnID crea un campo para el ID de una conexión del pool.
func ConnID(v string) zap.Field {
	return zap.String("conn_id", v)
}

// Channel crea un campo para el canal de notificaciones.
func Channel(v string) zap.Field {
	return zap.String("channel", v)
}

// ProcessID crea un campo para el ID del proceso region.
func ProcessID(v string) zap.Field {
	return zap.String("process_id", v)
}

// Command crea un campo para el comando RPC.
func Command(v string) zap.Field {
	return zap.String("command", v)
}

// Result crea un campo para el resultado de una operación (ok|not_found|no_route|error).
func Result(v string) zap.Field {
	return zap.String("result", v)
}

// =================================================================================
// CAMPOS ESTÁNDAR - SISTEMA
// =================================================================================

// Component crea un campo para el componente/módulo.
func Component(v string) zap.Field {
	return zap.String("component", v)
}

// Op crea un campo para la operación actual.
func Op(v string) zap.Field {
	return zap.String("op", v)
}

// Err crea un campo para un error.
func Err(err error) zap.Field {
	return zap.Error(err)
}

// Duration crea un campo para una duración.
func Duration(v time.Duration) zap.Field {
	return zap.Duration("duration", v)
}

// =================================================================================
// CAMPOS GENÉRICOS
// =================================================================================

// Count crea un campo para un conteo.
func Count(v int) zap.Field {
	return zap.Int("count", v)
}

// Any crea un campo genérico para cualquier tipo.
func Any(key string, v any) zap.Field {
	return zap.Any(key, v)
}

// String crea un campo string genérico.
func String(key, v string) zap.Field {
	return zap.String(key, v)
}

// Int crea un campo int genérico.
func Int(key string, v int) zap.Field {
	return zap.Int(key, v)
}

// Bool crea un campo bool genérico.
func Bool(key string, v bool) zap.Field {
	return zap.Bool(key, v)
}
