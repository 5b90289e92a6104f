package rpc

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode codifica con Core Deterministic Encoding (RFC 8949 §4.2): claves
// ordenadas, enteros mínimos, sin items de largo indefinido. El mismo payload
// produce siempre los mismos bytes, lo que simplifica los tests de framing.
var encMode cbor.EncMode

// decMode acepta CBOR estándar; campos desconocidos se ignoran para que
// versiones nuevas del agente puedan agregar campos sin romper regiones viejas.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("rpc: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Cuando el destino es any, queremos map[string]any y no
		// map[interface{}]interface{} (default CBOR por claves no-string).
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("rpc: CBOR decoder initialization failed: " + err.Error())
	}
}

func marshal(v any) ([]byte, error)   { return encMode.Marshal(v) }
func unmarshal(b []byte, v any) error { return decMode.Unmarshal(b, v) }
