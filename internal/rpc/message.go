package rpc

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Comandos del protocolo region↔rack. Todo lo que no sea el handshake
// (ident/authenticate/register) requiere una sesión registrada.
const (
	cmdIdent         = "ident"
	cmdAuthenticate  = "authenticate"
	cmdRegister      = "register"
	CmdConfigureDHCP = "configure-dhcp"
	CmdPing          = "ping"
)

// Códigos de fault que el agente puede devolver en una respuesta de error.
// El caller los clasifica con errors.As sobre *Fault.
const (
	FaultNotFound = "not-found"
	FaultNoRoute  = "no-route"
	FaultInternal = "internal"
)

const (
	kindRequest  = 1
	kindResponse = 2
	kindError    = 3
)

// envelope es el sobre multiplexado de cada frame. ID correlaciona
// request/response; Body es el payload CBOR del comando.
type envelope struct {
	ID   uint64          `cbor:"id"`
	Kind uint8           `cbor:"kind"`
	Cmd  string          `cbor:"cmd,omitempty"`
	Body cbor.RawMessage `cbor:"body,omitempty"`
	Code string          `cbor:"code,omitempty"`
	Err  string          `cbor:"err,omitempty"`
}

// Fault es un error de aplicación devuelto por el extremo remoto.
type Fault struct {
	Code string
	Msg  string
}

func (f *Fault) Error() string {
	if f.Msg == "" {
		return fmt.Sprintf("rpc: fault remoto (%s)", f.Code)
	}
	return fmt.Sprintf("rpc: fault remoto (%s): %s", f.Code, f.Msg)
}

// Payloads del handshake.

type IdentRequest struct{}

type IdentResponse struct {
	Ident string `cbor:"ident"`
}

type AuthRequest struct {
	Message []byte `cbor:"message"`
}

type AuthResponse struct {
	Digest []byte `cbor:"digest"`
	Salt   []byte `cbor:"salt"`
}

type RegisterRequest struct {
	ProcessID string `cbor:"process_id"`
	Hostname  string `cbor:"hostname"`
	Version   string `cbor:"version,omitempty"`
}

type RegisterResponse struct {
	// Ident es la identidad que el rack asigna a esta sesión del region.
	Ident string `cbor:"ident"`
}

// Payload del único comando de configuración que este core emite.

type ConfigureDHCPRequest struct {
	RackID   int64  `cbor:"rack_id"`
	RackName string `cbor:"rack_name"`
}

type ConfigureDHCPResponse struct {
	OK bool `cbor:"ok"`
}

type PingRequest struct{}

type PingResponse struct {
	OK bool `cbor:"ok"`
}
