package rpc

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/dropDatabas3/rackwatch/internal/observability/logger"
)

// Handler atiende un comando del protocolo. body es el payload CBOR del
// request; el valor devuelto se codifica como respuesta. Un *Fault se
// transmite con su código; cualquier otro error viaja como fault interno.
type Handler func(ctx context.Context, body cbor.RawMessage) (any, error)

// Server es el lado rack del protocolo: responde el handshake (ident,
// authenticate, register) y despacha el resto de comandos a handlers
// registrados. Rechaza todo comando de una sesión sin registrar, igual que el
// agente real. Lo usan rackdsim y los tests del pool/handshake.
type Server struct {
	ident  string
	secret []byte

	mu       sync.Mutex
	handlers map[string]Handler
}

func NewServer(ident string, secret []byte) *Server {
	return &Server{
		ident:    ident,
		secret:   secret,
		handlers: make(map[string]Handler),
	}
}

// Handle registra un handler para cmd. Los comandos del handshake están
// reservados y no se pueden pisar.
func (s *Server) Handle(cmd string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[cmd] = h
}

// Serve acepta conexiones de ln hasta que ctx se cancele.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.serveConn(ctx, nc)
	}
}

// session es el estado de autenticación de una conexión entrante. El
// handshake es secuencial: authenticate habilita register, register habilita
// el resto.
type session struct {
	challenged bool
	registered bool
	ident      string
}

func (s *Server) serveConn(ctx context.Context, nc net.Conn) {
	log := logger.Named("rpc.server").With(logger.Address(nc.RemoteAddr().String()))
	defer nc.Close()

	var sess session
	for {
		payload, err := readFrame(nc)
		if err != nil {
			return
		}
		var env envelope
		if err := unmarshal(payload, &env); err != nil {
			log.Warn("frame malformado, cerrando sesión", logger.Err(err))
			return
		}
		if env.Kind != kindRequest {
			continue
		}

		resp := s.dispatch(ctx, &sess, &env)
		out, err := marshal(resp)
		if err != nil {
			log.Error("encoding response", logger.Err(err), logger.Command(env.Cmd))
			return
		}
		if err := writeFrame(nc, out); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, sess *session, env *envelope) *envelope {
	body, err := s.handle(ctx, sess, env.Cmd, env.Body)
	if err != nil {
		var fault *Fault
		if !errors.As(err, &fault) {
			fault = &Fault{Code: FaultInternal, Msg: err.Error()}
		}
		return &envelope{ID: env.ID, Kind: kindError, Code: fault.Code, Err: fault.Msg}
	}
	raw, err := marshal(body)
	if err != nil {
		return &envelope{ID: env.ID, Kind: kindError, Code: FaultInternal, Err: err.Error()}
	}
	return &envelope{ID: env.ID, Kind: kindResponse, Body: raw}
}

func (s *Server) handle(ctx context.Context, sess *session, cmd string, body cbor.RawMessage) (any, error) {
	switch cmd {
	case cmdIdent:
		return &IdentResponse{Ident: s.ident}, nil

	case cmdAuthenticate:
		var req AuthRequest
		if err := unmarshal(body, &req); err != nil {
			return nil, fmt.Errorf("authenticate: %w", err)
		}
		salt := make([]byte, challengeSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, err
		}
		sess.challenged = true
		return &AuthResponse{
			Digest: CalculateDigest(s.secret, req.Message, salt),
			Salt:   salt,
		}, nil

	case cmdRegister:
		if !sess.challenged {
			return nil, &Fault{Code: FaultInternal, Msg: "register before authenticate"}
		}
		var req RegisterRequest
		if err := unmarshal(body, &req); err != nil {
			return nil, fmt.Errorf("register: %w", err)
		}
		sess.registered = true
		sess.ident = fmt.Sprintf("%s+%s", req.ProcessID, uuid.NewString()[:8])
		return &RegisterResponse{Ident: sess.ident}, nil

	default:
		if !sess.registered {
			return nil, &Fault{Code: FaultInternal, Msg: "unauthenticated session"}
		}
		s.mu.Lock()
		h, ok := s.handlers[cmd]
		s.mu.Unlock()
		if !ok {
			return nil, &Fault{Code: FaultInternal, Msg: "unknown command " + cmd}
		}
		return h(ctx, body)
	}
}
