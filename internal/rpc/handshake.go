package rpc

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"fmt"

	"github.com/dropDatabas3/rackwatch/internal/metrics"
)

// challengeSize es el tamaño del mensaje aleatorio del challenge.
const challengeSize = 16

// HandshakeInfo identifica a este proceso region ante el rack en el register
// final del handshake.
type HandshakeInfo struct {
	ProcessID string
	Hostname  string
	Version   string
}

// Authenticate corre el handshake sobre una conexión recién marcada:
//
//  1. ident: el remoto declara su identidad; debe coincidir con el endpoint
//     esperado.
//  2. authenticate: challenge aleatorio → {digest, salt}; se recomputa el
//     digest con la copia local del secreto y se compara en tiempo constante.
//  3. register: el remoto asigna la identidad local de la sesión.
//
// Fail-closed: cualquier error (transporte, mismatch, respuesta malformada)
// cierra la conexión y devuelve ErrAuthentication. Una conexión a medio
// autenticar nunca queda utilizable.
func Authenticate(ctx context.Context, c *Conn, secret []byte, info HandshakeInfo) error {
	if err := authenticate(ctx, c, secret, info); err != nil {
		c.Close()
		return err
	}
	return nil
}

func authenticate(ctx context.Context, c *Conn, secret []byte, info HandshakeInfo) error {
	var ident IdentResponse
	if err := c.Call(ctx, cmdIdent, &IdentRequest{}, &ident); err != nil {
		metrics.HandshakeFailures.WithLabelValues("transport").Inc()
		return fmt.Errorf("%w: ident query: %w", ErrAuthentication, err)
	}
	if ident.Ident == "" || (c.endpoint != "" && ident.Ident != c.endpoint) {
		metrics.HandshakeFailures.WithLabelValues("ident").Inc()
		return fmt.Errorf("%w: el remoto se declara %q, se esperaba %q",
			ErrAuthentication, ident.Ident, c.endpoint)
	}

	message := make([]byte, challengeSize)
	if _, err := rand.Read(message); err != nil {
		return fmt.Errorf("%w: generando challenge: %w", ErrAuthentication, err)
	}

	var auth AuthResponse
	if err := c.Call(ctx, cmdAuthenticate, &AuthRequest{Message: message}, &auth); err != nil {
		metrics.HandshakeFailures.WithLabelValues("transport").Inc()
		return fmt.Errorf("%w: challenge: %w", ErrAuthentication, err)
	}
	if len(auth.Salt) == 0 || len(auth.Digest) == 0 {
		metrics.HandshakeFailures.WithLabelValues("digest").Inc()
		return fmt.Errorf("%w: respuesta de challenge malformada", ErrAuthentication)
	}
	expected := CalculateDigest(secret, message, auth.Salt)
	if !hmac.Equal(expected, auth.Digest) {
		metrics.HandshakeFailures.WithLabelValues("digest").Inc()
		return fmt.Errorf("%w: digest mismatch con %q", ErrAuthentication, ident.Ident)
	}

	var reg RegisterResponse
	err := c.Call(ctx, cmdRegister, &RegisterRequest{
		ProcessID: info.ProcessID,
		Hostname:  info.Hostname,
		Version:   info.Version,
	}, &reg)
	if err != nil {
		metrics.HandshakeFailures.WithLabelValues("transport").Inc()
		return fmt.Errorf("%w: register: %w", ErrAuthentication, err)
	}
	if reg.Ident == "" {
		metrics.HandshakeFailures.WithLabelValues("transport").Inc()
		return fmt.Errorf("%w: register no asignó identidad", ErrAuthentication)
	}

	c.ident = ident.Ident
	c.localIdent = reg.Ident
	return nil
}
