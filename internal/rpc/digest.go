package rpc

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// CalculateDigest calcula HMAC-SHA256(secret||salt, message). Ambos extremos
// del handshake computan exactamente esto; el salt lo genera quien responde.
func CalculateDigest(secret, message, salt []byte) []byte {
	key := make([]byte, 0, len(secret)+len(salt))
	key = append(key, secret...)
	key = append(key, salt...)
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}

// ParseSecret decodifica el secreto compartido en hex (el formato en que se
// distribuye out-of-band a ambos lados).
func ParseSecret(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("rpc: secreto compartido no es hex válido: %w", err)
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("rpc: secreto compartido vacío")
	}
	return b, nil
}
