package transport

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// VerificationCode derives the four digit code both sides of a handshake
// display. The result does not depend on argument order.
func VerificationCode(a, b string, nonce []byte) string {
	if a > b {
		a, b = b, a
	}
	h := sha256.New()
	h.Write([]byte(a))
	h.Write([]byte{0})
	h.Write([]byte(b))
	h.Write([]byte{0})
	h.Write(nonce)
	sum := h.Sum(nil)
	return fmt.Sprintf("%04d", binary.BigEndian.Uint32(sum[:4])%10000)
}
