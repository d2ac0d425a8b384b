package logging

import (
	"crypto/rand"
	"encoding/hex"
)

// NewRequestID returns an 8-character hex request identifier.
func NewRequestID() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "00000000"
	}
	return hex.EncodeToString(buf)
}
