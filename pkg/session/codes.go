package session

import (
	"crypto/rand"
)

// codeAlphabet omits lookalike characters (0/O, 1/I/L).
const codeAlphabet = "ABCDEFGHJKMNPQRSTVWXYZ23456789"

func newRoomCode(length int) string {
	buf := make([]byte, length)
	_, _ = rand.Read(buf)
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf)
}
