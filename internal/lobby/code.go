package lobby

import (
	"crypto/rand"
	"math/big"
)

const codeCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
const codeLength = 5

// CreateCode generates a short uppercase alphanumeric lobby code.
// Codes are drawn client-side with no directory lookup, so two lobbies
// can in principle collide on a code; whether that rarity needs
// handling is an open product question, so it is deliberately not
// papered over here.
func CreateCode() (string, error) {
	code := make([]byte, codeLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeCharset))))
		if err != nil {
			return "", err
		}
		code[i] = codeCharset[n.Int64()]
	}
	return string(code), nil
}
