package policy

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// CodeAlphabet leaves out 0/O, 1/I/l and lower-case o so printed vouchers
// can be read back without confusion.
const CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghjkmnpqrstuvwxyz23456789"

// CodeLength of generated usernames and passwords
const CodeLength = 8

func randomCode(n int) (string, error) {
	max := big.NewInt(int64(len(CodeAlphabet)))
	buf := make([]byte, n)
	for i := range buf {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to read random source: %w", err)
		}
		buf[i] = CodeAlphabet[idx.Int64()]
	}
	return string(buf), nil
}
