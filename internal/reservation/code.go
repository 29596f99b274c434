package reservation

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"time"
)

var codeEncoding = base32.NewEncoding("0123456789ABCDEFGHJKMNPQRSTVWXYZ").WithPadding(base32.NoPadding)

// generateCode builds a reservation code from the current millisecond
// timestamp plus 5 random bytes, base32-encoded over a Crockford-style
// alphabet (no 0/O/1/I/L confusion). Collisions are possible but rare;
// callers retry a bounded number of times against a uniqueness check.
func generateCode() (string, error) {
	var buf [5]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	ts := time.Now().UnixMilli()
	payload := make([]byte, 8+len(buf))
	for i := 0; i < 8; i++ {
		payload[i] = byte(ts >> (8 * (7 - i)))
	}
	copy(payload[8:], buf[:])
	return codeEncoding.EncodeToString(payload), nil
}
