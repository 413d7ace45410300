package api

import (
	"crypto/rand"
	"encoding/hex"
)

// generateToken mints a fresh high-entropy bearer token for a newly
// registered (or reactivated) runner, per §3.1: "reactivation of an
// inactive row rotates the token."
func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
