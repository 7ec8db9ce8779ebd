package compose

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// Fingerprint identifies an import of body as group id. The working directory
// is included because relative bind mounts resolve against it, so moving the
// file changes the resulting specs even when its content does not.
func Fingerprint(id, workingDir string, body []byte) (string, error) {
	if len(body) == 0 {
		return "", errors.New("compose body is empty")
	}
	h := sha256.New()
	for _, part := range []string{id, workingDir} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil)), nil
}
