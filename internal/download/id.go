package download

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// ID identifies a download task. It is derived from the request triple so that
// identical requests collapse onto the same task.
type ID string

// NewID returns the stable identifier for (url, path, name).
// Every field is length-prefixed before hashing so that ("ab", "c") and
// ("a", "bc") never share an input.
func NewID(url, path, name string) ID {
	h := sha256.New()

	for _, part := range []string{url, path, name} {
		var size [8]byte
		binary.BigEndian.PutUint64(size[:], uint64(len(part)))
		h.Write(size[:])
		h.Write([]byte(part))
	}

	sum := h.Sum(nil)

	return ID(hex.EncodeToString(sum[:16]))
}

func (id ID) String() string {
	return string(id)
}
