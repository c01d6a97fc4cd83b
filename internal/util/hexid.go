package util

import (
	"fmt"
	"strconv"
)

// ToHex renders a numeric article id as the zero-padded hexadecimal string
// used in public URLs (minimum width 5).
func ToHex(id int64) string {
	return fmt.Sprintf("%05x", id)
}

// FromHex parses a public hexadecimal article id.
func FromHex(hexID string) (int64, error) {
	id, err := strconv.ParseInt(hexID, 16, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid article id %q", hexID)
	}
	return id, nil
}
