package identity

import (
	"encoding/base64"
	"strings"
	"unicode/utf8"
)

const codecPrefix = "b1."

// Codec is the reversible, non-cryptographic transform applied before the
// identifier lands in backends that are plain-text-visible in developer
// tools. It deliberately resists nothing beyond a casual glance.
type Codec struct {
	pad []byte
}

func NewCodec(salt string) Codec {
	if salt == "" {
		salt = "sweetblog"
	}
	return Codec{pad: []byte(salt)}
}

func (c Codec) Encode(value string) string {
	raw := []byte(value)
	out := make([]byte, len(raw))
	for i, b := range raw {
		out[i] = b ^ c.pad[i%len(c.pad)]
	}
	return codecPrefix + base64.RawURLEncoding.EncodeToString(out)
}

// Decode reverses Encode. Malformed input of any kind yields ok=false; it
// never returns an error or panics.
func (c Codec) Decode(token string) (string, bool) {
	if !strings.HasPrefix(token, codecPrefix) {
		return "", false
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(token, codecPrefix))
	if err != nil || len(raw) == 0 {
		return "", false
	}
	out := make([]byte, len(raw))
	for i, b := range raw {
		out[i] = b ^ c.pad[i%len(c.pad)]
	}
	if !utf8.Valid(out) {
		return "", false
	}
	return string(out), true
}
