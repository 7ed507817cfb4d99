package extractor

import (
	"bytes"
	"strings"
	"unicode/utf8"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// DecodeText decodes UTF-8 and falls back to Latin-1 when the bytes are not valid UTF-8,
// so no input byte is ever dropped.
func DecodeText(raw []byte) string {
	raw = bytes.TrimPrefix(raw, utf8BOM)
	if utf8.Valid(raw) {
		return strings.TrimSpace(string(raw))
	}

	runes := make([]rune, len(raw))
	for i, b := range raw {
		runes[i] = rune(b)
	}
	return strings.TrimSpace(string(runes))
}
