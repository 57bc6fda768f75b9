package subtitle

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// SanitizeName turns a free-form title into a download file name. Letters,
// digits and a few separators are kept; quotes, semicolons, slashes and the
// like become a single underscore and control characters are dropped. Leading
// dots are removed so the name can never be hidden or relative. The result
// is cut to maxLen runes when maxLen > 0 and may be empty.
func SanitizeName(s string, maxLen int) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		switch {
		case unicode.IsControl(r):
			continue
		case isNameRune(r):
			b.WriteRune(r)
			lastUnderscore = r == '_'
		case !lastUnderscore:
			b.WriteRune('_')
			lastUnderscore = true
		}
	}

	name := trimName(b.String())
	if maxLen > 0 {
		if runes := []rune(name); len(runes) > maxLen {
			name = trimName(string(runes[:maxLen]))
		}
	}
	return name
}

func trimName(s string) string {
	return strings.TrimRight(strings.TrimLeft(s, " ._"), " ")
}

func isNameRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case ' ', '-', '_', '.', ',', '(', ')':
		return true
	}
	return false
}

// ContentDisposition builds an attachment header for filename. The quoted
// filename parameter is ASCII only; names with other characters also carry
// the UTF-8 form as an RFC 8187 filename* parameter.
func ContentDisposition(filename string) string {
	fallback := asciiName(filename)
	if fallback == "" {
		return "attachment"
	}

	header := `attachment; filename="` + fallback + `"`
	if fallback != filename {
		header += "; filename*=UTF-8''" + encodeExtValue(filename)
	}
	return header
}

// asciiName replaces everything a quoted-string cannot carry verbatim.
func asciiName(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= 0x20 && r < utf8.RuneSelf && r != 0x7f && r != '"' && r != '\\' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

const upperHex = "0123456789ABCDEF"

func encodeExtValue(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isAttrChar(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperHex[c>>4])
		b.WriteByte(upperHex[c&0x0f])
	}
	return b.String()
}

func isAttrChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return strings.IndexByte("!#$&+-.^_`|~", c) >= 0
}
