package models

import (
	"strconv"
	"strings"
)

// NormalizeMAC accepts colon, dash or dot separated MAC addresses as well as
// 12 bare hex digits and returns the upper-case colon form.
func NormalizeMAC(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	hex := make([]byte, 0, 12)
	switch {
	case len(s) == 12:
		hex = append(hex, s...)
	case len(s) == 17 && (s[2] == ':' || s[2] == '-'):
		sep := s[2]
		for i := 0; i < 17; i++ {
			if i%3 == 2 {
				if s[i] != sep {
					return "", NewValidationError(CodeInvalidMacFormat, "%q", raw)
				}
				continue
			}
			hex = append(hex, s[i])
		}
	case len(s) == 14 && s[4] == '.' && s[9] == '.':
		hex = append(hex, s[0:4]...)
		hex = append(hex, s[5:9]...)
		hex = append(hex, s[10:14]...)
	default:
		return "", NewValidationError(CodeInvalidMacFormat, "%q", raw)
	}

	var b strings.Builder
	for i, c := range hex {
		if !isHex(c) {
			return "", NewValidationError(CodeInvalidMacFormat, "%q", raw)
		}
		if i > 0 && i%2 == 0 {
			b.WriteByte(':')
		}
		b.WriteByte(upper(c))
	}
	return b.String(), nil
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func upper(c byte) byte {
	if c >= 'a' && c <= 'f' {
		return c - 'a' + 'A'
	}
	return c
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
