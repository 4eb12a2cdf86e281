package transport

import (
	"errors"
	"strings"
)

// NormalizeDigits strips everything except ASCII digits.
func NormalizeDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if c := s[i]; c >= '0' && c <= '9' {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Address builds a channel address from a phone number or chat id.
func Address(phone, suffix string) string {
	return NormalizeDigits(phone) + suffix
}

var ErrBadAddress = errors.New("invalid recipient address")

// SplitAddress returns the digits of an address built by Address.
func SplitAddress(address, suffix string) (string, error) {
	digits, ok := strings.CutSuffix(address, suffix)
	if !ok || digits == "" || NormalizeDigits(digits) != digits {
		return "", ErrBadAddress
	}
	return digits, nil
}
