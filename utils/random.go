package utils

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// GenerateCode returns n random bytes as upper-case hex.
func GenerateCode(n int) (string, error) {
	byt := make([]byte, n)
	if _, err := rand.Read(byt); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(byt)), nil
}

// SeatLabel builds a general-admission seat label such as "VIP-3FA9C1".
func SeatLabel(categoryName string) (string, error) {
	code, err := GenerateCode(3)
	if err != nil {
		return "", err
	}
	prefix := []rune(strings.ToUpper(strings.Join(strings.Fields(categoryName), "")))
	if len(prefix) > 12 {
		prefix = prefix[:12]
	}
	if len(prefix) == 0 {
		return "GA-" + code, nil
	}
	return string(prefix) + "-" + code, nil
}
