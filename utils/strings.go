package utils

import (
	"strconv"
	"strings"
	"unsafe"
)

func BytesToString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return *(*string)(unsafe.Pointer(&b))
}

// ParseBoundedInt parses raw as a positive int, falling back to def and
// clamping to max.
func ParseBoundedInt(raw []byte, def, max int) int {
	if len(raw) == 0 {
		return def
	}

	value, err := strconv.Atoi(strings.TrimSpace(BytesToString(raw)))
	if err != nil || value <= 0 {
		return def
	}
	if max > 0 && value > max {
		return max
	}
	return value
}
