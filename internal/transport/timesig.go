package transport

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseTimeSignature parses a meter string of the form "N/D". Whitespace
// around either number is tolerated and segments past the second are
// ignored, so "3/4" and " 6 / 8 /x" both parse.
func ParseTimeSignature(s string) (num, den int, err error) {
	parts := strings.Split(s, "/")
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("time signature %q: want N/D", s)
	}
	num, err = strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("time signature %q: %w", s, err)
	}
	den, err = strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("time signature %q: %w", s, err)
	}
	return num, den, nil
}
