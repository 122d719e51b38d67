package cache

import (
	"bytes"
	"strconv"
	"strings"
)

const contentLengthHeader = "Content-Length"

// Stale reports whether a stored response must be fetched again.
//
// The decision looks only at the Content-Length header of the stored
// response: an even value is fresh, an odd value is stale. A missing or
// unparsable header is stale as well.
func Stale(payload []byte) bool {
	n, ok := ContentLength(payload)
	if !ok {
		return true
	}
	return n%2 != 0
}

// ContentLength extracts the Content-Length value from the header section
// of a raw HTTP response. The status line is skipped and scanning stops at
// the first empty line. The header name is matched case-insensitively.
func ContentLength(payload []byte) (int64, bool) {
	head := payload
	if i := bytes.Index(head, []byte("\r\n\r\n")); i >= 0 {
		head = head[:i]
	} else if i := bytes.Index(head, []byte("\n\n")); i >= 0 {
		head = head[:i]
	}

	lines := strings.Split(string(head), "\n")
	for _, line := range lines[1:] {
		line = strings.TrimRight(line, "\r")
		name, value, found := strings.Cut(line, ":")
		if !found || !strings.EqualFold(strings.TrimSpace(name), contentLengthHeader) {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || n < 0 {
			return 0, false
		}
		return n, true
	}
	return 0, false
}
