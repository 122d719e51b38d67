package proxy

import (
	"fmt"
	"io"
)

// writeStatus writes a minimal HTTP/1.0 response whose body is the reason
// phrase.
func writeStatus(w io.Writer, status int, reason string) error {
	_, err := fmt.Fprintf(w, "HTTP/1.0 %d %s\r\nContent-Type: text/plain\r\nContent-Length: %d\r\n\r\n%s",
		status, reason, len(reason), reason)
	return err
}

// relay copies upstream bytes to the client while keeping a copy for the
// cache. Once a client write fails the client is skipped, but capture
// continues so the response can still be committed.
type relay struct {
	client    io.Writer
	captured  []byte
	clientErr error
}

func (r *relay) Write(p []byte) (int, error) {
	r.captured = append(r.captured, p...)
	if r.clientErr == nil {
		if _, err := r.client.Write(p); err != nil {
			r.clientErr = err
		}
	}
	return len(p), nil
}
