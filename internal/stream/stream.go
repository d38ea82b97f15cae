// Package stream relays backend Server-Sent Event responses to the client
// as they arrive.
package stream

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
)

// bufSize is the read size for each relayed chunk. Backends usually emit one
// event per write, well below this.
const bufSize = 32 * 1024

// IsEventStream reports whether resp carries an SSE body.
func IsEventStream(resp *http.Response) bool {
	mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return err == nil && mt == "text/event-stream"
}

// Relay copies resp's body to w, flushing after every read so the client sees
// tokens as the backend produces them. The backend's status code is kept.
//
// The SSE headers must be set before the first Write; once the status line
// has gone out nothing can be changed, so a mid-stream read error simply ends
// the response. The returned count is what reached the client.
func Relay(w http.ResponseWriter, resp *http.Response) (int64, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return 0, fmt.Errorf("response writer does not support flushing (http.Flusher)")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(resp.StatusCode)
	flusher.Flush()

	var written int64
	buf := make([]byte, bufSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			m, err := w.Write(buf[:n])
			written += int64(m)
			if err != nil {
				return written, fmt.Errorf("writing to client: %w", err)
			}
			flusher.Flush()
		}
		if errors.Is(readErr, io.EOF) {
			return written, nil
		}
		if readErr != nil {
			return written, fmt.Errorf("reading backend stream: %w", readErr)
		}
	}
}

// Buffered reads the whole backend body and writes it as a single JSON reply
// with the backend's status code.
func Buffered(w http.ResponseWriter, resp *http.Response) (int64, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("reading backend body: %w", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	n, err := w.Write(body)
	return int64(n), err
}
