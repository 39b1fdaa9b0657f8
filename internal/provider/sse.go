package provider

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// maxSSELineBytes is the per-line cap for upstream SSE payloads. The default
// bufio.Scanner limit of 64 KiB is too small for long completion chunks.
const maxSSELineBytes = 1 << 20

// SSEScanner reads server-sent events from an upstream response body. It
// joins multi-line data fields, skips comments and non-data fields, and
// treats the OpenAI-style [DONE] sentinel as end of stream.
type SSEScanner struct {
	scanner *bufio.Scanner
}

// NewSSEScanner wraps reader for event-by-event consumption.
func NewSSEScanner(reader io.Reader) *SSEScanner {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELineBytes)
	return &SSEScanner{scanner: scanner}
}

// Next returns the next event's data payload. It reports io.EOF at end of
// stream and on the [DONE] sentinel.
func (s *SSEScanner) Next() (string, error) {
	var dataLines []string

	for s.scanner.Scan() {
		line := s.scanner.Text()

		// Blank line closes the current event.
		if line == "" {
			if len(dataLines) > 0 {
				return strings.Join(dataLines, "\n"), nil
			}
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		if strings.HasPrefix(line, "data:") {
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return "", io.EOF
			}
			dataLines = append(dataLines, data)
			continue
		}

		// event:, id: and retry: fields carry nothing we need; the payload
		// JSON identifies itself.
	}

	if err := s.scanner.Err(); err != nil {
		return "", fmt.Errorf("read upstream stream: %w", err)
	}

	if len(dataLines) > 0 {
		return strings.Join(dataLines, "\n"), nil
	}
	return "", io.EOF
}
