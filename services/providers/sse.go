package providers

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrStreamClosed is returned when reading from an exhausted stream
var ErrStreamClosed = errors.New("stream is closed")

// SSEEvent is one Server-Sent Event
type SSEEvent struct {
	Event string
	Data  string
	ID    string
}

// SSEReader reads Server-Sent Events from a response body
type SSEReader struct {
	reader *bufio.Reader
	closed bool
}

// NewSSEReader wraps r
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{reader: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next event, or io.EOF when the stream ends
func (p *SSEReader) Next() (*SSEEvent, error) {
	if p.closed {
		return nil, ErrStreamClosed
	}

	var event SSEEvent
	var data bytes.Buffer
	hasData := false

	for {
		line, err := p.reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read stream: %w", err)
		}
		eof := errors.Is(err, io.EOF)

		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if hasData {
				event.Data = data.String()
				return &event, nil
			}
			if eof {
				p.closed = true
				return nil, io.EOF
			}
			continue
		}

		if !strings.HasPrefix(line, ":") {
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "event":
				event.Event = value
			case "data":
				if hasData {
					data.WriteByte('\n')
				}
				data.WriteString(value)
				hasData = true
			case "id":
				event.ID = value
			}
		}

		if eof {
			p.closed = true
			if hasData {
				event.Data = data.String()
				return &event, nil
			}
			return nil, io.EOF
		}
	}
}
