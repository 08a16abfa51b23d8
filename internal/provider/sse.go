package provider

import (
	"bufio"
	"bytes"
	"io"
)

// sseReader splits a server-sent events body into events.
type sseReader struct {
	reader *bufio.Reader
	closer io.Closer
}

func newSSEReader(body io.ReadCloser) *sseReader {
	return &sseReader{reader: bufio.NewReader(body), closer: body}
}

// next returns the event name and data of the next event. Multiple data
// lines are joined with newlines. It returns io.EOF when the body ends
// without another complete event.
func (s *sseReader) next() (string, []byte, error) {
	var (
		event string
		data  [][]byte
	)
	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil && (err != io.EOF || len(line) == 0) {
			if err == io.EOF && len(data) > 0 {
				return event, bytes.Join(data, []byte("\n")), nil
			}
			return "", nil, err
		}

		line = bytes.TrimRight(line, "\r\n")
		switch {
		case len(line) == 0:
			if len(data) > 0 {
				return event, bytes.Join(data, []byte("\n")), nil
			}
		case line[0] == ':':
			// comment
		case bytes.HasPrefix(line, []byte("event:")):
			event = string(bytes.TrimSpace(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			d := line[len("data:"):]
			if len(d) > 0 && d[0] == ' ' {
				d = d[1:]
			}
			data = append(data, append([]byte(nil), d...))
		}

		if err == io.EOF {
			if len(data) > 0 {
				return event, bytes.Join(data, []byte("\n")), nil
			}
			return "", nil, io.EOF
		}
	}
}

func (s *sseReader) Close() error {
	return s.closer.Close()
}
