package stream

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	maxLineBytes     = 4 << 20
	defaultEventName = "message"
)

// frame is one dispatched SSE block before typing. Comment lines surface as
// keepalive frames so they reset the stall timer.
type frame struct {
	name string
	data []byte
}

type decoder struct {
	scanner *bufio.Scanner
	name    string
	data    bytes.Buffer
	hasData bool
}

func newDecoder(r io.Reader) *decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &decoder{scanner: scanner}
}

// next returns the next frame, io.EOF at a clean end of input, or the
// underlying read error.
func (d *decoder) next() (frame, error) {
	for d.scanner.Scan() {
		line := strings.TrimSuffix(d.scanner.Text(), "\r")
		if line == "" {
			if d.name == "" && !d.hasData {
				continue
			}
			return d.dispatch(), nil
		}
		if strings.HasPrefix(line, ":") {
			return frame{name: NameKeepalive}, nil
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			d.name = value
		case "data":
			if d.hasData {
				d.data.WriteByte('\n')
			}
			d.data.WriteString(value)
			d.hasData = true
		case "id", "retry":
		default:
			// Unknown fields are ignored per the SSE format.
		}
	}
	if err := d.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return frame{}, fmt.Errorf("sse line exceeds %d bytes: %w", maxLineBytes, err)
		}
		return frame{}, fmt.Errorf("read sse: %w", err)
	}
	return frame{}, io.EOF
}

func (d *decoder) dispatch() frame {
	name := d.name
	if name == "" {
		name = defaultEventName
	}
	f := frame{name: name, data: append([]byte(nil), d.data.Bytes()...)}
	d.name = ""
	d.data.Reset()
	d.hasData = false
	return f
}
